// Package session implements the per-turn conversation engine: it loads the
// thread's checkpoint, bounds the history for prompting, advances the
// workflow state machine through the external collaborators, and persists a
// new checkpoint atomically.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/miam-bot/miam/internal/apperr"
	"github.com/miam-bot/miam/internal/collaborator"
	"github.com/miam-bot/miam/internal/models"
	"github.com/miam-bot/miam/internal/retrieval"
	"github.com/miam-bot/miam/internal/storage"
	"github.com/miam-bot/miam/internal/trimmer"
)

// Config is the engine's startup configuration, immutable for the process
// lifetime.
type Config struct {
	// TokenBudget bounds the prompt history sent to the model.
	TokenBudget int
	// Model is recorded in assistant message metadata.
	Model string
	// CollaboratorTimeout bounds each external model/retrieval step.
	CollaboratorTimeout time.Duration
	// RetrievalNamespace selects the recipe collection; RetrievalLimit caps
	// matches per query.
	RetrievalNamespace string
	RetrievalLimit     int
}

// Store is the slice of the persistence surface the engine needs.
type Store interface {
	storage.CheckpointStore
	GetThread(ctx context.Context, threadID int64) (*models.Thread, error)
}

// Engine orchestrates one turn at a time per thread. Collaborators and the
// store are injected so tests can substitute doubles.
type Engine struct {
	store          Store
	classifier     collaborator.Classifier
	generator      collaborator.Generator
	retriever      retrieval.Retriever
	tokenizer      trimmer.Tokenizer
	budget         int
	model          string
	timeout        time.Duration
	namespace      string
	retrievalLimit int
	logger         *zap.Logger
	locks          *threadLocks
}

func New(
	store Store,
	classifier collaborator.Classifier,
	generator collaborator.Generator,
	retriever retrieval.Retriever,
	tokenizer trimmer.Tokenizer,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = 60 * time.Second
	}
	if cfg.RetrievalLimit <= 0 {
		cfg.RetrievalLimit = 3
	}
	if cfg.RetrievalNamespace == "" {
		cfg.RetrievalNamespace = retrieval.DefaultNamespace
	}
	return &Engine{
		store:          store,
		classifier:     classifier,
		generator:      generator,
		retriever:      retriever,
		tokenizer:      tokenizer,
		budget:         cfg.TokenBudget,
		model:          cfg.Model,
		timeout:        cfg.CollaboratorTimeout,
		namespace:      cfg.RetrievalNamespace,
		retrievalLimit: cfg.RetrievalLimit,
		logger:         logger,
		locks:          newThreadLocks(),
	}
}

// TurnResult is what one successful turn hands back to the caller.
type TurnResult struct {
	Reply      models.Message
	Done       bool
	Variables  models.Variables
	Checkpoint *models.Checkpoint
}

// HandleTurn processes one inbound user message for a thread. Turns on the
// same thread are serialized; the checkpoint write is the serialization
// point for the stored history. On any collaborator or store failure nothing
// is persisted and the caller may retry with the same message id.
func (e *Engine) HandleTurn(ctx context.Context, userID, threadID int64, incoming models.Message) (*TurnResult, error) {
	if userID <= 0 {
		return nil, apperr.Validation("user_id", "must be positive")
	}
	if threadID <= 0 {
		return nil, apperr.Validation("thread_id", "must be positive")
	}

	lock := e.locks.acquire(threadID)
	defer e.locks.release(threadID, lock)

	thread, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.UserID != userID {
		return nil, apperr.NotFound("thread", threadID)
	}

	cp, err := e.store.GetCheckpoint(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		cp = &models.Checkpoint{
			ThreadID:  threadID,
			Variables: models.Variables{State: StateAwaitingInput},
		}
	}

	// Empty content is a valid, classifiable turn; only the role and id are
	// normalized here.
	incoming.Role = models.RoleUser
	if incoming.ID == "" {
		incoming.ID = uuid.New().String()
	}
	if incoming.Metadata.Timestamp.IsZero() {
		incoming.Metadata.Timestamp = time.Now()
	}

	// A retried turn re-sends the same message id; append it once.
	if !containsMessage(cp.Messages, incoming.ID) {
		cp.Messages = append(cp.Messages, incoming)
	}

	// The prompt is a bounded read-side copy; the full history is what gets
	// persisted.
	prompt := trimmer.Trim(cp.Messages, e.budget, e.tokenizer)

	stepCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	step, err := e.advance(stepCtx, cp.Variables, prompt)
	if err != nil {
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, apperr.ErrCollaboratorTimeout) {
			err = fmt.Errorf("%w: %v", apperr.ErrCollaboratorTimeout, err)
		}
		e.logger.Warn("turn failed, nothing persisted",
			zap.Int64("thread_id", threadID),
			zap.Error(err))
		return nil, err
	}

	reply := models.Message{
		ID:      uuid.New().String(),
		Role:    models.RoleAssistant,
		Content: step.reply,
		Metadata: models.Metadata{
			Model:     e.model,
			Usage:     step.usage,
			Timestamp: time.Now(),
		},
	}
	cp.Messages = append(cp.Messages, reply)
	cp.Variables = step.vars
	cp.Version++

	if err := e.store.PutCheckpoint(ctx, cp, step.usage.TotalTokens); err != nil {
		return nil, err
	}

	e.logger.Info("turn completed",
		zap.Int64("thread_id", threadID),
		zap.Int64("user_id", userID),
		zap.String("state", step.vars.State),
		zap.String("intent", step.vars.LastIntent),
		zap.Int64("version", cp.Version),
		zap.Int("tokens", step.usage.TotalTokens))

	return &TurnResult{
		Reply:      reply,
		Done:       step.done,
		Variables:  cp.Variables,
		Checkpoint: cp,
	}, nil
}

func containsMessage(messages []models.Message, id string) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].ID == id {
			return true
		}
	}
	return false
}
