package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/miam-bot/miam/internal/apperr"
	"github.com/miam-bot/miam/internal/collaborator"
	"github.com/miam-bot/miam/internal/models"
	"github.com/miam-bot/miam/internal/retrieval"
	"github.com/miam-bot/miam/internal/storage"
	"github.com/miam-bot/miam/internal/trimmer"
)

type fakeClassifier struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, history []models.Message) (collaborator.Classification, models.Usage, error)
}

func (f *fakeClassifier) Classify(ctx context.Context, history []models.Message) (collaborator.Classification, models.Usage, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx, history)
}

type fakeGenerator struct {
	mu       sync.Mutex
	lastOpts collaborator.GenerateOptions
	reply    string
	usage    models.Usage
	err      error
}

func (f *fakeGenerator) Generate(ctx context.Context, history []models.Message, opts collaborator.GenerateOptions) (string, models.Usage, error) {
	f.mu.Lock()
	f.lastOpts = opts
	f.mu.Unlock()
	return f.reply, f.usage, f.err
}

type fakeRetriever struct {
	results []retrieval.Result
	err     error
	queries []string
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query, namespace string, limit int) ([]retrieval.Result, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

func clarifying(reply string) func(context.Context, []models.Message) (collaborator.Classification, models.Usage, error) {
	return func(context.Context, []models.Message) (collaborator.Classification, models.Usage, error) {
		return collaborator.Classification{
			Intent: collaborator.IntentRecipe,
			Reply:  reply,
		}, models.Usage{TotalTokens: 7}, nil
	}
}

type fixture struct {
	store      *storage.MemoryStore
	engine     *Engine
	classifier *fakeClassifier
	generator  *fakeGenerator
	retriever  *fakeRetriever
	userID     int64
	threadID   int64
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStore()
	user, err := store.Register(ctx, models.Profile{
		FirstName: "Ada", LastName: "Lovelace", Email: "a@x.com",
	}, "p1")
	require.NoError(t, err)
	thread, err := store.CreateThread(ctx, user.ID, "dinner")
	require.NoError(t, err)

	f := &fixture{
		store:      store,
		classifier: &fakeClassifier{fn: clarifying("what do you have on hand?")},
		generator:  &fakeGenerator{reply: "here is your recipe", usage: models.Usage{TotalTokens: 20}},
		retriever:  &fakeRetriever{},
		userID:     user.ID,
		threadID:   thread.ID,
	}
	if cfg.TokenBudget == 0 {
		cfg.TokenBudget = 1000
	}
	f.engine = New(store, f.classifier, f.generator, f.retriever, trimmer.NewEstimator(), cfg, zap.NewNop())
	return f
}

func TestHandleTurnSlotCollection(t *testing.T) {
	f := newFixture(t, Config{Model: "gpt-4o"})
	ctx := context.Background()

	result, err := f.engine.HandleTurn(ctx, f.userID, f.threadID, models.Message{Content: "I want to cook"})
	require.NoError(t, err)

	assert.False(t, result.Done, "slot collection keeps the turn going")
	assert.Equal(t, "what do you have on hand?", result.Reply.Content)
	assert.Equal(t, StateSlotCollection, result.Variables.State)
	assert.Equal(t, "gpt-4o", result.Reply.Metadata.Model)

	cp, err := f.store.GetCheckpoint(ctx, f.threadID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.EqualValues(t, 1, cp.Version)
	require.Len(t, cp.Messages, 2)
	assert.Equal(t, models.RoleUser, cp.Messages[0].Role)
	assert.Equal(t, models.RoleAssistant, cp.Messages[1].Role)
}

func TestHandleTurnEmptyMessageIsValid(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	var sawEmpty bool
	f.classifier.fn = func(_ context.Context, history []models.Message) (collaborator.Classification, models.Usage, error) {
		sawEmpty = history[len(history)-1].Content == ""
		return collaborator.Classification{Intent: collaborator.IntentRecipe}, models.Usage{}, nil
	}

	result, err := f.engine.HandleTurn(ctx, f.userID, f.threadID, models.Message{Content: ""})
	require.NoError(t, err)

	assert.True(t, sawEmpty, "empty input still reaches the classifier")
	assert.NotEmpty(t, result.Reply.Content, "a clarifying reply comes back, not an error")
	assert.False(t, result.Done)
}

func TestHandleTurnGeneration(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.classifier.fn = func(context.Context, []models.Message) (collaborator.Classification, models.Usage, error) {
		return collaborator.Classification{
			Intent: collaborator.IntentRecipe,
			Slots: models.RecipeSlots{
				DishType:        "pasta",
				Ingredients:     []string{"garlic", "spaghetti"},
				TimeConstraints: "30 minutes",
				FormattedQuery:  "quick garlic pasta",
			},
		}, models.Usage{TotalTokens: 7}, nil
	}
	f.retriever.results = []retrieval.Result{{Content: "Spaghetti aglio e olio...", Score: 0.9}}

	result, err := f.engine.HandleTurn(ctx, f.userID, f.threadID, models.Message{Content: "garlic and spaghetti, 30 min"})
	require.NoError(t, err)

	assert.True(t, result.Done)
	assert.Equal(t, "here is your recipe", result.Reply.Content)
	assert.Equal(t, StateResponded, result.Variables.State)
	assert.Equal(t, []string{"quick garlic pasta"}, f.retriever.queries)
	assert.Equal(t, []string{"Spaghetti aglio e olio..."}, f.generator.lastOpts.Context)
	assert.Equal(t, "pasta", f.generator.lastOpts.Requirements.DishType)

	// Token counter reflects classify + generate usage.
	user, err := f.store.GetProfile(ctx, f.userID)
	require.NoError(t, err)
	assert.EqualValues(t, 27, user.TokenCount)
}

func TestHandleTurnPromptsTrimmedHistoryPersistsFull(t *testing.T) {
	// With the default estimator each user message below costs 13 tokens and
	// each assistant reply 7, so a budget of 20 admits only the last
	// exchange into the prompt while the checkpoint keeps everything.
	f := newFixture(t, Config{TokenBudget: 20})
	ctx := context.Background()

	var promptSizes []int
	f.classifier.fn = func(_ context.Context, history []models.Message) (collaborator.Classification, models.Usage, error) {
		promptSizes = append(promptSizes, len(history))
		return collaborator.Classification{
			Intent: collaborator.IntentRecipe,
			Reply:  "tell me more",
		}, models.Usage{}, nil
	}

	const turns = 5
	for i := 0; i < turns; i++ {
		_, err := f.engine.HandleTurn(ctx, f.userID, f.threadID, models.Message{
			Content: fmt.Sprintf("message number %d with some detail", i),
		})
		require.NoError(t, err)
	}

	cp, err := f.store.GetCheckpoint(ctx, f.threadID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.Len(t, cp.Messages, 2*turns, "stored history is never trimmed")
	assert.Contains(t, cp.Messages[0].Content, "number 0", "oldest message survives in the checkpoint")

	require.Len(t, promptSizes, turns)
	assert.Equal(t, 1, promptSizes[0], "first turn has only the incoming message")
	for i := 1; i < turns; i++ {
		available := 2*i + 1
		assert.Equal(t, 2, promptSizes[i], "turn %d prompt is bounded", i)
		assert.Less(t, promptSizes[i], available, "turn %d prompt omits older history", i)
	}
}

func TestHandleTurnSlotsAccumulateAcrossTurns(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.classifier.fn = func(context.Context, []models.Message) (collaborator.Classification, models.Usage, error) {
		return collaborator.Classification{
			Intent: collaborator.IntentRecipe,
			Slots:  models.RecipeSlots{DishType: "soup"},
			Reply:  "what ingredients do you have?",
		}, models.Usage{}, nil
	}
	_, err := f.engine.HandleTurn(ctx, f.userID, f.threadID, models.Message{Content: "a soup please"})
	require.NoError(t, err)

	// Second turn supplies the rest; earlier answers survive the merge.
	f.classifier.fn = func(context.Context, []models.Message) (collaborator.Classification, models.Usage, error) {
		return collaborator.Classification{
			Intent: collaborator.IntentRecipe,
			Slots:  models.RecipeSlots{Ingredients: []string{"lentils"}, TimeConstraints: "40 minutes"},
		}, models.Usage{}, nil
	}
	result, err := f.engine.HandleTurn(ctx, f.userID, f.threadID, models.Message{Content: "lentils, 40 minutes"})
	require.NoError(t, err)

	assert.True(t, result.Done)
	require.NotNil(t, result.Variables.Slots)
	assert.Equal(t, "soup", result.Variables.Slots.DishType)
	assert.Equal(t, []string{"lentils"}, result.Variables.Slots.Ingredients)
}

func TestHandleTurnAbortClearsSlots(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.classifier.fn = func(context.Context, []models.Message) (collaborator.Classification, models.Usage, error) {
		return collaborator.Classification{Intent: collaborator.IntentAbort}, models.Usage{}, nil
	}

	result, err := f.engine.HandleTurn(ctx, f.userID, f.threadID, models.Message{Content: "forget it"})
	require.NoError(t, err)

	assert.True(t, result.Done)
	assert.Equal(t, StateAwaitingInput, result.Variables.State)
	assert.Nil(t, result.Variables.Slots)
}

func TestHandleTurnCollaboratorFailurePersistsNothing(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.classifier.fn = func(context.Context, []models.Message) (collaborator.Classification, models.Usage, error) {
		return collaborator.Classification{}, models.Usage{}, fmt.Errorf("%w: classify", apperr.ErrCollaboratorFailure)
	}

	_, err := f.engine.HandleTurn(ctx, f.userID, f.threadID, models.Message{Content: "hi"})
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))

	cp, err := f.store.GetCheckpoint(ctx, f.threadID)
	require.NoError(t, err)
	assert.Nil(t, cp, "a failed turn must not write a checkpoint")
}

func TestHandleTurnCollaboratorTimeout(t *testing.T) {
	f := newFixture(t, Config{CollaboratorTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	f.classifier.fn = func(ctx context.Context, _ []models.Message) (collaborator.Classification, models.Usage, error) {
		<-ctx.Done()
		return collaborator.Classification{}, models.Usage{}, ctx.Err()
	}

	_, err := f.engine.HandleTurn(ctx, f.userID, f.threadID, models.Message{Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrCollaboratorTimeout)

	cp, err := f.store.GetCheckpoint(ctx, f.threadID)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestHandleTurnCancellation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	f.classifier.fn = func(ctx context.Context, _ []models.Message) (collaborator.Classification, models.Usage, error) {
		cancel()
		<-ctx.Done()
		return collaborator.Classification{}, models.Usage{}, ctx.Err()
	}

	_, err := f.engine.HandleTurn(ctx, f.userID, f.threadID, models.Message{Content: "hi"})
	require.Error(t, err)

	cp, err := f.store.GetCheckpoint(context.Background(), f.threadID)
	require.NoError(t, err)
	assert.Nil(t, cp, "a cancelled turn must not write a checkpoint")
}

func TestHandleTurnRetryDeduplicatesByMessageID(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	msg := models.Message{ID: "m-1", Content: "hello"}
	_, err := f.engine.HandleTurn(ctx, f.userID, f.threadID, msg)
	require.NoError(t, err)

	_, err = f.engine.HandleTurn(ctx, f.userID, f.threadID, msg)
	require.NoError(t, err)

	cp, err := f.store.GetCheckpoint(ctx, f.threadID)
	require.NoError(t, err)
	require.NotNil(t, cp)

	var userMsgs int
	for _, m := range cp.Messages {
		if m.Role == models.RoleUser {
			userMsgs++
		}
	}
	assert.Equal(t, 1, userMsgs, "a retried message id is appended once")
}

func TestHandleTurnValidation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.engine.HandleTurn(ctx, 0, f.threadID, models.Message{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.engine.HandleTurn(ctx, f.userID, -1, models.Message{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestHandleTurnForeignThread(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	other, err := f.store.Register(ctx, models.Profile{
		FirstName: "Eve", LastName: "Intruder", Email: "e@x.com",
	}, "p2")
	require.NoError(t, err)

	_, err = f.engine.HandleTurn(ctx, other.ID, f.threadID, models.Message{Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestHandleTurnUnknownThread(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.HandleTurn(context.Background(), f.userID, 999, models.Message{Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConcurrentTurnsOnSameThreadAreSerialized(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.classifier.fn = func(context.Context, []models.Message) (collaborator.Classification, models.Usage, error) {
		time.Sleep(2 * time.Millisecond)
		return collaborator.Classification{Intent: collaborator.IntentRecipe, Reply: "tell me more"}, models.Usage{TotalTokens: 1}, nil
	}

	const turns = 10
	var wg sync.WaitGroup
	errs := make([]error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.HandleTurn(ctx, f.userID, f.threadID, models.Message{
				Content: fmt.Sprintf("turn %d", i),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "turn %d", i)
	}

	cp, err := f.store.GetCheckpoint(ctx, f.threadID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.EqualValues(t, turns, cp.Version, "one version per applied turn")
	assert.Len(t, cp.Messages, 2*turns, "no interleaved or lost appends")
}

func TestConcurrentTurnsOnDifferentThreadsDoNotBlock(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	second, err := f.store.CreateThread(ctx, f.userID, "second")
	require.NoError(t, err)

	release := make(chan struct{})
	f.classifier.fn = func(ctx context.Context, history []models.Message) (collaborator.Classification, models.Usage, error) {
		if history[len(history)-1].Content == "slow" {
			<-release
		}
		return collaborator.Classification{Intent: collaborator.IntentRecipe, Reply: "ok"}, models.Usage{}, nil
	}

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_, _ = f.engine.HandleTurn(ctx, f.userID, f.threadID, models.Message{Content: "slow"})
	}()

	// The other thread's turn completes while the first is still in flight.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.engine.HandleTurn(ctx, f.userID, second.ID, models.Message{Content: "fast"})
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn on an independent thread was blocked")
	}
	close(release)
	<-slowDone
}

func TestRetrievalFailureFailsTurn(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.classifier.fn = func(context.Context, []models.Message) (collaborator.Classification, models.Usage, error) {
		return collaborator.Classification{
			Intent: collaborator.IntentRecipe,
			Slots: models.RecipeSlots{
				DishType: "pasta", Ingredients: []string{"garlic"}, TimeConstraints: "20 minutes",
			},
		}, models.Usage{}, nil
	}
	f.retriever.err = fmt.Errorf("%w: retrieve", apperr.ErrCollaboratorFailure)

	_, err := f.engine.HandleTurn(ctx, f.userID, f.threadID, models.Message{Content: "go"})
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))

	cp, err := f.store.GetCheckpoint(ctx, f.threadID)
	require.NoError(t, err)
	assert.Nil(t, cp)
}
