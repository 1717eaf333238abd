package retrieval

import (
	"context"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/miam-bot/miam/internal/apperr"
)

// ChromemRetriever keeps one chromem collection per namespace, embedding
// documents and queries through OpenAI.
type ChromemRetriever struct {
	db        *chromem.DB
	embedding chromem.EmbeddingFunc
	logger    *zap.Logger

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

func NewChromemRetriever(apiKey string, logger *zap.Logger) *ChromemRetriever {
	return &ChromemRetriever{
		db:          chromem.NewDB(),
		embedding:   chromem.NewEmbeddingFuncOpenAI(apiKey, chromem.EmbeddingModelOpenAI3Small),
		logger:      logger,
		collections: make(map[string]*chromem.Collection),
	}
}

func (r *ChromemRetriever) collection(namespace string) (*chromem.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.collections[namespace]; ok {
		return c, nil
	}
	c, err := r.db.GetOrCreateCollection(namespace, nil, r.embedding)
	if err != nil {
		return nil, fmt.Errorf("creating collection %q: %w", namespace, err)
	}
	r.collections[namespace] = c
	return c, nil
}

// Index adds documents to a namespace. Called once at startup with the seed
// corpus; embedding failures here are startup failures.
func (r *ChromemRetriever) Index(ctx context.Context, namespace string, documents []string) error {
	c, err := r.collection(namespace)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(documents))
	for i, content := range documents {
		docs = append(docs, chromem.Document{
			ID:      fmt.Sprintf("%s-%d", namespace, i),
			Content: content,
		})
	}
	if err := c.AddDocuments(ctx, docs, 2); err != nil {
		return fmt.Errorf("indexing %d documents into %q: %w", len(docs), namespace, err)
	}

	r.logger.Info("retrieval corpus indexed",
		zap.String("namespace", namespace),
		zap.Int("documents", len(docs)))
	return nil
}

func (r *ChromemRetriever) Retrieve(ctx context.Context, query, namespace string, limit int) ([]Result, error) {
	c, err := r.collection(namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrCollaboratorFailure, err)
	}

	if count := c.Count(); count < limit {
		limit = count
	}
	if limit == 0 {
		return nil, nil
	}

	matches, err := c.Query(ctx, query, limit, nil, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: retrieve", apperr.ErrCollaboratorTimeout)
		}
		return nil, fmt.Errorf("%w: retrieve: %v", apperr.ErrCollaboratorFailure, err)
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, Result{Content: m.Content, Score: m.Similarity})
	}
	return results, nil
}
