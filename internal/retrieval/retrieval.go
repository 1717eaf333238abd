// Package retrieval provides vector-similarity lookup of reference recipes
// for the generation step. The store is embedded; the embedding calls go to
// the same external provider as the model.
package retrieval

import "context"

// Result is one ranked match.
type Result struct {
	Content string
	Score   float32
}

// Retriever returns the best matches for a query within a namespace.
type Retriever interface {
	Retrieve(ctx context.Context, query, namespace string, limit int) ([]Result, error)
}
