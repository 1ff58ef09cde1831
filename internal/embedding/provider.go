// Package embedding defines the embedding capability and the C2 vector
// similarity index over the QA corpus.
package embedding

import "context"

// Embedder is the opaque text-to-vector capability consumed by the
// analyzer, few-shot selector, and RAG learner. The concrete adapter lives
// in internal/provider/openai and is never imported directly by callers.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}
