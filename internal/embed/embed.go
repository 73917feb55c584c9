// Package embed wraps the Genkit embedder behind a small interface the
// pipeline and retriever share. All vectors in the corpus come from one
// model; the index metadata pins it and queries are checked against it.
package embed

import (
	"context"
	"fmt"
	"math"

	"github.com/firebase/genkit/go/ai"
	"google.golang.org/genai"
)

// Embedder turns text into vectors in a fixed embedding space.
type Embedder interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model identifies the embedding space, e.g. "gemini-embedding-001".
	Model() string
	// Dimension is the vector length this embedder produces.
	Dimension() int
}

// docEmbedder is the slice of ai.Embedder we call. Narrowed for testing.
type docEmbedder interface {
	Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error)
}

// Genkit adapts an ai.Embedder. gemini-embedding-001 emits 3072 dimensions by
// default; OutputDimensionality truncates to the configured dimension so
// vectors fit the pgvector schema.
type Genkit struct {
	embedder  docEmbedder
	model     string
	dimension int
}

// NewGenkit wraps a Genkit embedder for the given model and dimension.
func NewGenkit(embedder ai.Embedder, model string, dimension int) *Genkit {
	return &Genkit{embedder: embedder, model: model, dimension: dimension}
}

// Embed implements Embedder.
func (g *Genkit) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}

	dim := int32(g.dimension)
	resp, err := g.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: docs,
		Options: &genai.EmbedContentConfig{
			OutputDimensionality: &dim,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts with %s: %w", len(texts), g.model, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if len(e.Embedding) != g.dimension {
			return nil, fmt.Errorf("embedder returned %d-dimensional vector, want %d", len(e.Embedding), g.dimension)
		}
		vectors[i] = e.Embedding
	}
	return vectors, nil
}

// Model implements Embedder.
func (g *Genkit) Model() string { return g.model }

// Dimension implements Embedder.
func (g *Genkit) Dimension() int { return g.dimension }

// Norm returns the Euclidean norm of a vector. Stored alongside each
// embedding so cosine similarity can be computed without renormalizing.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
