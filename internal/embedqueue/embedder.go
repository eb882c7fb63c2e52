// Package embedqueue implements the abstract Embedder boundary and the
// embedding job queue/worker of spec §4.8: atomic SKIP LOCKED claim,
// deterministic embedding text, retry/backoff state machine.
package embedqueue

import (
	"context"
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// EmbedTimeout bounds every outbound embedding call, spec's 15-second cap.
const EmbedTimeout = 15 * time.Second

// ErrEmpty is returned by an Embedder that produced a zero-length vector,
// treated as a call failure per spec §4.8 step 3.
var ErrEmpty = errors.New("embedqueue: embedder returned an empty vector")

// Embedder is the abstract outbound embedding provider boundary named in
// spec §1's scope note: "the outbound embedding provider (treated as an
// abstract Embedder with timeout and failure modes)". Implementations must
// respect ctx's deadline themselves; callers additionally bound every call
// to EmbedTimeout.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model reports the model identifier recorded alongside each embedding.
	Model() string
}

// OpenAIEmbedder is the one concrete Embedder this repo ships, kept behind
// the interface and never invoked unless OPENAI_API_KEY is configured.
// Grounded on harperreed-memory's openai_client.go wrapper style.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{client: openai.NewClient(apiKey), model: model}
}

func (e *OpenAIEmbedder) Model() string { return e.model }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		// The provider response body is never surfaced to callers or
		// persisted, only this generic wrapped error.
		return nil, errors.New("embedqueue: embedding provider call failed")
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrEmpty
	}
	return resp.Data[0].Embedding, nil
}
