package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/Dethon/switchboard"
)

// Embedder implements switchboard.EmbeddingProvider against the OpenAI
// embeddings endpoint.
type Embedder struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	client     *http.Client
	name       string
}

// NewEmbedder creates an embedding provider. dimensions must match what the
// model emits; stores use it to validate vectors.
func NewEmbedder(apiKey, model, baseURL string, dimensions int) *Embedder {
	return &Embedder{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		dimensions: dimensions,
		client:     &http.Client{},
		name:       "openai-embed",
	}
}

func (e *Embedder) Name() string { return e.name }

func (e *Embedder) Dimensions() int { return e.dimensions }

// Embed returns one vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(EmbeddingRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, &switchboard.ErrLLM{Provider: e.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := e.baseURL + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &switchboard.ErrLLM{Provider: e.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &switchboard.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}

	var er EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, &switchboard.ErrLLM{Provider: e.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	// The API is not required to preserve input order; Index is.
	sort.Slice(er.Data, func(i, j int) bool { return er.Data[i].Index < er.Data[j].Index })
	out := make([][]float32, 0, len(er.Data))
	for _, d := range er.Data {
		out = append(out, d.Embedding)
	}
	return out, nil
}

var _ switchboard.EmbeddingProvider = (*Embedder)(nil)
