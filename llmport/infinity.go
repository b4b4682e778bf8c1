package llmport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// InfinityEmbedder backs Embedder with a michaelfeil/infinity embeddings
// server, selected when USE_INFINITY_EMBEDDINGS is set.
// Infinity exposes an OpenAI-compatible /embeddings endpoint, so the wire
// format below mirrors that contract rather than a bespoke one.
type InfinityEmbedder struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewInfinityEmbedder(baseURL, model string, timeout time.Duration) *InfinityEmbedder {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &InfinityEmbedder{baseURL: baseURL, model: model, client: &http.Client{Timeout: timeout}}
}

type infinityRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type infinityResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *InfinityEmbedder) Embed(ctx context.Context, text string) (EmbeddingResult, error) {
	body, err := json.Marshal(infinityRequest{Input: []string{text}, Model: e.model})
	if err != nil {
		return EmbeddingResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return EmbeddingResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return EmbeddingResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return EmbeddingResult{}, fmt.Errorf("infinity: status %d: %s", resp.StatusCode, string(b))
	}

	var parsed infinityResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return EmbeddingResult{}, err
	}
	if len(parsed.Data) == 0 {
		return EmbeddingResult{}, fmt.Errorf("infinity: empty embedding response")
	}
	return EmbeddingResult{Dense: parsed.Data[0].Embedding}, nil
}
