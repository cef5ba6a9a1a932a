package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/civicsignal/billcost/internal/resilience"
)

// Embedder defines the embedding operations used by ingestion and
// retrieval.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VoyageOption configures the Voyage client.
type VoyageOption func(*voyageClient)

// WithVoyageBaseURL sets a custom base URL (for testing).
func WithVoyageBaseURL(url string) VoyageOption {
	return func(c *voyageClient) {
		c.baseURL = url
	}
}

// WithVoyageModel sets the embedding model.
func WithVoyageModel(model string) VoyageOption {
	return func(c *voyageClient) {
		c.model = model
	}
}

// WithVoyageHTTPClient sets a custom HTTP client.
func WithVoyageHTTPClient(hc *http.Client) VoyageOption {
	return func(c *voyageClient) {
		c.http = hc
	}
}

type voyageClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewVoyage creates a Voyage AI embedding client.
func NewVoyage(apiKey string, opts ...VoyageOption) Embedder {
	c := &voyageClient{
		apiKey:  apiKey,
		baseURL: "https://api.voyageai.com/v1",
		model:   "voyage-3",
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type voyageRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type voyageResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *voyageClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(voyageRequest{Input: texts, Model: c.model})
	if err != nil {
		return nil, eris.Wrap(err, "voyage: marshal request")
	}

	return resilience.DoVal(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) ([][]float32, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
		if err != nil {
			return nil, eris.Wrap(err, "voyage: create request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "voyage: embeddings request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := eris.Errorf("voyage: embeddings returned %d: %s", resp.StatusCode, snippet)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(err, resp.StatusCode)
			}
			return nil, err
		}

		var parsed voyageResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, eris.Wrap(err, "voyage: decode response")
		}
		if len(parsed.Data) != len(texts) {
			return nil, eris.New(fmt.Sprintf("voyage: got %d embeddings for %d inputs", len(parsed.Data), len(texts)))
		}

		out := make([][]float32, len(texts))
		for _, d := range parsed.Data {
			if d.Index < 0 || d.Index >= len(out) {
				return nil, eris.Errorf("voyage: embedding index %d out of range", d.Index)
			}
			out[d.Index] = d.Embedding
		}
		return out, nil
	})
}
