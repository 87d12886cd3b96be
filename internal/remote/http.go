package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"encounterd/internal/ledger"
)

const (
	httpSinglePath = "/v1/interactions"
	httpBatchPath  = "/v1/interactions/batch"

	// Response bodies are small; anything larger is a misbehaving server.
	httpMaxResponseBytes = 1024 * 1024
)

// HTTPConfig configures the HTTP store.
type HTTPConfig struct {
	// Endpoints to try in order. The first that accepts wins.
	Endpoints []string

	// Timeout for each HTTP request.
	Timeout time.Duration

	// APIKey is sent as a bearer token when set.
	APIKey string
}

// HTTPStore pushes interactions to an HTTP interaction service. Multiple
// endpoints give failover: each push walks the list until one accepts.
type HTTPStore struct {
	endpoints []string
	client    *http.Client
	apiKey    string
}

// wireInteraction is the payload shape shared with the service. Sync
// bookkeeping stays local; only identity and time cross the wire.
type wireInteraction struct {
	ID                 string    `json:"id"`
	PartnerIDHash      string    `json:"partner_id_hash"`
	PartnerDisplayName string    `json:"partner_display_name"`
	RecordedAt         time.Time `json:"recorded_at"`
}

// batchRequest wraps a batch push payload.
type batchRequest struct {
	Interactions []wireInteraction `json:"interactions"`
}

// batchResponse reports per-record rejections from a batch push.
type batchResponse struct {
	Failed []string `json:"failed,omitempty"`
}

// NewHTTPStore creates an HTTP store. At least one endpoint is required.
func NewHTTPStore(cfg HTTPConfig) (*HTTPStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("http store: at least one endpoint required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPStore{
		endpoints: cfg.Endpoints,
		client:    &http.Client{Timeout: timeout},
		apiKey:    cfg.APIKey,
	}, nil
}

// Name returns the backend name.
func (h *HTTPStore) Name() string {
	return "http"
}

// Push delivers a single interaction. A conflict response counts as
// delivered: the service already holds this id from an earlier attempt.
func (h *HTTPStore) Push(ctx context.Context, in ledger.Interaction) error {
	body, err := json.Marshal(toWire(in))
	if err != nil {
		return fmt.Errorf("marshal interaction: %w", err)
	}

	_, err = h.post(ctx, httpSinglePath, body)
	return err
}

// PushBatch delivers a batch and returns the ids the service rejected
// individually.
func (h *HTTPStore) PushBatch(ctx context.Context, ins []ledger.Interaction) ([]string, error) {
	if len(ins) == 0 {
		return nil, nil
	}

	req := batchRequest{Interactions: make([]wireInteraction, 0, len(ins))}
	for _, in := range ins {
		req.Interactions = append(req.Interactions, toWire(in))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	respBody, err := h.post(ctx, httpBatchPath, body)
	if err != nil {
		return nil, err
	}

	var resp batchResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, fmt.Errorf("decode batch response: %w", err)
		}
	}
	return resp.Failed, nil
}

// post walks the endpoints until one accepts the payload.
func (h *HTTPStore) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	var lastErr error

	for _, endpoint := range h.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		if h.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+h.apiKey)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, httpMaxResponseBytes))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return body, nil
		case resp.StatusCode == http.StatusConflict:
			// Already delivered on an earlier attempt.
			return body, nil
		default:
			lastErr = fmt.Errorf("endpoint %s returned %d", endpoint, resp.StatusCode)
			continue
		}
	}

	return nil, fmt.Errorf("all endpoints failed: %w", lastErr)
}

func toWire(in ledger.Interaction) wireInteraction {
	return wireInteraction{
		ID:                 in.ID,
		PartnerIDHash:      in.PartnerIDHash,
		PartnerDisplayName: in.PartnerDisplayName,
		RecordedAt:         in.RecordedAt.UTC(),
	}
}

var _ Store = (*HTTPStore)(nil)
