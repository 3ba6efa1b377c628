package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atmx/escrow-engine/internal/model"
)

// SignatureHeader carries the HMAC of the request or webhook body.
const SignatureHeader = "X-Signature"

// HTTPClient talks to a processor over signed JSON requests.
type HTTPClient struct {
	baseURL string
	secret  []byte
	client  *http.Client
}

// NewHTTPClient creates a client for the processor at baseURL.
func NewHTTPClient(baseURL, secret string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) Capture(ctx context.Context, req CaptureRequest) error {
	return c.post(ctx, "/captures", req.TransactionID, req, nil)
}

func (c *HTTPClient) Release(ctx context.Context, req ReleaseRequest) (ReleaseResult, error) {
	var res ReleaseResult
	if err := c.post(ctx, "/releases", req.TransactionID, req, &res); err != nil {
		return ReleaseResult{}, err
	}
	return res, nil
}

func (c *HTTPClient) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", model.ErrGateway, path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build %s: %v", model.ErrGateway, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	req.Header.Set(SignatureHeader, Sign(c.secret, payload))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrGateway, path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %d: %s", model.ErrGateway, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decode %s: %v", model.ErrGateway, path, err)
		}
	}
	return nil
}
