// Package embedding calls the hosted multimodal embedding and text
// summarization models over authenticated REST, with bounded exponential
// backoff on quota pressure.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/imaginglake/backend/internal/faults"
)

// perAttemptTimeout is the hard deadline on a single predict call.
const perAttemptTimeout = 30 * time.Second

// Instance is one prediction input. Exactly one of Text or Image is set.
type Instance struct {
	Text  string `json:"text,omitempty"`
	Image *Image `json:"image,omitempty"`
}

type Image struct {
	GCSURI string `json:"gcsUri"`
}

type prediction struct {
	ImageEmbedding []float64 `json:"imageEmbedding"`
	TextEmbedding  []float64 `json:"textEmbedding"`
}

// Client calls the vector model's :predict endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	model      string
	policy     RetryPolicy
	logger     *slog.Logger
}

// NewClient builds an authenticated client for the given project/location/
// model using application default credentials.
func NewClient(ctx context.Context, projectID, location, model string, policy RetryPolicy, logger *slog.Logger) (*Client, error) {
	ts, err := google.DefaultTokenSource(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("embedding token source: %w", err)
	}
	endpoint := fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		location, projectID, location, model,
	)
	return &Client{
		httpClient: oauth2.NewClient(ctx, ts),
		endpoint:   endpoint,
		model:      model,
		policy:     policy,
		logger:     logger,
	}, nil
}

// Model returns the configured model name, recorded on persisted rows.
func (c *Client) Model() string { return c.model }

// Predict returns the embedding vector for one instance. Exactly one of the
// prediction's imageEmbedding / textEmbedding is present; whichever it is,
// that vector is returned.
func (c *Client) Predict(ctx context.Context, inst Instance) ([]float64, error) {
	body, err := json.Marshal(map[string]any{"instances": []Instance{inst}})
	if err != nil {
		return nil, fmt.Errorf("marshal predict request: %w", err)
	}

	var vector []float64
	attempt := 0
	err = c.policy.do(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			c.logger.Debug("retrying embedding predict", "attempt", attempt, "model", c.model)
		}
		v, err := c.predictOnce(ctx, body)
		if err != nil {
			return err
		}
		vector = v
		return nil
	}, quotaExhausted)
	if err != nil {
		return nil, err
	}
	return vector, nil
}

func (c *Client) predictOnce(ctx context.Context, body []byte) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, faults.Transient(fmt.Errorf("embedding predict: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, faults.Transient(fmt.Errorf("read predict response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyModelError(resp.StatusCode, respBody, c.model)
	}

	var parsed struct {
		Predictions []prediction `json:"predictions"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode predict response: %w", err)
	}
	if len(parsed.Predictions) == 0 {
		return nil, fmt.Errorf("predict response carries no predictions")
	}
	p := parsed.Predictions[0]
	if len(p.ImageEmbedding) > 0 {
		return p.ImageEmbedding, nil
	}
	if len(p.TextEmbedding) > 0 {
		return p.TextEmbedding, nil
	}
	return nil, fmt.Errorf("prediction carries no embedding")
}

// classifyModelError maps an upstream model response to the fault taxonomy.
func classifyModelError(status int, body []byte, model string) error {
	msg := string(body)
	err := fmt.Errorf("model %s: HTTP %d: %s", model, status, truncate(msg, 512))
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		if strings.Contains(msg, "has not been used") || strings.Contains(msg, "is disabled") {
			return faults.APINotEnabled(err, "https://console.cloud.google.com/apis/library/aiplatform.googleapis.com")
		}
		return faults.Unauthorized(err)
	case status == http.StatusTooManyRequests:
		return faults.Transient(err)
	case status >= 500:
		return faults.Transient(err)
	}
	return faults.Internal(err)
}

// quotaExhausted gates the backoff loop: only rate-limit pressure is worth
// retrying in-process; everything else propagates to the transport.
func quotaExhausted(err error) bool {
	f := faults.Classify(err)
	if !f.Retryable {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "http 429") || strings.Contains(msg, "resource exhausted")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
