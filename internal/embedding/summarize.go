package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/imaginglake/backend/internal/faults"
)

// SummarizeClient condenses extracted report text below the embedding
// model's input limit via the text model's :generateContent endpoint.
type SummarizeClient struct {
	httpClient *http.Client
	endpoint   string
	model      string
	maxLength  int
	policy     RetryPolicy
	logger     *slog.Logger
}

func NewSummarizeClient(ctx context.Context, projectID, location, model string, maxLength int, policy RetryPolicy, logger *slog.Logger) (*SummarizeClient, error) {
	ts, err := google.DefaultTokenSource(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("summarize token source: %w", err)
	}
	endpoint := fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:generateContent",
		location, projectID, location, model,
	)
	return &SummarizeClient{
		httpClient: oauth2.NewClient(ctx, ts),
		endpoint:   endpoint,
		model:      model,
		maxLength:  maxLength,
		policy:     policy,
		logger:     logger,
	}, nil
}

// Summarize rewrites text to fit the embedding input limit.
func (c *SummarizeClient) Summarize(ctx context.Context, text string) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize the following clinical report in at most %d characters, preserving findings, measurements and conclusions:\n\n%s",
		c.maxLength, text,
	)
	body, err := json.Marshal(map[string]any{
		"contents": []map[string]any{
			{"role": "user", "parts": []map[string]string{{"text": prompt}}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal summarize request: %w", err)
	}

	var summary string
	err = c.policy.do(ctx, func(ctx context.Context) error {
		s, err := c.summarizeOnce(ctx, body)
		if err != nil {
			return err
		}
		summary = s
		return nil
	}, quotaExhausted)
	if err != nil {
		return "", err
	}
	return summary, nil
}

func (c *SummarizeClient) summarizeOnce(ctx context.Context, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", faults.Transient(fmt.Errorf("summarize: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", faults.Transient(fmt.Errorf("read summarize response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyModelError(resp.StatusCode, respBody, c.model)
	}

	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode summarize response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("summarize response carries no candidates")
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}
