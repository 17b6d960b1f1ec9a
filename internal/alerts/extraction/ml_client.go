package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/metrics"
)

// ErrEnrichmentUnavailable wraps every ML failure. Callers absorb it by
// falling back to local rules.
var ErrEnrichmentUnavailable = errors.New("enrichment service unavailable")

// maxMLResponseBytes bounds how much of an ML response is read
const maxMLResponseBytes = 1 << 20

// MLClient calls the classification and NER endpoints of the ML service
type MLClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	backoff    time.Duration
}

// MLClientConfig configures an MLClient
type MLClientConfig struct {
	BaseURL      string
	Timeout      time.Duration
	RetryBackoff time.Duration

	// Breaker opens after this many consecutive failures and stays open
	// for BreakerCooldown. Zero values use 5 and 30s.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// NewMLClient creates a client for the ML service at cfg.BaseURL
func NewMLClient(cfg MLClientConfig) *MLClient {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &MLClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		backoff: cfg.RetryBackoff,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ml-service",
			Timeout: cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Printf("MLClient: circuit %s changed from %s to %s", name, from, to)
			},
			IsSuccessful: func(err error) bool {
				// a cancelled caller says nothing about service health
				return err == nil || errors.Is(err, context.Canceled)
			},
		}),
	}
}

type mlTextRequest struct {
	Text string `json:"text"`
}

type mlClassifyResponse struct {
	Severity   string   `json:"severity"`
	Team       string   `json:"team"`
	Confidence *float64 `json:"confidence"`
}

type mlEntityResponse struct {
	ServiceName *string `json:"service_name"`
	Environment *string `json:"environment"`
	Region      *string `json:"region"`
	ErrorCode   *string `json:"error_code"`
}

// Classify asks the model for severity, team and confidence
func (c *MLClient) Classify(ctx context.Context, text string) (*Classification, error) {
	var resp mlClassifyResponse
	if err := c.call(ctx, "/classify", text, &resp); err != nil {
		return nil, err
	}

	severity := database.Severity(strings.ToLower(resp.Severity))
	if !severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrEnrichmentUnavailable, resp.Severity)
	}
	if resp.Team == "" || resp.Confidence == nil || *resp.Confidence < 0 || *resp.Confidence > 1 {
		return nil, fmt.Errorf("%w: incomplete classification response", ErrEnrichmentUnavailable)
	}
	return &Classification{
		Severity:   severity,
		Team:       resp.Team,
		Confidence: *resp.Confidence,
	}, nil
}

// ExtractEntities asks the NER endpoint for entities
func (c *MLClient) ExtractEntities(ctx context.Context, text string) (*Entities, error) {
	var resp mlEntityResponse
	if err := c.call(ctx, "/extract-entities", text, &resp); err != nil {
		return nil, err
	}
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return strings.TrimSpace(*s)
	}
	e := &Entities{
		ServiceName: strings.ToLower(deref(resp.ServiceName)),
		Environment: deref(resp.Environment),
		Region:      strings.ToLower(deref(resp.Region)),
		ErrorCode:   deref(resp.ErrorCode),
	}
	if e.Environment != "" {
		e.Environment = normalizeEnvironment(e.Environment)
	}
	return e, nil
}

// call performs one POST with a single retry after backoff. Breaker-open
// errors are not retried.
func (c *MLClient) call(ctx context.Context, path, text string, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrEnrichmentUnavailable, ctx.Err())
			case <-time.After(c.backoff):
			}
		}

		start := time.Now()
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.post(ctx, path, text, out)
		})
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.ObserveSince(metrics.MLRequestDuration.WithLabelValues(path, outcome), start)

		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrEnrichmentUnavailable, path, lastErr)
}

func (c *MLClient) post(ctx context.Context, path, text string, out interface{}) error {
	body, err := json.Marshal(mlTextRequest{Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call ML service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxMLResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ML service returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse ML response: %w", err)
	}
	return nil
}
