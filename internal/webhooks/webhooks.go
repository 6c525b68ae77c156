// Package webhooks notifies HTTP endpoints when a migration run completes.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/logging"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/migrations"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultConcurrency = 4
)

// Payload is the webhook payload for a completed run.
type Payload struct {
	RunID      string             `json:"run_id"`
	Database   string             `json:"database"`
	Operator   string             `json:"operator,omitempty"`
	DryRun     bool               `json:"dry_run"`
	ExitCode   int                `json:"exit_code"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Migrations []MigrationSummary `json:"migrations"`
}

// MigrationSummary is one migration's counters in the payload
type MigrationSummary struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Inserted int64  `json:"inserted"`
	Modified int64  `json:"modified"`
	Removed  int64  `json:"removed"`
	Skipped  int64  `json:"skipped"`
	Failed   int64  `json:"failed"`
	Error    string `json:"error,omitempty"`
}

// NewPayload builds the payload for a run result
func NewPayload(res *migrations.Result) Payload {
	p := Payload{
		RunID:      res.RunID,
		Database:   res.Database,
		Operator:   res.Operator,
		DryRun:     res.DryRun,
		ExitCode:   res.ExitCode(),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Migrations: []MigrationSummary{},
	}
	for _, o := range res.Outcomes {
		s := MigrationSummary{Name: o.Name, Status: string(o.Status), Error: o.Error}
		if o.Report != nil {
			s.Inserted = o.Report.Inserted
			s.Modified = o.Report.Modified
			s.Removed = o.Report.Removed
			s.Skipped = o.Report.Skipped
			s.Failed = o.Report.Failed
		}
		p.Migrations = append(p.Migrations, s)
	}
	return p
}

// Notifier posts run results to a set of endpoints
type Notifier struct {
	urls   []string
	client *http.Client
	logger *slog.Logger
}

// New creates a notifier for a comma-separated list of URLs. Invalid URLs
// are logged and dropped.
func New(rawURLs string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Notifier{
		urls:   normalizeWebhookURLs(strings.Split(rawURLs, ","), logger),
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger,
	}
}

// URLs returns the normalized endpoint list
func (n *Notifier) URLs() []string {
	return n.urls
}

// Notify posts the result to every endpoint and returns how many accepted
// it. Failures are logged and never fail the run.
func (n *Notifier) Notify(ctx context.Context, res *migrations.Result) int {
	if len(n.urls) == 0 || res == nil {
		return 0
	}

	payload := NewPayload(res)
	urls := make([]string, len(n.urls))
	for i, u := range n.urls {
		urls[i] = applyTemplate(u, payload)
	}
	return n.dispatchURLs(ctx, urls, payload)
}

func normalizeWebhookURLs(urls []string, logger *slog.Logger) []string {
	if len(urls) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(urls))
	var normalized []string

	for _, raw := range urls {
		trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
		if trimmed == "" {
			continue
		}
		if !isValidWebhookURL(trimmed) {
			logger.Warn("skipping invalid webhook url", "url", trimmed)
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}

	return normalized
}

func applyTemplate(raw string, payload Payload) string {
	result := strings.ReplaceAll(raw, "{run_id}", url.PathEscape(payload.RunID))
	result = strings.ReplaceAll(result, "{database}", url.PathEscape(payload.Database))
	return result
}

func isValidWebhookURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	if parsed.Host == "" {
		return false
	}
	return true
}

func (n *Notifier) dispatchURLs(ctx context.Context, urls []string, payload Payload) int {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("failed to encode webhook payload", "error", err)
		return 0
	}

	workers := min(defaultConcurrency, len(urls))

	var delivered atomic.Int32
	jobs := make(chan string)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for endpoint := range jobs {
				if err := n.sendWebhook(ctx, endpoint, body); err != nil {
					n.logger.Warn("webhook failed", "url", endpoint, "error", err)
					continue
				}
				delivered.Add(1)
			}
		}()
	}

	for _, endpoint := range urls {
		jobs <- endpoint
	}
	close(jobs)
	wg.Wait()

	return int(delivered.Load())
}

func (n *Notifier) sendWebhook(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "kkmigrate")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
