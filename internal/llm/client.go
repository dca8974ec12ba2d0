// Package llm is the single adapter in front of the Gemini generateContent
// endpoint. It exposes the call shapes the pipeline needs (signature
// extraction, batch digest, trend summary) behind an hourly call budget and
// an in-flight semaphore. Failures never propagate: every path degrades to
// "no result" and the caller decides what that means.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/clearmap/watchtower/internal/clock"
	"github.com/clearmap/watchtower/internal/event"
)

// Input caps keep prompt cost bounded.
const (
	extractInputMax = 1500
	batchTextMax    = 500
	batchTextsMax   = 20
	trendTextMax    = 800
)

// Config configures the client.
type Config struct {
	URL          string // generateContent endpoint
	APIKey       string
	BudgetHourly int           // calls per hour before the adapter goes dark
	InFlight     int64         // concurrent call ceiling
	Timeout      time.Duration // per-request timeout
}

// Client is the budget- and concurrency-guarded Gemini adapter.
type Client struct {
	cfg        Config
	httpClient *http.Client
	sem        *semaphore.Weighted
	clock      clock.Clock
	logger     *slog.Logger

	mu          sync.Mutex
	callsUsed   int
	budgetReset time.Time
}

// New creates a Client. Timeout defaults to 20s, InFlight to 1.
func New(cfg Config, clk clock.Clock, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.InFlight <= 0 {
		cfg.InFlight = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:         cfg,
		httpClient:  &http.Client{},
		sem:         semaphore.NewWeighted(cfg.InFlight),
		clock:       clk,
		logger:      logger,
		budgetReset: clk.Now(),
	}
}

// ExtractSignature asks the model for the structured signature of text.
// Returns nil for irrelevant content, parse failures, transport errors, and
// budget exhaustion. The caller treats all of those as "no signature".
func (c *Client) ExtractSignature(ctx context.Context, text string) *event.Signature {
	raw := c.generate(ctx, extractPrompt+truncate(text, extractInputMax))
	if raw == "" {
		return nil
	}
	var parsed struct {
		Location    *string           `json:"location"`
		Region      *string           `json:"region"`
		Type        string            `json:"event_type"`
		Entities    []string          `json:"entities"`
		Keywords    []string          `json:"keywords"`
		Urgent      bool              `json:"is_urgent"`
		Credibility event.Credibility `json:"credibility_indicators"`
	}
	if !parseJSONObject(raw, &parsed) {
		c.logger.Warn("llm: signature parse failed", "raw", truncate(raw, 200))
		return nil
	}
	if parsed.Type == "" {
		parsed.Type = string(event.TypeOther)
	}
	if parsed.Type == string(event.TypeIrrelevant) {
		c.logger.Debug("llm: message classified irrelevant")
		return nil
	}
	sig := &event.Signature{
		Location:    deref(parsed.Location),
		Region:      deref(parsed.Region),
		Type:        event.Type(parsed.Type),
		Entities:    parsed.Entities,
		Keywords:    parsed.Keywords,
		Urgent:      parsed.Urgent,
		Credibility: parsed.Credibility,
	}
	c.logger.Info("llm: signature extracted", "type", sig.Type, "location", sig.Location, "entities", len(sig.Entities))
	return sig
}

// SummarizeBatch produces the Hebrew digest of a flushed batch. The
// authority context line lists the top contributing channels by score.
// Returns "" on any failure.
func (c *Client) SummarizeBatch(ctx context.Context, texts []string, authorityContext string) string {
	if len(texts) > batchTextsMax {
		texts = texts[:batchTextsMax]
	}
	clipped := make([]string, len(texts))
	for i, t := range texts {
		clipped[i] = truncate(t, batchTextMax)
	}
	blob := strings.Join(clipped, "\n---\n")
	return c.generate(ctx, fmt.Sprintf(batchPrompt, authorityContext, blob))
}

// SummarizeTrend produces the one-line Hebrew trend summary plus quoted
// translation. Returns "" on any failure.
func (c *Client) SummarizeTrend(ctx context.Context, text, authorityContext string) string {
	return c.generate(ctx, fmt.Sprintf(trendPrompt, authorityContext, truncate(text, trendTextMax)))
}

// charge consumes one unit of the hourly budget, resetting the window on
// hour boundaries. Returns false when the budget is exhausted.
func (c *Client) charge() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if now.Sub(c.budgetReset) >= time.Hour {
		c.callsUsed = 0
		c.budgetReset = now
	}
	if c.callsUsed >= c.cfg.BudgetHourly {
		c.logger.Warn("llm: hourly budget exhausted", "used", c.callsUsed, "budget", c.cfg.BudgetHourly)
		return false
	}
	c.callsUsed++
	return true
}

// CallsUsed reports budget consumption in the current window.
func (c *Client) CallsUsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callsUsed
}

type generateRequest struct {
	Contents         []content `json:"contents"`
	GenerationConfig genConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type genConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// generate performs one guarded call. Any error (budget, transport, HTTP
// status, response shape) is logged and collapses to "".
func (c *Client) generate(ctx context.Context, prompt string) string {
	if !c.charge() {
		return ""
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return ""
	}
	defer c.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body := generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: genConfig{
			Temperature:     0.2,
			MaxOutputTokens: 512,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		c.logger.Error("llm: marshal body", "error", err)
		return ""
	}

	url := c.cfg.URL
	if c.cfg.APIKey != "" {
		url += "?key=" + c.cfg.APIKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		c.logger.Error("llm: create request", "error", err)
		return ""
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("llm: request failed", "error", err)
		return ""
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("llm: read response", "error", err)
		return ""
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("llm: non-2xx response", "status", resp.StatusCode, "body", truncate(string(respBody), 200))
		return ""
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		c.logger.Error("llm: parse response", "error", err)
		return ""
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		c.logger.Warn("llm: empty candidates")
		return ""
	}
	out := strings.TrimSpace(parsed.Candidates[0].Content.Parts[0].Text)
	c.logger.Debug("llm: response ok", "len", len(out))
	return out
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
