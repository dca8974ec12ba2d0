package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clearmap/watchtower/internal/clock"
	"github.com/clearmap/watchtower/internal/event"
)

func geminiResponse(text string) string {
	body, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": []map[string]string{{"text": text}}}},
		},
	})
	return string(body)
}

func newTestClient(t *testing.T, handler http.HandlerFunc, budget int) (*Client, *clock.Fake) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	clk := clock.NewFake(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	c := New(Config{
		URL:          srv.URL,
		APIKey:       "test-key",
		BudgetHourly: budget,
		InFlight:     2,
		Timeout:      5 * time.Second,
	}, clk, nil)
	return c, clk
}

func TestExtractSignature(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, geminiResponse("```json\n"+
			`{"location":"Gaza","region":"south","event_type":"strike","entities":["IDF"],"is_urgent":true,`+
			`"credibility_indicators":{"has_media_reference":true}}`+"\n```"))
	}, 100)

	sig := c.ExtractSignature(context.Background(), "غارة جوية على غزة")
	if sig == nil {
		t.Fatal("ExtractSignature returned nil")
	}
	if sig.Location != "Gaza" || sig.Region != "south" || sig.Type != event.TypeStrike {
		t.Errorf("signature = %+v", sig)
	}
	if !sig.Urgent || !sig.Credibility.HasMediaReference {
		t.Errorf("flags lost: %+v", sig)
	}
}

func TestExtractSignature_IrrelevantIsNil(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, geminiResponse(`{"event_type":"irrelevant"}`))
	}, 100)

	if sig := c.ExtractSignature(context.Background(), "מבצעים בסופר"); sig != nil {
		t.Errorf("irrelevant content should yield nil, got %+v", sig)
	}
}

func TestExtractSignature_EmptyTypeBecomesOther(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, geminiResponse(`{"location":"Hebron"}`))
	}, 100)

	sig := c.ExtractSignature(context.Background(), "text")
	if sig == nil {
		t.Fatal("nil signature")
	}
	if sig.Type != event.TypeOther {
		t.Errorf("Type = %q, want %q", sig.Type, event.TypeOther)
	}
}

func TestExtractSignature_FailuresReturnNil(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"malformed json", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, geminiResponse("not json at all"))
		}},
		{"empty candidates", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"candidates":[]}`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, tt.handler, 100)
			if sig := c.ExtractSignature(context.Background(), "text"); sig != nil {
				t.Errorf("want nil on %s, got %+v", tt.name, sig)
			}
		})
	}
}

func TestBudget_ExhaustionAndHourlyReset(t *testing.T) {
	var calls atomic.Int64
	c, clk := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, geminiResponse(`{"event_type":"strike"}`))
	}, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if sig := c.ExtractSignature(ctx, "text"); sig == nil {
			t.Fatalf("call %d failed within budget", i+1)
		}
	}
	// Over budget: no network I/O.
	if sig := c.ExtractSignature(ctx, "text"); sig != nil {
		t.Error("over-budget call should return nil")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
	if c.CallsUsed() != 2 {
		t.Errorf("CallsUsed = %d, want 2", c.CallsUsed())
	}

	// Budget resets on the hour boundary.
	clk.Advance(time.Hour)
	if sig := c.ExtractSignature(ctx, "text"); sig == nil {
		t.Error("call after reset should succeed")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls after reset, want 3", got)
	}
}

func TestSummarizeBatch_SendsJoinedTexts(t *testing.T) {
	var prompt string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		prompt = req.Contents[0].Parts[0].Text
		fmt.Fprint(w, geminiResponse("סיכום"))
	}, 100)

	got := c.SummarizeBatch(context.Background(), []string{"אחד", "שניים"}, "מקורות עיקריים: @a")
	if got != "סיכום" {
		t.Errorf("summary = %q", got)
	}
	for _, want := range []string{"אחד", "שניים", "---", "מקורות עיקריים: @a"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestTruncate_RuneSafe(t *testing.T) {
	if got := truncate("שלום עולם", 4); got != "שלום" {
		t.Errorf("truncate = %q, want %q", got, "שלום")
	}
	if got := truncate("short", 100); got != "short" {
		t.Errorf("truncate should not pad: %q", got)
	}
}
