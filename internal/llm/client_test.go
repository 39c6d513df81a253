package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func chatServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestAnalyzeSucceedsOnPrimary(t *testing.T) {
	var calls int32
	srv := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		resp := chatResponse{}
		resp.Choices = []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{{Message: struct {
			Content string `json:"content"`
		}{Content: `{"summary":"ok","riskScore":40,"riskLevel":"medium"}`}}}
		resp.Usage.TotalTokens = 100
		json.NewEncoder(w).Encode(resp)
	})

	c := New(Model{Name: "primary", BaseURL: srv.URL, APIKey: "k"}, Model{}, zerolog.Nop())
	out, err := c.Analyze(context.Background(), "contract body")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Result.RiskScore != 40 || out.Model != "primary" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestAnalyzeFallsBackToSecondaryModel(t *testing.T) {
	primary := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	fallback := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		resp := chatResponse{}
		resp.Choices = []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{{Message: struct {
			Content string `json:"content"`
		}{Content: `{"summary":"fallback-ok","riskScore":20,"riskLevel":"low"}`}}}
		json.NewEncoder(w).Encode(resp)
	})

	c := New(
		Model{Name: "primary", BaseURL: primary.URL, APIKey: "k"},
		Model{Name: "fallback", BaseURL: fallback.URL, APIKey: "k"},
		zerolog.Nop(),
	)
	out, err := c.Analyze(context.Background(), "contract body")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Model != "fallback" || out.Result.Summary != "fallback-ok" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestAnalyzeBothModelsFailIsPermanentUpstream(t *testing.T) {
	bad := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := New(
		Model{Name: "primary", BaseURL: bad.URL, APIKey: "k"},
		Model{Name: "fallback", BaseURL: bad.URL, APIKey: "k"},
		zerolog.Nop(),
	)
	_, err := c.Analyze(context.Background(), "contract body")
	if err == nil {
		t.Fatal("expected error when both models exhaust retries")
	}
}
