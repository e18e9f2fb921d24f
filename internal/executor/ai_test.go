package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestStripJSONFence(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		`{"a":1}`:                 `{"a":1}`,
	}
	for input, expected := range cases {
		if got := stripJSONFence(input); got != expected {
			t.Errorf("stripJSONFence(%q) = %q, want %q", input, got, expected)
		}
	}
}

func TestParseProviderContentValidJSON(t *testing.T) {
	result := parseProviderContent(`{"sentiment":"positive"}`)
	var decoded map[string]string
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("expected valid JSON, got error: %v", err)
	}
	if decoded["sentiment"] != "positive" {
		t.Errorf("expected sentiment positive, got %v", decoded)
	}
}

func TestParseProviderContentFencedJSON(t *testing.T) {
	result := parseProviderContent("```json\n{\"score\":5}\n```")
	var decoded map[string]int
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("expected valid JSON after stripping fence, got error: %v", err)
	}
	if decoded["score"] != 5 {
		t.Errorf("expected score 5, got %v", decoded)
	}
}

func TestParseProviderContentFallsBackToRawResponse(t *testing.T) {
	result := parseProviderContent("this is not json at all")
	var decoded map[string]string
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("expected wrapped JSON, got error: %v", err)
	}
	if decoded["raw_response"] != "this is not json at all" {
		t.Errorf("expected raw_response wrapping, got %v", decoded)
	}
}

func TestSimulatedProviderCodeReview(t *testing.T) {
	p := NewSimulatedProvider(testLogger())
	result, model, tokens, err := p.Execute(context.Background(), "Perform a code-review of this diff.", "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model != simulatedModel || tokens != simulatedTokens {
		t.Errorf("unexpected model/tokens: %s/%d", model, tokens)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("expected valid JSON: %v", err)
	}
	if _, ok := decoded["issues"]; !ok {
		t.Errorf("expected code-review shaped response, got %v", decoded)
	}
}

func TestSimulatedProviderSentiment(t *testing.T) {
	p := NewSimulatedProvider(testLogger())
	result, _, _, err := p.Execute(context.Background(), "Run sentiment analysis on the input.", "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]interface{}
	json.Unmarshal(result, &decoded)
	if _, ok := decoded["sentiment"]; !ok {
		t.Errorf("expected sentiment shaped response, got %v", decoded)
	}
}

func TestSimulatedProviderGeneric(t *testing.T) {
	p := NewSimulatedProvider(testLogger())
	result, _, _, err := p.Execute(context.Background(), "Do something else entirely.", "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]interface{}
	json.Unmarshal(result, &decoded)
	if decoded["status"] != "success" {
		t.Errorf("expected generic success response, got %v", decoded)
	}
}

func TestDeepSeekProviderRetriesOn429ThenSucceeds(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"deepseek-chat","choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"}}],"usage":{"total_tokens":10}}`))
	}))
	defer server.Close()

	log := testLogger()
	result, model, tokens, err := executeChatCompletion(context.Background(), server.Client(), server.URL, "test-key", "deepseek-chat", "system", "user", log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if model != "deepseek-chat" || tokens != 10 {
		t.Errorf("unexpected model/tokens: %s/%d", model, tokens)
	}
	if !strings.Contains(string(result), "true") {
		t.Errorf("unexpected result: %s", result)
	}
}

func TestDeepSeekProviderDoesNotRetryOn400(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	_, _, _, err := executeChatCompletion(context.Background(), server.Client(), server.URL, "test-key", "deepseek-chat", "system", "user", testLogger())
	if err == nil {
		t.Fatal("expected error for non-retryable status")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("expected exactly 1 attempt for non-retryable error, got %d", attempts)
	}
}

func TestOpenAICompatibleProviderNoRetryOn500(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewOpenAICompatibleProvider("test-key", server.URL, "gpt-4", testLogger())
	_, _, _, err := p.Execute(context.Background(), "system", "user")
	if err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("expected exactly 1 attempt (no retry logic), got %d", attempts)
	}
}
