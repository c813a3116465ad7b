package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	ai "github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai"
	"github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai/openai"
	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
)

func testBackoff() ai.BackoffSettings {
	return ai.BackoffSettings{
		MaxElapsedTime:  500 * time.Millisecond,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      1.5,
	}
}

func chatBody(content string) map[string]any {
	return map[string]any{
		"id": "chatcmpl-123",
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": 9, "completion_tokens": 12, "total_tokens": 21},
	}
}

func TestClient_ValidateConfig(t *testing.T) {
	require.False(t, openai.New(openai.Config{}).ValidateConfig())
	require.True(t, openai.New(openai.Config{APIKey: "sk-test"}).ValidateConfig())
}

func TestClient_SendRequest_Success(t *testing.T) {
	var gotAuth string
	var gotReq map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(chatBody("hello back"))
	}))
	defer ts.Close()

	c := openai.New(openai.Config{APIKey: "sk-test", BaseURL: ts.URL, Backoff: testBackoff()})
	resp, err := c.SendRequest(context.Background(), domain.AIRequest{Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "Bearer sk-test", gotAuth)
	require.Equal(t, "gpt-4o-mini", gotReq["model"])
	require.Equal(t, "openai", resp.Provider)
	require.Equal(t, "hello back", resp.Content)
	require.Equal(t, "stop", resp.Metadata.StopReason)
	require.Equal(t, "chatcmpl-123", resp.Metadata.ProviderID)
	require.Equal(t, 21, resp.Metadata.TokenUsage.Total)
	require.Zero(t, resp.Performance.RetryCount)
}

func TestClient_SendRequest_RetriesOn500(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(chatBody("after retry"))
	}))
	defer ts.Close()

	c := openai.New(openai.Config{APIKey: "sk-test", BaseURL: ts.URL, Backoff: testBackoff()})
	resp, err := c.SendRequest(context.Background(), domain.AIRequest{Prompt: "retry me"})
	require.NoError(t, err)
	require.Equal(t, "after retry", resp.Content)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
	require.Equal(t, 1, resp.Performance.RetryCount)
}

func TestClient_SendRequest_PermanentOn401(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer ts.Close()

	c := openai.New(openai.Config{APIKey: "sk-bad", BaseURL: ts.URL, Backoff: testBackoff()})
	_, err := c.SendRequest(context.Background(), domain.AIRequest{Prompt: "p"})
	require.ErrorIs(t, err, domain.ErrProvider)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestClient_SendRequest_MissingKey(t *testing.T) {
	c := openai.New(openai.Config{})
	_, err := c.SendRequest(context.Background(), domain.AIRequest{Prompt: "p"})
	require.ErrorIs(t, err, domain.ErrProvider)
}

func TestClient_SendRequest_PropagatesTraceContext(t *testing.T) {
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	var gotTraceparent string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTraceparent = r.Header.Get("traceparent")
		_ = json.NewEncoder(w).Encode(chatBody("traced"))
	}))
	defer ts.Close()

	ctx, span := tp.Tracer("test").Start(context.Background(), "dispatch")
	defer span.End()

	c := openai.New(openai.Config{APIKey: "sk-test", BaseURL: ts.URL, Backoff: testBackoff()})
	_, err := c.SendRequest(ctx, domain.AIRequest{Prompt: "p"})
	require.NoError(t, err)
	require.Contains(t, gotTraceparent, span.SpanContext().TraceID().String())
}

func TestClient_SendRequest_RejectsUnknownModel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no HTTP call expected for an invalid model")
	}))
	defer ts.Close()

	c := openai.New(openai.Config{APIKey: "sk-test", BaseURL: ts.URL, Backoff: testBackoff()})
	_, err := c.SendRequest(context.Background(), domain.AIRequest{Prompt: "p", Model: "made-up"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
