package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ametov/metergate/internal/auth"
	"github.com/ametov/metergate/internal/authcache"
	"github.com/ametov/metergate/internal/ledger"
	"github.com/ametov/metergate/internal/models"
	"github.com/ametov/metergate/internal/pricing"
	"github.com/ametov/metergate/internal/providers"
	"github.com/ametov/metergate/internal/store"
)

const testKey = "mg_sk_test"

type fixture struct {
	store    *store.Memory
	pipeline *Pipeline
	settled  chan ledger.Settlement
}

// recordingAdapter counts calls so tests can assert the upstream was never
// reached on rejected requests.
type recordingAdapter struct {
	calls atomic.Int64
}

func (a *recordingAdapter) Name() string { return "recording" }

func (a *recordingAdapter) Forward(context.Context, []byte) (*providers.Result, error) {
	a.calls.Add(1)
	return &providers.Result{Status: http.StatusOK, Body: []byte(`{}`)}, nil
}

func (a *recordingAdapter) ForwardStream(context.Context, []byte) (*providers.Stream, error) {
	a.calls.Add(1)
	return nil, providers.ErrUpstreamUnavailable
}

func newFixture(t *testing.T, adapter providers.Adapter) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st := store.NewMemory()
	cache := authcache.New(authcache.Config{Logger: logger})
	resolver := auth.NewResolver(cache, st, logger)
	pricer := pricing.New(cache, st, logger)
	ldg := ledger.New(st, pricer, cache, logger)

	p := New(resolver, ldg, map[providers.Dialect]providers.Adapter{
		providers.DialectOpenAIChat: adapter,
	}, logger)

	f := &fixture{store: st, pipeline: p, settled: make(chan ledger.Settlement, 8)}
	p.OnSettled = func(s ledger.Settlement) { f.settled <- s }

	require.NoError(t, st.UpsertAccount(context.Background(), &models.Account{
		UserID:    "alice",
		BudgetUSD: decimal.RequireFromString("10"),
		IsActive:  true,
	}))
	require.NoError(t, st.UpsertAPIKey(context.Background(), &models.APIKey{
		Key:      testKey,
		UserID:   "alice",
		IsActive: true,
	}))
	require.NoError(t, st.UpsertModelCost(context.Background(), &models.ModelCost{
		ModelName:                     "gpt-4o",
		InputCostPerMillionTokensUSD:  decimal.RequireFromString("3.00"),
		OutputCostPerMillionTokensUSD: decimal.RequireFromString("15.00"),
	}))
	return f
}

func (f *fixture) do(t *testing.T, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.pipeline.Handler(providers.DialectOpenAIChat, "/v1/chat/completions")(w, req)
	return w
}

func (f *fixture) waitSettled(t *testing.T) ledger.Settlement {
	t.Helper()
	select {
	case s := <-f.settled:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("settlement did not complete")
		return ledger.Settlement{}
	}
}

func (f *fixture) requireNoSettlement(t *testing.T) {
	t.Helper()
	f.pipeline.Wait()
	select {
	case s := <-f.settled:
		t.Fatalf("unexpected settlement for request %s", s.RequestID)
	default:
	}
}

func TestPipelineRejectsBeforeUpstream(t *testing.T) {
	adapter := &recordingAdapter{}
	f := newFixture(t, adapter)

	require.NoError(t, f.store.UpsertAPIKey(context.Background(), &models.APIKey{
		Key: "mg_sk_limited", UserID: "alice", IsActive: true,
		AllowedModels: []string{"o3"},
	}))
	require.NoError(t, f.store.UpsertAccount(context.Background(), &models.Account{
		UserID: "bob", BudgetUSD: decimal.Zero, IsActive: true,
	}))
	require.NoError(t, f.store.UpsertAPIKey(context.Background(), &models.APIKey{
		Key: "mg_sk_bob", UserID: "bob", IsActive: true,
	}))

	tests := []struct {
		name       string
		body       string
		token      string
		wantStatus int
		wantKind   string
	}{
		{"no token", `{"model":"gpt-4o"}`, "", http.StatusUnauthorized, "unauthenticated"},
		{"unknown token", `{"model":"gpt-4o"}`, "mg_sk_nope", http.StatusUnauthorized, "unauthenticated"},
		{"model forbidden", `{"model":"gpt-4o"}`, "mg_sk_limited", http.StatusForbidden, "model_forbidden"},
		{"zero budget", `{"model":"gpt-4o"}`, "mg_sk_bob", http.StatusTooManyRequests, "budget_exceeded"},
		{"malformed body", `not json`, testKey, http.StatusBadRequest, "invalid_request"},
		{"missing model", `{"stream":false}`, testKey, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.body, tt.token)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantKind)
		})
	}

	assert.Equal(t, int64(0), adapter.calls.Load(), "rejected requests must not reach the upstream")
	f.requireNoSettlement(t)
	assert.Empty(t, f.store.UsageLogs())
}

func TestPipelineUnarySuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"choices": [{"message": {"content": "hello"}}],
			"usage": {"prompt_tokens": 1000, "completion_tokens": 500}
		}`)
	}))
	defer upstream.Close()
	adapter, err := providers.NewOpenAI(providers.DialectOpenAIChat,
		providers.Config{APIKey: "sk-up", BaseURL: upstream.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	f := newFixture(t, adapter)

	w := f.do(t, `{"model":"gpt-4o"}`, testKey)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatcmpl-1")

	s := f.waitSettled(t)
	assert.Equal(t, "alice", s.UserID)
	require.NotNil(t, s.Usage)
	assert.Equal(t, 1000, s.Usage.Input)

	account, err := f.store.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, account.SpentUSD.Equal(decimal.RequireFromString("0.0105")),
		"expected 0.0105, got %s", account.SpentUSD)

	logs := f.store.UsageLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "/v1/chat/completions", logs[0].RequestEndpoint)
	assert.Equal(t, 1500, logs[0].TotalTokens)
}

func TestPipelineBudgetEnforcedAfterSettlement(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"usage": {"prompt_tokens": 1000, "completion_tokens": 500}}`)
	}))
	defer upstream.Close()
	adapter, err := providers.NewOpenAI(providers.DialectOpenAIChat,
		providers.Config{APIKey: "sk-up", BaseURL: upstream.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	f := newFixture(t, adapter)

	// Budget covers exactly one call at 0.0105.
	require.NoError(t, f.store.UpsertAccount(context.Background(), &models.Account{
		UserID: "alice", BudgetUSD: decimal.RequireFromString("0.01"), IsActive: true,
	}))

	w := f.do(t, `{"model":"gpt-4o"}`, testKey)
	assert.Equal(t, http.StatusOK, w.Code)
	f.waitSettled(t)

	w = f.do(t, `{"model":"gpt-4o"}`, testKey)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "budget_exceeded")
}

func TestPipelineUnpricedModelStillServes(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"usage": {"prompt_tokens": 10, "completion_tokens": 5}}`)
	}))
	defer upstream.Close()
	adapter, err := providers.NewOpenAI(providers.DialectOpenAIChat,
		providers.Config{APIKey: "sk-up", BaseURL: upstream.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	f := newFixture(t, adapter)

	w := f.do(t, `{"model":"brand-new-model"}`, testKey)
	assert.Equal(t, http.StatusOK, w.Code)
	f.waitSettled(t)

	account, err := f.store.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, account.SpentUSD.IsZero(), "unpriced models must not debit")

	logs := f.store.UsageLogs()
	require.Len(t, logs, 1)
	assert.True(t, logs[0].PricingMissing)
}

func TestPipelineUpstreamErrorPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"message": "unknown parameter"}}`)
	}))
	defer upstream.Close()
	adapter, err := providers.NewOpenAI(providers.DialectOpenAIChat,
		providers.Config{APIKey: "sk-up", BaseURL: upstream.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	f := newFixture(t, adapter)

	w := f.do(t, `{"model":"gpt-4o"}`, testKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown parameter")

	// Upstream failures consume no tokens and leave no audit row.
	f.requireNoSettlement(t)
	assert.Empty(t, f.store.UsageLogs())
}

func TestPipelineUpstreamUnavailable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	upstream.Close()
	adapter, err := providers.NewOpenAI(providers.DialectOpenAIChat,
		providers.Config{APIKey: "sk-up", BaseURL: upstream.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	f := newFixture(t, adapter)

	w := f.do(t, `{"model":"gpt-4o"}`, testKey)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "upstream_unavailable")
	f.requireNoSettlement(t)
}

func TestPipelineStreamSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`data: {"choices":[{"delta":{"content":"hi"}}],"usage":null}`,
			``,
			`data: {"choices":[],"usage":{"prompt_tokens":1000,"completion_tokens":500}}`,
			``,
			`data: [DONE]`,
			``,
		} {
			fmt.Fprintln(w, line)
		}
	}))
	defer upstream.Close()
	adapter, err := providers.NewOpenAI(providers.DialectOpenAIChat,
		providers.Config{APIKey: "sk-up", BaseURL: upstream.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	f := newFixture(t, adapter)

	w := f.do(t, `{"model":"gpt-4o","stream":true}`, testKey)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `"content":"hi"`)
	assert.Contains(t, w.Body.String(), "data: [DONE]")

	s := f.waitSettled(t)
	require.NotNil(t, s.Usage)
	assert.Equal(t, 1000, s.Usage.Input)
	assert.Equal(t, 500, s.Usage.Output)

	account, err := f.store.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, account.SpentUSD.Equal(decimal.RequireFromString("0.0105")))
}

func TestPipelineStreamWithoutTrailerSettlesUnpriced(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"hi"}}],"usage":null}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `data: [DONE]`)
	}))
	defer upstream.Close()
	adapter, err := providers.NewOpenAI(providers.DialectOpenAIChat,
		providers.Config{APIKey: "sk-up", BaseURL: upstream.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	f := newFixture(t, adapter)

	w := f.do(t, `{"model":"gpt-4o","stream":true}`, testKey)
	assert.Equal(t, http.StatusOK, w.Code)

	// Stream ended normally but reported nothing: audit row with the
	// missing-pricing marker, no debit.
	s := f.waitSettled(t)
	assert.Nil(t, s.Usage)
	logs := f.store.UsageLogs()
	require.Len(t, logs, 1)
	assert.True(t, logs[0].PricingMissing)
	account, err := f.store.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, account.SpentUSD.IsZero())
}

// signalingRecorder closes seen the first time a response write contains
// marker, so tests can cancel the client precisely after a given chunk was
// relayed.
type signalingRecorder struct {
	*httptest.ResponseRecorder
	marker string
	seen   chan struct{}
	once   sync.Once
}

func (r *signalingRecorder) Write(b []byte) (int, error) {
	if strings.Contains(string(b), r.marker) {
		r.once.Do(func() { close(r.seen) })
	}
	return r.ResponseRecorder.Write(b)
}

func TestPipelineStreamClientDisconnectWithoutTrailer(t *testing.T) {
	started := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"hi"}}],"usage":null}`)
		fmt.Fprintln(w)
		flusher.Flush()
		close(started)
		// Hold the stream open until the gateway drops the connection.
		<-r.Context().Done()
	}))
	defer upstream.Close()
	adapter, err := providers.NewOpenAI(providers.DialectOpenAIChat,
		providers.Config{APIKey: "sk-up", BaseURL: upstream.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	f := newFixture(t, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","stream":true}`)).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testKey)

	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.pipeline.Handler(providers.DialectOpenAIChat, "/v1/chat/completions")(w, req)
	}()

	<-started
	cancel()
	<-done

	// The upstream never reported complete usage: nothing billed, no row.
	f.requireNoSettlement(t)
	assert.Empty(t, f.store.UsageLogs())
	account, err := f.store.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, account.SpentUSD.IsZero())
}

func TestPipelineStreamClientDisconnectAfterTrailer(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"hi"}}],"usage":null}`)
		fmt.Fprintln(w)
		fmt.Fprintln(w, `data: {"choices":[],"usage":{"prompt_tokens":1000,"completion_tokens":500}}`)
		fmt.Fprintln(w)
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer upstream.Close()
	adapter, err := providers.NewOpenAI(providers.DialectOpenAIChat,
		providers.Config{APIKey: "sk-up", BaseURL: upstream.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	f := newFixture(t, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","stream":true}`)).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testKey)

	w := &signalingRecorder{
		ResponseRecorder: httptest.NewRecorder(),
		marker:           "prompt_tokens",
		seen:             make(chan struct{}),
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.pipeline.Handler(providers.DialectOpenAIChat, "/v1/chat/completions")(w, req)
	}()

	// Disconnect only after the usage trailer reached the client.
	<-w.seen
	cancel()
	<-done

	// The trailer arrived before the disconnect, so the call settles exactly
	// once.
	s := f.waitSettled(t)
	require.NotNil(t, s.Usage)
	assert.Equal(t, 1000, s.Usage.Input)

	logs := f.store.UsageLogs()
	require.Len(t, logs, 1)
	account, err := f.store.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, account.SpentUSD.Equal(decimal.RequireFromString("0.0105")))
}

func TestPipelineAcceptsXAPIKeyHeader(t *testing.T) {
	adapter := &recordingAdapter{}
	f := newFixture(t, adapter)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("x-api-key", testKey)
	w := httptest.NewRecorder()
	f.pipeline.Handler(providers.DialectOpenAIChat, "/v1/messages")(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), adapter.calls.Load())
}
