// Package pipeline runs one proxied completion request end to end: bearer
// auth, model allow-list, budget precheck, upstream forwarding, and the
// asynchronous usage settlement afterwards.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ametov/metergate/internal/apierr"
	"github.com/ametov/metergate/internal/auth"
	"github.com/ametov/metergate/internal/ledger"
	"github.com/ametov/metergate/internal/metrics"
	"github.com/ametov/metergate/internal/middleware"
	"github.com/ametov/metergate/internal/providers"
)

const (
	maxRequestBody = 10 << 20
	settleTimeout  = 15 * time.Second
)

// Pipeline serves the ingress completion endpoints. One instance handles all
// dialects; the adapter is chosen per endpoint at registration time.
type Pipeline struct {
	resolver *auth.Resolver
	ledger   *ledger.Ledger
	adapters map[providers.Dialect]providers.Adapter
	logger   *zap.Logger

	wg sync.WaitGroup

	// OnSettled, when set, is called after each settlement completes. Tests
	// use it to observe the asynchronous accounting path.
	OnSettled func(ledger.Settlement)
}

func New(resolver *auth.Resolver, ldg *ledger.Ledger, adapters map[providers.Dialect]providers.Adapter, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		resolver: resolver,
		ledger:   ldg,
		adapters: adapters,
		logger:   logger,
	}
}

// Wait blocks until all in-flight settlements have finished. Called during
// graceful shutdown so accepted usage is never dropped.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// requestEnvelope is the only part of the client payload the gateway reads.
// Everything else passes through to the upstream untouched.
type requestEnvelope struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// Handler returns the http handler for one ingress endpoint speaking the
// given dialect.
func (p *Pipeline) Handler(dialect providers.Dialect, endpoint string) http.HandlerFunc {
	adapter := p.adapters[dialect]
	return func(w http.ResponseWriter, r *http.Request) {
		sw := middleware.NewStreamingResponseWriter(w)
		defer func() {
			metrics.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(sw.StatusCode())).Inc()
		}()

		principal, err := p.resolver.Resolve(r.Context(), bearerToken(r))
		if err != nil {
			apierr.Write(sw, err)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			apierr.Write(sw, &apierr.Error{Kind: apierr.KindInvalidRequest, Message: "failed to read request body"})
			return
		}
		var env requestEnvelope
		if err := json.Unmarshal(body, &env); err != nil || env.Model == "" {
			apierr.Write(sw, &apierr.Error{Kind: apierr.KindInvalidRequest, Message: "request body must be JSON with a model field"})
			return
		}

		if !principal.Key.ModelAllowed(env.Model) {
			apierr.Write(sw, apierr.ErrModelForbidden)
			return
		}
		if err := p.ledger.Precheck(principal.Account); err != nil {
			apierr.Write(sw, err)
			return
		}

		if adapter == nil {
			p.logger.Error("No adapter configured for dialect", zap.String("dialect", string(dialect)))
			apierr.Write(sw, apierr.ErrUpstreamUnavailable)
			return
		}

		base := ledger.Settlement{
			RequestID: uuid.NewString(),
			UserID:    principal.Account.UserID,
			APIKey:    principal.Key.Key,
			ModelName: env.Model,
			Endpoint:  endpoint,
			ClientIP:  clientIP(r),
		}

		if env.Stream {
			p.serveStream(sw, r, adapter, body, base)
		} else {
			p.serveUnary(sw, r, adapter, body, base)
		}
	}
}

func (p *Pipeline) serveUnary(w http.ResponseWriter, r *http.Request, adapter providers.Adapter, body []byte, s ledger.Settlement) {
	start := time.Now()
	result, err := adapter.Forward(r.Context(), body)
	metrics.UpstreamDuration.WithLabelValues(adapter.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, providers.ErrUpstreamUnavailable) {
			p.logger.Warn("Upstream unavailable",
				zap.String("provider", adapter.Name()),
				zap.Error(err))
			apierr.Write(w, apierr.ErrUpstreamUnavailable)
		} else {
			p.logger.Error("Upstream forward failed",
				zap.String("provider", adapter.Name()),
				zap.Error(err))
			apierr.Write(w, err)
		}
		return
	}

	// Only successful calls consume tokens; upstream error payloads pass
	// through without touching the ledger. Unary settlement runs before the
	// response goes out, so a follow-up request already sees the new spend.
	if result.Status == http.StatusOK {
		s.Usage = result.Usage
		s.RequestPayload = body
		s.ResponsePayload = result.Body
		p.settle(s)
	}

	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}

func (p *Pipeline) serveStream(w http.ResponseWriter, r *http.Request, adapter providers.Adapter, body []byte, s ledger.Settlement) {
	start := time.Now()
	stream, err := adapter.ForwardStream(r.Context(), body)
	if err != nil {
		if errors.Is(err, providers.ErrUpstreamUnavailable) {
			p.logger.Warn("Upstream unavailable",
				zap.String("provider", adapter.Name()),
				zap.Error(err))
			apierr.Write(w, apierr.ErrUpstreamUnavailable)
		} else {
			apierr.Write(w, err)
		}
		return
	}

	if stream.Status != http.StatusOK {
		if stream.ContentType != "" {
			w.Header().Set("Content-Type", stream.ContentType)
		}
		w.WriteHeader(stream.Status)
		_, _ = w.Write(stream.Body)
		return
	}

	ct := stream.ContentType
	if ct == "" {
		ct = "text/event-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	clientGone := false
	for chunk := range stream.Chunks {
		if clientGone {
			// Keep draining so the upstream reader can finish and resolve
			// the usage promise.
			continue
		}
		if _, err := w.Write(chunk); err != nil {
			clientGone = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	metrics.UpstreamDuration.WithLabelValues(adapter.Name()).Observe(time.Since(start).Seconds())

	usage := stream.FinalUsage()
	if usage == nil && r.Context().Err() != nil {
		// Disconnect before the usage trailer: there is nothing reliable to
		// bill, and guessing would overcharge or undercharge.
		p.logger.Warn("Stream aborted before usage trailer, not settling",
			zap.String("request_id", s.RequestID),
			zap.String("model", s.ModelName))
		return
	}

	s.Usage = usage
	s.RequestPayload = body
	p.settleAsync(s)
}

func (p *Pipeline) settle(s ledger.Settlement) {
	// Detached from the request context: a client disconnect must not cancel
	// billing for usage the upstream already reported.
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	// Settle logs its own failures; they never alter the client response.
	_ = p.ledger.Settle(ctx, s)
	if p.OnSettled != nil {
		p.OnSettled(s)
	}
}

// settleAsync runs settle off the request goroutine. Streams use it so the
// client connection closes as soon as the last chunk is forwarded.
func (p *Pipeline) settleAsync(s ledger.Settlement) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.settle(s)
	}()
}

// bearerToken pulls the credential from the Authorization header, accepting
// the x-api-key header as well since Anthropic SDKs send that instead.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
		return ""
	}
	return r.Header.Get("x-api-key")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
