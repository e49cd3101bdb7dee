package providers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ametov/metergate/pkg/circuitbreaker"
)

// streamParser accumulates usage from a provider's SSE events. usage returns
// nil until the provider has reported a complete usage trailer.
type streamParser interface {
	feed(data []byte)
	usage() *Usage
}

// httpAdapter is the shared HTTP forwarding machinery. Concrete adapters
// supply the endpoint path, auth headers and usage parsers for their dialect.
type httpAdapter struct {
	name         string
	url          string
	setHeaders   func(h http.Header)
	unaryClient  *http.Client
	streamClient *http.Client
	parseUsage   func(body []byte) *Usage
	newParser    func() streamParser
	breaker      *circuitbreaker.Breaker
	logger       *zap.Logger
}

func (a *httpAdapter) Name() string { return a.name }

func (a *httpAdapter) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	a.setHeaders(req.Header)
	return req, nil
}

func (a *httpAdapter) Forward(ctx context.Context, body []byte) (*Result, error) {
	if !a.breaker.Allow() {
		return nil, fmt.Errorf("%w: circuit open for %s", ErrUpstreamUnavailable, a.name)
	}
	req, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := a.unaryClient.Do(req)
	if err != nil {
		a.breaker.RecordFailure()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	a.breaker.RecordSuccess()
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &Result{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}
	if resp.StatusCode == http.StatusOK {
		result.Usage = a.parseUsage(respBody)
	}
	return result, nil
}

func (a *httpAdapter) ForwardStream(ctx context.Context, body []byte) (*Stream, error) {
	if !a.breaker.Allow() {
		return nil, fmt.Errorf("%w: circuit open for %s", ErrUpstreamUnavailable, a.name)
	}
	req, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.streamClient.Do(req)
	if err != nil {
		a.breaker.RecordFailure()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	a.breaker.RecordSuccess()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		chunks := make(chan []byte)
		close(chunks)
		usage := make(chan *Usage)
		close(usage)
		return &Stream{
			Status:      resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        respBody,
			Chunks:      chunks,
			usage:       usage,
		}, nil
	}

	chunks := make(chan []byte, 16)
	usage := make(chan *Usage, 1)
	stream := &Stream{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Chunks:      chunks,
		usage:       usage,
	}

	go a.pump(ctx, resp.Body, chunks, usage)
	return stream, nil
}

// pump relays raw SSE lines to the chunk channel while feeding data payloads
// to the dialect's usage parser. The usage promise resolves after the chunk
// channel closes.
func (a *httpAdapter) pump(ctx context.Context, body io.ReadCloser, chunks chan<- []byte, usage chan<- *Usage) {
	defer func() { _ = body.Close() }()

	parser := a.newParser()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if data, ok := strings.CutPrefix(line, "data: "); ok && data != "[DONE]" {
			parser.feed([]byte(data))
		}

		frame := append([]byte(line), '\n')
		select {
		case chunks <- frame:
		case <-ctx.Done():
			close(chunks)
			usage <- parser.usage()
			close(usage)
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		a.logger.Warn("Upstream stream ended with error",
			zap.String("provider", a.name),
			zap.Error(err))
	}

	close(chunks)
	usage <- parser.usage()
	close(usage)
}
