package providers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ametov/metergate/pkg/circuitbreaker"
)

// Dialect is the wire format an ingress endpoint speaks. Routing is static:
// each endpoint maps to exactly one dialect, and adapters never translate
// between dialects.
type Dialect string

const (
	DialectOpenAIChat        Dialect = "openai-chat"
	DialectOpenAIResponses   Dialect = "openai-responses"
	DialectAnthropicMessages Dialect = "anthropic-messages"
)

// ErrUpstreamUnavailable marks a connection or TLS failure before the first
// upstream byte. Calls failing this way are never settled.
var ErrUpstreamUnavailable = errors.New("providers: upstream unavailable")

// Usage is the token consumption an upstream reported for one call.
type Usage struct {
	Input      int
	Output     int
	CacheRead  int
	CacheWrite int
}

func (u Usage) Total() int {
	return u.Input + u.Output + u.CacheRead + u.CacheWrite
}

// Result is a completed unary call. Usage is nil when the upstream reported
// none (error statuses in particular).
type Result struct {
	Status      int
	ContentType string
	Body        []byte
	Usage       *Usage
}

// Stream is a streaming call in flight. When the upstream rejects the call
// outright (Status >= 400) Body carries the error payload for verbatim
// passthrough and Chunks is already closed.
type Stream struct {
	Status      int
	ContentType string
	Body        []byte

	// Chunks delivers raw protocol frames for passthrough. It closes when
	// the upstream stream ends, for any reason.
	Chunks <-chan []byte

	usage chan *Usage
}

// FinalUsage blocks until the stream has ended and returns the usage trailer,
// or nil when the stream ended without one. It resolves exactly once.
func (s *Stream) FinalUsage() *Usage {
	u, ok := <-s.usage
	if !ok {
		return nil
	}
	return u
}

// Adapter is the uniform contract over upstream providers. The request body
// passes through opaquely; the model field inside it is forwarded verbatim.
type Adapter interface {
	Name() string
	Forward(ctx context.Context, body []byte) (*Result, error)
	ForwardStream(ctx context.Context, body []byte) (*Stream, error)
}

// Config carries per-provider connection settings.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration

	// BreakerThreshold and BreakerCooldown tune the connection-failure
	// breaker. Zero values pick sensible defaults.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c Config) newBreaker() *circuitbreaker.Breaker {
	return circuitbreaker.New(c.BreakerThreshold, c.BreakerCooldown)
}

func (c Config) unaryClient() *http.Client {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// streamClient has no whole-request timeout; a deadline would cut long
// generations short. Cancellation comes from the request context.
func (c Config) streamClient() *http.Client {
	return &http.Client{}
}
