package providers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// NewAnthropic builds an adapter for an Anthropic-compatible upstream
// speaking the messages dialect.
func NewAnthropic(cfg Config, logger *zap.Logger) Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	apiKey := cfg.APIKey
	return &httpAdapter{
		name: "anthropic",
		url:  baseURL + "/v1/messages",
		setHeaders: func(h http.Header) {
			h.Set("x-api-key", apiKey)
			h.Set("anthropic-version", anthropicVersion)
		},
		unaryClient:  cfg.unaryClient(),
		streamClient: cfg.streamClient(),
		parseUsage:   parseAnthropicUsage,
		newParser:    func() streamParser { return &anthropicStreamParser{} },
		breaker:      cfg.newBreaker(),
		logger:       logger,
	}
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

func (u *anthropicUsage) toUsage() *Usage {
	return &Usage{
		Input:      u.InputTokens,
		Output:     u.OutputTokens,
		CacheRead:  u.CacheReadInputTokens,
		CacheWrite: u.CacheCreationInputTokens,
	}
}

func parseAnthropicUsage(body []byte) *Usage {
	var resp struct {
		Usage *anthropicUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return nil
	}
	return resp.Usage.toUsage()
}

// anthropicStreamParser accumulates the split usage reporting of the
// messages dialect: input and cache counters arrive in message_start, output
// tokens in message_delta. Usage counts as received only once a
// message_delta has been seen; a stream cut before that settles nothing.
type anthropicStreamParser struct {
	partial  Usage
	complete bool
}

func (p *anthropicStreamParser) feed(data []byte) {
	var event struct {
		Type    string `json:"type"`
		Message struct {
			Usage *anthropicUsage `json:"usage"`
		} `json:"message"`
		Usage *struct {
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}

	switch event.Type {
	case "message_start":
		if u := event.Message.Usage; u != nil {
			p.partial.Input = u.InputTokens
			p.partial.CacheRead = u.CacheReadInputTokens
			p.partial.CacheWrite = u.CacheCreationInputTokens
		}
	case "message_delta":
		if event.Usage != nil {
			p.partial.Output += event.Usage.OutputTokens
			p.complete = true
		}
	}
}

func (p *anthropicStreamParser) usage() *Usage {
	if !p.complete {
		return nil
	}
	u := p.partial
	return &u
}
