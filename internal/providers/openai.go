package providers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// NewOpenAI builds an adapter for an OpenAI-compatible upstream speaking the
// given dialect (chat completions or responses).
func NewOpenAI(dialect Dialect, cfg Config, logger *zap.Logger) (Adapter, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	var path string
	var parseUsage func([]byte) *Usage
	var newParser func() streamParser
	switch dialect {
	case DialectOpenAIChat:
		path = "/chat/completions"
		parseUsage = parseChatUsage
		newParser = func() streamParser { return &chatStreamParser{} }
	case DialectOpenAIResponses:
		path = "/responses"
		parseUsage = parseResponsesUsage
		newParser = func() streamParser { return &responsesStreamParser{} }
	default:
		return nil, fmt.Errorf("providers: dialect %q is not an OpenAI dialect", dialect)
	}

	apiKey := cfg.APIKey
	return &httpAdapter{
		name: "openai",
		url:  baseURL + path,
		setHeaders: func(h http.Header) {
			h.Set("Authorization", "Bearer "+apiKey)
		},
		unaryClient:  cfg.unaryClient(),
		streamClient: cfg.streamClient(),
		parseUsage:   parseUsage,
		newParser:    newParser,
		breaker:      cfg.newBreaker(),
		logger:       logger,
	}, nil
}

// chatUsage is the usage object of the chat completions dialect.
// prompt_tokens includes cached tokens, so the cached share is split out of
// the input count for billing.
type chatUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func (u *chatUsage) toUsage() *Usage {
	input := u.PromptTokens - u.PromptTokensDetails.CachedTokens
	if input < 0 {
		input = 0
	}
	return &Usage{
		Input:     input,
		Output:    u.CompletionTokens,
		CacheRead: u.PromptTokensDetails.CachedTokens,
	}
}

func parseChatUsage(body []byte) *Usage {
	var resp struct {
		Usage *chatUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return nil
	}
	return resp.Usage.toUsage()
}

// chatStreamParser picks up the usage trailer chunk that the chat dialect
// emits when stream_options.include_usage is set. All other chunks carry a
// null usage.
type chatStreamParser struct {
	final *Usage
}

func (p *chatStreamParser) feed(data []byte) {
	if u := parseChatUsage(data); u != nil {
		p.final = u
	}
}

func (p *chatStreamParser) usage() *Usage { return p.final }

type responsesUsage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	InputTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
}

func (u *responsesUsage) toUsage() *Usage {
	input := u.InputTokens - u.InputTokensDetails.CachedTokens
	if input < 0 {
		input = 0
	}
	return &Usage{
		Input:     input,
		Output:    u.OutputTokens,
		CacheRead: u.InputTokensDetails.CachedTokens,
	}
}

func parseResponsesUsage(body []byte) *Usage {
	var resp struct {
		Usage *responsesUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return nil
	}
	return resp.Usage.toUsage()
}

// responsesStreamParser reads usage from the response.completed event of the
// responses dialect.
type responsesStreamParser struct {
	final *Usage
}

func (p *responsesStreamParser) feed(data []byte) {
	var event struct {
		Type     string `json:"type"`
		Response struct {
			Usage *responsesUsage `json:"usage"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}
	if event.Type != "response.completed" || event.Response.Usage == nil {
		return
	}
	p.final = event.Response.Usage.toUsage()
}

func (p *responsesStreamParser) usage() *Usage { return p.final }
