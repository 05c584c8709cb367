package data

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"TicketForge/internal/conf"
	pkgerrors "TicketForge/pkg/errors"
	"TicketForge/pkg/httpclient"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	systemPrompt = "You are a senior software engineer. Answer with complete, working code inside fenced code blocks."
)

// ErrCodeAgentDisabled is returned when no API key is configured.
var ErrCodeAgentDisabled = errors.New("code agent api key not configured")

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// errorResponse OpenAI 错误响应
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// CodeAgentClient calls an OpenAI compatible chat completions endpoint. It
// makes exactly one request per Generate; retries belong to the caller.
type CodeAgentClient struct {
	endpoint  string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
	logger    *log.Helper
}

// NewCodeAgentClient creates the client.
func NewCodeAgentClient(c *conf.CodeAgent, logger log.Logger) (*CodeAgentClient, error) {
	cfg := conf.CodeAgent{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini", MaxTokens: 4096, Timeout: 2 * time.Minute}
	if c != nil {
		cfg = *c
	}
	client, err := httpclient.New(cfg.Proxy, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("code agent http client: %w", err)
	}

	helper := log.NewHelper(log.With(logger, "module", "data/codegen"))
	if cfg.APIKey == "" {
		helper.Warn("code agent API key is empty, generation requests will fail")
	}

	return &CodeAgentClient{
		endpoint:  strings.TrimSuffix(cfg.BaseURL, "/") + "/chat/completions",
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    client,
		logger:    helper,
	}, nil
}

// Generate sends prompt and returns the assistant's reply.
// 401/403 和其他 4xx 不重试；429 和 5xx 标记为 transient
func (c *CodeAgentClient) Generate(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", pkgerrors.Permanent(ErrCodeAgentDisabled)
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", pkgerrors.Permanent(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", pkgerrors.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", httpclient.UserAgent)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		// 网络错误，可重试
		return "", pkgerrors.Transient(conf.ServiceCodeAgent, "generate", fmt.Errorf("request failed: %w", err))
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return "", pkgerrors.Transient(conf.ServiceCodeAgent, "generate", fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		statusErr := fmt.Errorf("code agent HTTP %d: %s", resp.StatusCode, msg)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", pkgerrors.Transient(conf.ServiceCodeAgent, "generate", statusErr)
		}
		return "", pkgerrors.Permanent(statusErr)
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", pkgerrors.Permanent(fmt.Errorf("invalid response format: %w", err))
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", pkgerrors.Transient(conf.ServiceCodeAgent, "generate", errors.New("empty completion"))
	}

	c.logger.Debugw("msg", "completion received",
		"model", c.model,
		"prompt_tokens", out.Usage.PromptTokens,
		"completion_tokens", out.Usage.CompletionTokens,
		"finish_reason", out.Choices[0].FinishReason,
		"duration_ms", time.Since(start).Milliseconds())
	return out.Choices[0].Message.Content, nil
}
