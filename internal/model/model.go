package model

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"tandem-backend/internal/config"
	"tandem-backend/pkg/logger"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoModel "github.com/cloudwego/eino/components/model"
)

// NewChatModel 按提供方创建一条提示链专用的对话模型，温度和模型名来自链配置
func NewChatModel(ctx context.Context, cfg *config.Config, chain config.ChainConfig) (einoModel.BaseChatModel, error) {
	switch cfg.Model.Provider {
	case "openai":
		return NewOpenAIChatModel(cfg.OpenAI, chain)
	case "doubao":
		return createDoubaoModel(ctx, cfg.Doubao, chain)
	case "qwen":
		return createQwenModel(ctx, cfg.Qwen, chain)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.Model.Provider)
	}
}

func createDoubaoModel(ctx context.Context, c config.DoubaoConfig, chain config.ChainConfig) (einoModel.BaseChatModel, error) {
	logger.Infof("Using Doubao model %s (temperature %.1f)", chain.Model, chain.Temperature)

	temperature := chain.Temperature
	arkCfg := &ark.ChatModelConfig{
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
		Model:       chain.Model,
		Temperature: &temperature,
		CustomHeader: map[string]string{
			"X-Ark-Thinking-Mode": "disable",
		},
	}
	if c.MaxTokens > 0 {
		maxTokens := c.MaxTokens
		arkCfg.MaxTokens = &maxTokens
	}

	chatModel, err := ark.NewChatModel(ctx, arkCfg)
	if err != nil {
		return nil, fmt.Errorf("create doubao model: %w", err)
	}
	return chatModel, nil
}

func createQwenModel(ctx context.Context, c config.QwenConfig, chain config.ChainConfig) (einoModel.BaseChatModel, error) {
	logger.Infof("Using Qwen model %s, BaseURL: %s", chain.Model, c.BaseURL)

	httpClient := &http.Client{
		Transport: NewDebugTransport(nil, c.DebugRequest),
		Timeout:   c.Timeout,
	}

	temperature := chain.Temperature
	qwenCfg := &qwen.ChatModelConfig{
		BaseURL:     c.BaseURL,
		APIKey:      c.APIKey,
		Model:       chain.Model,
		Temperature: &temperature,
		Timeout:     c.Timeout,
		HTTPClient:  httpClient,
	}
	if c.MaxTokens > 0 {
		maxTokens := c.MaxTokens
		qwenCfg.MaxTokens = &maxTokens
	}
	if c.TopP > 0 {
		topP := c.TopP
		qwenCfg.TopP = &topP
	}

	chatModel, err := qwen.NewChatModel(ctx, qwenCfg)
	if err != nil {
		return nil, fmt.Errorf("create qwen model: %w", err)
	}
	return chatModel, nil
}

// DebugTransport 打印请求内容用于排查提示词问题，敏感请求头会被隐藏
type DebugTransport struct {
	base    http.RoundTripper
	enabled bool
}

func NewDebugTransport(base http.RoundTripper, enabled bool) *DebugTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DebugTransport{base: base, enabled: enabled}
}

func (t *DebugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.enabled && req.Method == http.MethodPost {
		t.logRequest(req)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil && t.enabled {
		logger.Errorf("[model debug] request failed: %v", err)
	}
	return resp, err
}

func (t *DebugTransport) logRequest(req *http.Request) {
	headers := make([]string, 0, len(req.Header))
	for name, values := range req.Header {
		if isSensitiveHeader(name) {
			headers = append(headers, name+": [REDACTED]")
			continue
		}
		headers = append(headers, name+": "+strings.Join(values, ", "))
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			logger.Errorf("[model debug] read request body: %v", err)
			return
		}
		// 恢复请求体，以免影响实际请求
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	logger.WithFields(logger.Fields{
		"method":  req.Method,
		"url":     req.URL.String(),
		"headers": strings.Join(headers, "; "),
		"size":    len(body),
	}).Debugf("[model debug] %s", body)
}

func isSensitiveHeader(name string) bool {
	for _, sensitive := range []string{"authorization", "x-api-key", "x-auth-token", "cookie"} {
		if strings.EqualFold(name, sensitive) {
			return true
		}
	}
	return false
}
