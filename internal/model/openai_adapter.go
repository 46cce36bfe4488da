package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"tandem-backend/internal/config"
	"tandem-backend/internal/utils"
	"tandem-backend/pkg/logger"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
)

var ErrEmptyCompletion = errors.New("no response from OpenAI")

// NewOpenAIClient 构造 go-openai 客户端，聊天、向量和语音共用
func NewOpenAIClient(c config.OpenAIConfig) *openai.Client {
	clientConfig := openai.DefaultConfig(c.APIKey)
	if c.BaseURL != "" {
		clientConfig.BaseURL = c.BaseURL
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	clientConfig.HTTPClient = utils.NewHTTPClient(timeout)
	return openai.NewClientWithConfig(clientConfig)
}

type openaiChatModel struct {
	client      *openai.Client
	model       string
	temperature float32
}

func NewOpenAIChatModel(c config.OpenAIConfig, chain config.ChainConfig) (einoModel.BaseChatModel, error) {
	if chain.Model == "" {
		return nil, errors.New("openai chat model name is empty")
	}
	logger.Infof("Using OpenAI model %s (temperature %.1f)", chain.Model, chain.Temperature)
	return newOpenAIChatModelWithClient(NewOpenAIClient(c), chain), nil
}

func newOpenAIChatModelWithClient(client *openai.Client, chain config.ChainConfig) *openaiChatModel {
	return &openaiChatModel{
		client:      client,
		model:       chain.Model,
		temperature: chain.Temperature,
	}
}

func (m *openaiChatModel) request(messages []*schema.Message, opts []einoModel.Option) openai.ChatCompletionRequest {
	temperature := m.temperature
	modelName := m.model
	options := einoModel.GetCommonOptions(&einoModel.Options{
		Temperature: &temperature,
		Model:       &modelName,
	}, opts...)

	req := openai.ChatCompletionRequest{
		Model:       *options.Model,
		Messages:    m.convertMessages(messages),
		Temperature: *options.Temperature,
	}
	// go-openai 对 0 值使用 omitempty，服务端会回落到默认温度 1
	if req.Temperature == 0 {
		req.Temperature = math.SmallestNonzeroFloat32
	}
	if options.MaxTokens != nil {
		req.MaxTokens = *options.MaxTokens
	}
	return req
}

// Generate 实现 eino BaseChatModel
func (m *openaiChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...einoModel.Option) (*schema.Message, error) {
	req := m.request(messages, opts)
	logger.Debugf("openai generate: model=%s messages=%d temperature=%v", req.Model, len(req.Messages), req.Temperature)

	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}

	return &schema.Message{
		Role:    schema.Assistant,
		Content: resp.Choices[0].Message.Content,
	}, nil
}

func (m *openaiChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	req := m.request(messages, opts)
	req.Stream = true

	stream, err := m.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion stream: %w", err)
	}

	reader, writer := schema.Pipe[*schema.Message](100)
	go func() {
		defer writer.Close()
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					writer.Send(nil, err)
				}
				return
			}
			if len(response.Choices) > 0 && response.Choices[0].Delta.Content != "" {
				writer.Send(&schema.Message{
					Role:    schema.Assistant,
					Content: response.Choices[0].Delta.Content,
				}, nil)
			}
		}
	}()

	return reader, nil
}

// 消息格式转换，空的 assistant 消息会导致 API 报错，直接跳过
func (m *openaiChatModel) convertMessages(messages []*schema.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case schema.Assistant:
			role = openai.ChatMessageRoleAssistant
		case schema.System:
			role = openai.ChatMessageRoleSystem
		}

		if msg.Content == "" && role == openai.ChatMessageRoleAssistant {
			continue
		}

		result = append(result, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}
	return result
}

// OpenAIEmbedder 实现 eino embedding.Embedder
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

var _ embedding.Embedder = (*OpenAIEmbedder)(nil)

func NewOpenAIEmbedder(client *openai.Client, model string) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: client, model: model}
}

func (e *OpenAIEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: expected %d vectors, got %d", len(texts), len(resp.Data))
	}

	vectors := make([][]float64, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("openai embeddings: index %d out of range", d.Index)
		}
		vec := make([]float64, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float64(v)
		}
		vectors[d.Index] = vec
	}
	return vectors, nil
}
