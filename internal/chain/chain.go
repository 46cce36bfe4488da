// Package chain 构建 提示词 -> 模型 -> 文本解析 的 eino 链
package chain

import (
	"context"
	"errors"
	"fmt"

	"tandem-backend/internal/config"
	"tandem-backend/internal/pipeline"
	"tandem-backend/pkg/logger"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

const (
	inputKey   = "input"
	historyKey = "chat_history"
	contextKey = "context"
)

// Chain 一条编译好的提示链，满足 pipeline.Stage
type Chain struct {
	name     string
	runnable compose.Runnable[map[string]any, string]
}

var _ pipeline.Stage = (*Chain)(nil)

// New 把模板、模型和字符串解析器串成链
func New(ctx context.Context, name string, tpl prompt.ChatTemplate, cm einoModel.BaseChatModel) (*Chain, error) {
	if cm == nil {
		return nil, fmt.Errorf("chain %s: chat model is nil", name)
	}

	runnable, err := compose.NewChain[map[string]any, string]().
		AppendChatTemplate(tpl).
		AppendChatModel(cm).
		AppendLambda(compose.InvokableLambda(parseContent)).
		Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile chain %s: %w", name, err)
	}
	return &Chain{name: name, runnable: runnable}, nil
}

func parseContent(_ context.Context, msg *schema.Message) (string, error) {
	if msg == nil {
		return "", errors.New("model returned no message")
	}
	return msg.Content, nil
}

func (c *Chain) Name() string {
	return c.name
}

func (c *Chain) Invoke(ctx context.Context, input string) (string, error) {
	return c.InvokeVars(ctx, map[string]any{inputKey: input})
}

// InvokeWithHistory 供带 chat_history 占位符的链使用
func (c *Chain) InvokeWithHistory(ctx context.Context, history []*schema.Message, input string) (string, error) {
	return c.InvokeVars(ctx, map[string]any{
		inputKey:   input,
		historyKey: history,
	})
}

func (c *Chain) InvokeVars(ctx context.Context, vars map[string]any) (string, error) {
	out, err := c.runnable.Invoke(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("%s chain: %w", c.name, err)
	}
	logger.Debugf("%s chain output: %d bytes", c.name, len(out))
	return out, nil
}

// ModelFunc 为一条链创建模型，通常是 model.NewChatModel 的闭包
type ModelFunc func(ctx context.Context, c config.ChainConfig) (einoModel.BaseChatModel, error)

// Builder 按配置为每条链创建模型并组装链
type Builder struct {
	models  ModelFunc
	chains  config.ChainsConfig
	partner string
}

func NewBuilder(models ModelFunc, chains config.ChainsConfig, partnerName string) *Builder {
	if partnerName == "" {
		partnerName = "Lang"
	}
	return &Builder{models: models, chains: chains, partner: partnerName}
}

func (b *Builder) PartnerName() string {
	return b.partner
}

func (b *Builder) build(ctx context.Context, name string, c config.ChainConfig, tpl prompt.ChatTemplate) (*Chain, error) {
	cm, err := b.models(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("create model for %s chain: %w", name, err)
	}
	return New(ctx, name, tpl, cm)
}

// Contextualizer 结合历史把输入改写为独立的一句话
func (b *Builder) Contextualizer(ctx context.Context) (*Chain, error) {
	tpl := prompt.FromMessages(schema.FString,
		schema.SystemMessage(contextualizerPrompt),
		schema.MessagesPlaceholder(historyKey, true),
		schema.UserMessage("{input}"),
	)
	return b.build(ctx, "contextualizer", b.chains.Contextualizer, tpl)
}

// Tandem 以字表为上下文的对话伙伴
func (b *Builder) Tandem(ctx context.Context, characterList string) (*Chain, error) {
	system := fmt.Sprintf(tandemCharactersPrompt, escapeTemplate(b.partner), escapeTemplate(characterList))
	tpl := prompt.FromMessages(schema.FString,
		schema.SystemMessage(system),
		schema.UserMessage("{input}"),
	)
	return b.build(ctx, "tandem", b.chains.Tandem, tpl)
}

// Story 以短故事为上下文提问阅读理解
func (b *Builder) Story(ctx context.Context, stories string) (*Chain, error) {
	system := fmt.Sprintf(tandemStoryPrompt, escapeTemplate(b.partner), escapeTemplate(stories))
	tpl := prompt.FromMessages(schema.FString,
		schema.SystemMessage(system),
		schema.UserMessage("{input}"),
	)
	return b.build(ctx, "story", b.chains.Tandem, tpl)
}

// Converter 输出 繁体 --- 拼音 --- 英文 三段格式
func (b *Builder) Converter(ctx context.Context) (*Chain, error) {
	tpl := prompt.FromMessages(schema.FString,
		schema.SystemMessage(converterPrompt),
		schema.UserMessage("{input}"),
	)
	return b.build(ctx, "converter", b.chains.Converter, tpl)
}

// Selector 从检索到的词条中挑选与话题相关的字，调用时传入 context 与 input
func (b *Builder) Selector(ctx context.Context) (*Chain, error) {
	tpl := prompt.FromMessages(schema.FString,
		schema.UserMessage(selectorPrompt),
	)
	return b.build(ctx, "selector", b.chains.Selector, tpl)
}

// Partner 组装 对话伙伴 -> 转换器 的管线
func (b *Builder) Partner(ctx context.Context, mode, contextText string) (pipeline.Stage, error) {
	var (
		responder *Chain
		err       error
	)
	if mode == "story" {
		responder, err = b.Story(ctx, contextText)
	} else {
		responder, err = b.Tandem(ctx, contextText)
	}
	if err != nil {
		return nil, err
	}

	converter, err := b.Converter(ctx)
	if err != nil {
		return nil, err
	}
	return pipeline.Compose(responder, converter), nil
}

// SelectorVars 组装 Selector 调用所需变量
func SelectorVars(topic, documents string) map[string]any {
	return map[string]any{
		inputKey:   topic,
		contextKey: documents,
	}
}
