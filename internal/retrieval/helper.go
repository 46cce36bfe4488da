// Package retrieval 维护汉字向量索引，并按话题挑选练习用字
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"tandem-backend/internal/chain"

	"github.com/cloudwego/eino/components/retriever"
)

// Selector 把检索结果整理成字表，通常是 chain.Builder.Selector 的结果
type Selector interface {
	InvokeVars(ctx context.Context, vars map[string]any) (string, error)
}

type Helper struct {
	retriever retriever.Retriever
	selector  Selector
}

func NewHelper(r retriever.Retriever, s Selector) *Helper {
	return &Helper{retriever: r, selector: s}
}

// CharacterList 为话题挑选最多 10 个字，格式为每行 漢字(pīnyīn) - English
func (h *Helper) CharacterList(ctx context.Context, topic string) (string, error) {
	docs, err := h.retriever.Retrieve(ctx, topic)
	if err != nil {
		return "", fmt.Errorf("retrieve characters for %q: %w", topic, err)
	}
	if len(docs) == 0 {
		return "", fmt.Errorf("%w: no documents for %q", ErrIndexNotFound, topic)
	}

	contents := make([]string, len(docs))
	for i, d := range docs {
		contents[i] = d.Content
	}

	list, err := h.selector.InvokeVars(ctx, chain.SelectorVars(topic, strings.Join(contents, "\n\n")))
	if err != nil {
		return "", fmt.Errorf("select characters for %q: %w", topic, err)
	}
	return strings.TrimSpace(list), nil
}
