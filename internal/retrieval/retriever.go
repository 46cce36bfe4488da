package retrieval

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
)

const DefaultTopK = 10

// Retriever 在一个集合中做向量检索，实现 eino retriever.Retriever
type Retriever struct {
	store      *Store
	embedder   embedding.Embedder
	collection string
	topK       int
}

var _ retriever.Retriever = (*Retriever)(nil)

func NewRetriever(store *Store, embedder embedding.Embedder, collection string, topK int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{store: store, embedder: embedder, collection: collection, topK: topK}
}

func (r *Retriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	topK := r.topK
	collection := r.collection
	minScore := -1.0
	options := retriever.GetCommonOptions(&retriever.Options{
		TopK:           &topK,
		Index:          &collection,
		ScoreThreshold: &minScore,
		Embedding:      r.embedder,
	}, opts...)

	n, err := r.store.Count(ctx, *options.Index)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: collection %q is empty", ErrIndexNotFound, *options.Index)
	}

	vectors, err := options.Embedding.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: expected 1 vector, got %d", len(vectors))
	}

	return r.store.Search(ctx, *options.Index, vectors[0], *options.TopK, *options.ScoreThreshold)
}
