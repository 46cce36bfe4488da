package retrieval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"tandem-backend/pkg/logger"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/indexer"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

// Entry 3000 常用繁体字表中的一行
type Entry struct {
	Character        string
	Pinyin           string
	Meaning          string
	Vocabulary       string
	VocabularyPinyin string
}

// 原始 TSV 中需要的列
const (
	colCharacter        = 0
	colPinyin           = 4
	colMeaning          = 6
	colVocabulary       = 7
	colVocabularyPinyin = 8
)

func (e Entry) Content() string {
	return strings.Join([]string{e.Character, e.Pinyin, e.Meaning, e.Vocabulary, e.VocabularyPinyin}, "\t")
}

// ParseTSV 读取字表，列数不足的行会被跳过并记录日志
func ParseTSV(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		cols := strings.Split(text, "\t")
		if len(cols) <= colVocabularyPinyin {
			logger.Warnf("skip line %d: expected at least %d columns, got %d", line, colVocabularyPinyin+1, len(cols))
			continue
		}
		entries = append(entries, Entry{
			Character:        strings.TrimSpace(cols[colCharacter]),
			Pinyin:           strings.TrimSpace(cols[colPinyin]),
			Meaning:          strings.TrimSpace(cols[colMeaning]),
			Vocabulary:       strings.TrimSpace(cols[colVocabulary]),
			VocabularyPinyin: strings.TrimSpace(cols[colVocabularyPinyin]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read tsv: %w", err)
	}
	return entries, nil
}

// Documents 每个字一条文档，id 由集合名和内容决定，重复导入会覆盖
func Documents(collection string, entries []Entry) []*schema.Document {
	docs := make([]*schema.Document, 0, len(entries))
	for _, e := range entries {
		content := e.Content()
		docs = append(docs, &schema.Document{
			ID:      uuid.NewSHA1(uuid.NameSpaceOID, []byte(collection+"\x00"+content)).String(),
			Content: content,
			MetaData: map[string]any{
				"character": e.Character,
				"pinyin":    e.Pinyin,
			},
		})
	}
	return docs
}

// Indexer 分批计算向量并写入集合，实现 eino indexer.Indexer
type Indexer struct {
	store      *Store
	embedder   embedding.Embedder
	collection string
	batchSize  int
}

var _ indexer.Indexer = (*Indexer)(nil)

func NewIndexer(store *Store, embedder embedding.Embedder, collection string, batchSize int) *Indexer {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Indexer{store: store, embedder: embedder, collection: collection, batchSize: batchSize}
}

func (ix *Indexer) Store(ctx context.Context, docs []*schema.Document, opts ...indexer.Option) ([]string, error) {
	options := indexer.GetCommonOptions(&indexer.Options{Embedding: ix.embedder}, opts...)

	ids := make([]string, 0, len(docs))
	for start := 0; start < len(docs); start += ix.batchSize {
		end := start + ix.batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]

		texts := make([]string, len(batch))
		for i, d := range batch {
			texts[i] = d.Content
		}
		vectors, err := options.Embedding.EmbedStrings(ctx, texts)
		if err != nil {
			return ids, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		if err := ix.store.Upsert(ctx, ix.collection, batch, vectors); err != nil {
			return ids, err
		}
		for _, d := range batch {
			ids = append(ids, d.ID)
		}
		logger.Infof("indexed %d/%d documents into %s", end, len(docs), ix.collection)
	}
	return ids, nil
}
