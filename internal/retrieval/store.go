package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/cloudwego/eino/schema"
	_ "modernc.org/sqlite"
)

// ErrIndexNotFound 索引文件不存在或集合为空
var ErrIndexNotFound = errors.New("character index not found")

const createDocumentsSQL = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	content    TEXT NOT NULL,
	metadata   TEXT,
	embedding  TEXT NOT NULL,
	PRIMARY KEY (collection, id)
)`

// Store 基于 sqlite 的向量集合，向量以 JSON 存储，查询时全量计算余弦相似度
type Store struct {
	db *sql.DB
}

// OpenStore 打开索引库；create 为 false 时文件必须已存在
func OpenStore(path string, create bool) (*Store, error) {
	if create {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create index directory: %w", err)
			}
		}
	} else if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, path)
		}
		return nil, fmt.Errorf("stat index: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("index ping failed: %w", err)
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createDocumentsSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert 写入文档及其向量，同 id 覆盖
func (s *Store) Upsert(ctx context.Context, collection string, docs []*schema.Document, vectors [][]float64) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("upsert: %d documents but %d vectors", len(docs), len(vectors))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO documents (collection, id, content, metadata, embedding) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, doc := range docs {
		vec, err := json.Marshal(vectors[i])
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		var meta []byte
		if len(doc.MetaData) > 0 {
			if meta, err = json.Marshal(doc.MetaData); err != nil {
				return fmt.Errorf("encode metadata: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx, collection, doc.ID, doc.Content, string(meta), string(vec)); err != nil {
			return fmt.Errorf("insert document %s: %w", doc.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection = ?`, collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteCollection(ctx context.Context, collection string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	return nil
}

// Search 返回与 query 最相近的 k 个文档，分数写入 Document.Score
func (s *Store) Search(ctx context.Context, collection string, query []float64, k int, minScore float64) ([]*schema.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, metadata, embedding FROM documents WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	type scored struct {
		doc   *schema.Document
		score float64
	}
	var results []scored
	for rows.Next() {
		var (
			id, content, embedding string
			metadata               sql.NullString
		)
		if err := rows.Scan(&id, &content, &metadata, &embedding); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		var vec []float64
		if err := json.Unmarshal([]byte(embedding), &vec); err != nil {
			return nil, fmt.Errorf("decode embedding of %s: %w", id, err)
		}
		score := cosine(query, vec)
		if score < minScore {
			continue
		}

		doc := &schema.Document{ID: id, Content: content}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &doc.MetaData); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", id, err)
			}
		}
		results = append(results, scored{doc: doc, score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })
	if k > 0 && len(results) > k {
		results = results[:k]
	}

	docs := make([]*schema.Document, len(results))
	for i, r := range results {
		docs[i] = r.doc.WithScore(r.score)
	}
	return docs, nil
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
