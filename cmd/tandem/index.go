package main

import (
	"context"
	"fmt"
	"os"

	"tandem-backend/internal/config"
	"tandem-backend/internal/model"
	"tandem-backend/internal/retrieval"
	"tandem-backend/pkg/logger"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/spf13/cobra"
)

var (
	indexInput string
	indexReset bool
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build the character index from the 3000 traditional hanzi TSV",
	RunE:  runIndex,
}

func init() {
	indexCmd.Flags().StringVarP(&indexInput, "input", "i", "data/3000-traditional-hanzi.tsv", "字表 TSV 路径")
	indexCmd.Flags().BoolVar(&indexReset, "reset", false, "导入前清空集合")
}

func runIndex(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	if cfg.OpenAI.APIKey == "" {
		return fmt.Errorf("embeddings need an OpenAI key (set OPENAI_API_KEY)")
	}

	embedder := model.NewOpenAIEmbedder(model.NewOpenAIClient(cfg.OpenAI), cfg.OpenAI.EmbeddingModel)
	n, err := buildIndex(cmd.Context(), embedder, indexInput, cfg.Retrieval, indexReset)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d entries into %s (%s)\n", n, cfg.Retrieval.Collection, cfg.Retrieval.DBPath)
	return nil
}

func buildIndex(ctx context.Context, embedder embedding.Embedder, input string, c config.RetrievalConfig, reset bool) (int, error) {
	f, err := os.Open(input)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", input, err)
	}
	defer f.Close()

	entries, err := retrieval.ParseTSV(f)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, fmt.Errorf("no entries in %s", input)
	}

	store, err := retrieval.OpenStore(c.DBPath, true)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	if reset {
		if err := store.DeleteCollection(ctx, c.Collection); err != nil {
			return 0, err
		}
	}

	logger.Infof("Indexing %d entries from %s", len(entries), input)
	ids, err := retrieval.NewIndexer(store, embedder, c.Collection, c.BatchSize).
		Store(ctx, retrieval.Documents(c.Collection, entries))
	return len(ids), err
}
