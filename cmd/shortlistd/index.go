package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/knoguchi/shortlist/internal/config"
	"github.com/knoguchi/shortlist/internal/corpus"
	"github.com/knoguchi/shortlist/internal/embedder"
	"github.com/knoguchi/shortlist/internal/retrieval"
	"github.com/knoguchi/shortlist/internal/vectorstore"
)

const indexBatchSize = 32

func newIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Embed the notes corpus into the vector store for the dense arc",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			docs, err := corpus.NewLoader(cfg.CorpusDir).Load()
			if err != nil {
				return fmt.Errorf("failed to load corpus: %w", err)
			}

			store, err := vectorstore.NewQdrantStore(cfg.QdrantGRPCURL, cfg.QdrantCollection)
			if err != nil {
				return fmt.Errorf("failed to connect to Qdrant: %w", err)
			}
			defer closeQuietly(store)

			emb := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
				BaseURL: cfg.OllamaURL,
				Model:   cfg.OllamaEmbeddingModel,
			})

			n, err := indexDocuments(cmd.Context(), docs, emb, store)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "indexed %d notes into %s\n", n, store.Collection())
			return err
		},
	}
}

// indexDocuments embeds docs in batches and upserts them. Notes with an empty
// body are skipped.
func indexDocuments(ctx context.Context, docs []retrieval.Document, emb embedder.Embedder, store vectorstore.VectorStore) (int, error) {
	if err := store.EnsureCollection(ctx, emb.Dimension()); err != nil {
		return 0, err
	}

	var batch []retrieval.Document
	indexed := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		texts := make([]string, len(batch))
		for i, d := range batch {
			texts[i] = d.Text
		}
		vectors, err := emb.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to embed batch: %w", err)
		}
		points := make([]vectorstore.Point, len(batch))
		for i, d := range batch {
			points[i] = vectorstore.Point{ID: d.ID, Text: d.Text, Vector: vectors[i], Metadata: d.Metadata}
		}
		if err := store.Upsert(ctx, points); err != nil {
			return err
		}
		indexed += len(batch)
		slog.Info("indexed batch", "count", len(batch), "total", indexed)
		batch = batch[:0]
		return nil
	}

	for _, d := range docs {
		if d.Text == "" {
			continue
		}
		batch = append(batch, d)
		if len(batch) == indexBatchSize {
			if err := flush(); err != nil {
				return indexed, err
			}
		}
	}
	if err := flush(); err != nil {
		return indexed, err
	}
	return indexed, nil
}
