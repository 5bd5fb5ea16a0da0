// Package retrieval implements the context store: retrievable text chunks
// with embeddings, written by the reconciliation engine and queried by
// prompt-building callers.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mohammad-safakhou/marketstate/internal/embedding"
	"github.com/mohammad-safakhou/marketstate/internal/similarity"
	"github.com/mohammad-safakhou/marketstate/internal/store"
)

var queriesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "marketstate_retrieval_queries_total",
	Help: "Context store similarity queries served.",
})

// DefaultTopK bounds query results when the caller does not ask for a count.
const DefaultTopK = 6

// chunkStore is the slice of the persistence layer the context store needs.
type chunkStore interface {
	UpsertChunks(ctx context.Context, records []store.ChunkRecord) error
	ListChunks(ctx context.Context, ticker string) ([]store.ChunkRecord, error)
}

// Input is one chunk to be embedded and stored.
type Input struct {
	ChunkKey string
	Ticker   string
	Layer    string
	SourceID string
	Text     string
}

// Chunk is a retrieval hit. Embeddings stay internal.
type Chunk struct {
	Layer     string    `json:"layer"`
	SourceID  string    `json:"source_id"`
	Text      string    `json:"text"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Store embeds and persists context chunks and serves top-k cosine retrieval
// scoped to a single ticker.
type Store struct {
	chunks   chunkStore
	embedder embedding.Provider
	logger   *log.Logger
}

// NewStore builds a context store over the given chunk persistence and
// embedding provider.
func NewStore(chunks chunkStore, embedder embedding.Provider, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags)
	}
	return &Store{chunks: chunks, embedder: embedder, logger: logger}
}

// Upsert embeds a single chunk and writes it, overwriting any chunk with the
// same chunk_key.
func (s *Store) Upsert(ctx context.Context, in Input) error {
	return s.UpsertBatch(ctx, []Input{in})
}

// UpsertBatch embeds a set of chunks in one provider call and commits them as
// one batch, so readers never observe a partially refreshed chunk set.
func (s *Store) UpsertBatch(ctx context.Context, ins []Input) error {
	if len(ins) == 0 {
		return nil
	}
	texts := make([]string, len(ins))
	for i, in := range ins {
		if in.ChunkKey == "" {
			return fmt.Errorf("chunk_key required")
		}
		if in.Ticker == "" {
			return fmt.Errorf("ticker required for chunk %s", in.ChunkKey)
		}
		texts[i] = in.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(ins) {
		return fmt.Errorf("embed chunks: expected %d vectors, got %d", len(ins), len(vectors))
	}
	records := make([]store.ChunkRecord, len(ins))
	for i, in := range ins {
		records[i] = store.ChunkRecord{
			ChunkKey:  in.ChunkKey,
			Ticker:    in.Ticker,
			Layer:     in.Layer,
			SourceID:  in.SourceID,
			Text:      in.Text,
			Embedding: vectors[i],
		}
	}
	if err := s.chunks.UpsertChunks(ctx, records); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}
	return nil
}

// Query embeds the query text, scores every chunk belonging to the ticker by
// cosine similarity and returns at most topK chunks, best first. Ties keep
// storage order (stable sort).
func (s *Store) Query(ctx context.Context, ticker, queryText string, topK int) ([]Chunk, error) {
	if ticker == "" {
		return nil, fmt.Errorf("ticker required")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	queriesTotal.Inc()

	vectors, err := s.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embed query: provider returned no vectors")
	}
	queryVec := vectors[0]

	records, err := s.chunks.ListChunks(ctx, ticker)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	hits := make([]Chunk, 0, len(records))
	for _, rec := range records {
		hits = append(hits, Chunk{
			Layer:     rec.Layer,
			SourceID:  rec.SourceID,
			Text:      rec.Text,
			Score:     similarity.Cosine(queryVec, rec.Embedding),
			CreatedAt: rec.CreatedAt,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}
