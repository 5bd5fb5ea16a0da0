package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestUpsertChunksBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	records := []ChunkRecord{
		{
			ChunkKey:  "event:evt-1",
			Ticker:    "AAPL",
			Layer:     ChunkLayerEvent,
			SourceID:  "event_evt-1",
			Text:      "Company issues new guidance. press release",
			Embedding: []float32{0.1, 0.2},
		},
		{
			ChunkKey:  "snapshot:AAPL",
			Ticker:    "AAPL",
			Layer:     ChunkLayerState,
			SourceID:  "snapshot",
			Text:      `{"ticker":"AAPL"}`,
			Embedding: []float32{0.3, 0.4},
		},
	}

	mock.ExpectBegin()
	insertQuery := regexp.QuoteMeta(`
INSERT INTO vector_chunks (chunk_key, ticker, layer, source_id, text, embedding, created_at)
VALUES ($1,$2,$3,$4,$5,$6::vector,NOW())
ON CONFLICT (chunk_key) DO UPDATE SET
  text = EXCLUDED.text,
  embedding = EXCLUDED.embedding,
  created_at = NOW();
`)
	prep := mock.ExpectPrepare(insertQuery)
	prep.ExpectExec().
		WithArgs("event:evt-1", "AAPL", ChunkLayerEvent, "event_evt-1", records[0].Text, "[0.1,0.2]").
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs("snapshot:AAPL", "AAPL", ChunkLayerState, "snapshot", records[1].Text, "[0.3,0.4]").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.UpsertChunks(context.Background(), records); err != nil {
		t.Fatalf("UpsertChunks: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertChunksRollsBackOnEmptyVector(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO vector_chunks`)
	mock.ExpectRollback()

	err = st.UpsertChunks(context.Background(), []ChunkRecord{
		{ChunkKey: "event:evt-1", Ticker: "AAPL", Layer: ChunkLayerEvent},
	})
	if err == nil {
		t.Fatalf("expected error for empty embedding")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListChunksDecodesEmbeddings(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now().UTC()
	columns := []string{"chunk_key", "ticker", "layer", "source_id", "text", "embedding", "created_at"}
	mock.ExpectQuery(`SELECT chunk_key, ticker, layer, source_id, text, embedding::text, created_at`).
		WithArgs("AAPL").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("profile:AAPL", "AAPL", ChunkLayerProfile, "AAPL", "Apple designs consumer electronics", "[0.5,0.25]", now))

	chunks, err := st.ListChunks(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected one chunk, got %d", len(chunks))
	}
	got := chunks[0].Embedding
	if len(got) != 2 || got[0] != 0.5 || got[1] != 0.25 {
		t.Fatalf("unexpected embedding: %v", got)
	}
}

func TestUpsertSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
INSERT INTO state_snapshot (ticker, state_blob, updated_at)
VALUES ($1,$2,NOW())
ON CONFLICT (ticker) DO UPDATE SET
  state_blob = EXCLUDED.state_blob,
  updated_at = NOW();
`)
	mock.ExpectExec(query).
		WithArgs("AAPL", []byte(`{"ticker":"AAPL"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.UpsertSnapshot(context.Background(), "AAPL", []byte(`{"ticker":"AAPL"}`)); err != nil {
		t.Fatalf("UpsertSnapshot: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestVectorLiteralRoundTrip(t *testing.T) {
	lit, err := encodeVectorLiteral([]float32{0.25, -1, 0.125})
	if err != nil {
		t.Fatalf("encodeVectorLiteral: %v", err)
	}
	if lit != "[0.25,-1,0.125]" {
		t.Fatalf("unexpected literal: %s", lit)
	}
	vec, err := decodeVectorLiteral(lit)
	if err != nil {
		t.Fatalf("decodeVectorLiteral: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.25 || vec[1] != -1 || vec[2] != 0.125 {
		t.Fatalf("round trip mismatch: %v", vec)
	}
	if _, err := encodeVectorLiteral(nil); err == nil {
		t.Fatalf("expected error for empty vector")
	}
}
