package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

type Store struct {
	DB *sql.DB
}

// Event statuses persisted in state_events.
const (
	EventStatusOpen   = "open"
	EventStatusClosed = "closed"
)

// Chunk layers persisted in vector_chunks.
const (
	ChunkLayerProfile = "profile"
	ChunkLayerState   = "state"
	ChunkLayerEvent   = "event"
)

// StateEventRecord is one tracked market-moving event for a ticker. The
// (ticker, event_type, source_id) triple is unique and acts as the
// idempotency key.
type StateEventRecord struct {
	ID          string     `json:"id"`
	Ticker      string     `json:"ticker"`
	EventType   string     `json:"event_type"`
	Status      string     `json:"status"`
	Severity    string     `json:"severity"`
	ImpactScore float64    `json:"impact_score"`
	Horizon     string     `json:"horizon"`
	Summary     string     `json:"summary"`
	SourceID    string     `json:"source_id"`
	StartTS     time.Time  `json:"start_ts"`
	EndTS       *time.Time `json:"end_ts,omitempty"`
	Confidence  float64    `json:"confidence"`
	Evidence    string     `json:"evidence"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ChunkRecord is one retrievable context chunk with its embedding vector.
type ChunkRecord struct {
	ChunkKey  string
	Ticker    string
	Layer     string
	SourceID  string
	Text      string
	Embedding []float32
	CreatedAt time.Time
}

// SnapshotRecord holds the serialized derived state for one ticker.
type SnapshotRecord struct {
	Ticker    string
	StateBlob []byte
	UpdatedAt time.Time
}

// New constructs the Store from DATABASE_URL / POSTGRES_* environment variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// Event operations

// GetEventByKey fetches the event identified by the idempotency key
// (ticker, event_type, source_id). The bool reports whether a row exists.
func (s *Store) GetEventByKey(ctx context.Context, ticker, eventType, sourceID string) (StateEventRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, ticker, event_type, status, severity, impact_score, horizon, summary, source_id, start_ts, end_ts, confidence, evidence, created_at
FROM state_events
WHERE ticker=$1 AND event_type=$2 AND source_id=$3
`, ticker, eventType, sourceID)
	rec, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StateEventRecord{}, false, nil
		}
		return StateEventRecord{}, false, err
	}
	return rec, true, nil
}

// ListOpenEvents returns a ticker's open events in storage order (creation
// order). The reconciliation match scan depends on this ordering.
func (s *Store) ListOpenEvents(ctx context.Context, ticker string) ([]StateEventRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, ticker, event_type, status, severity, impact_score, horizon, summary, source_id, start_ts, end_ts, confidence, evidence, created_at
FROM state_events
WHERE ticker=$1 AND status=$2
ORDER BY created_at, id
`, ticker, EventStatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListRecentEvents returns up to limit events for the ticker, most recently
// created first.
func (s *Store) ListRecentEvents(ctx context.Context, ticker string, limit int) ([]StateEventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, ticker, event_type, status, severity, impact_score, horizon, summary, source_id, start_ts, end_ts, confidence, evidence, created_at
FROM state_events
WHERE ticker=$1
ORDER BY created_at DESC, id DESC
LIMIT $2
`, ticker, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// InsertEvent persists a new tracked event, assigning its id. The unique
// guard index rejects duplicates of the idempotency key.
func (s *Store) InsertEvent(ctx context.Context, rec StateEventRecord) (StateEventRecord, error) {
	if rec.Ticker == "" {
		return StateEventRecord{}, fmt.Errorf("ticker required")
	}
	if rec.EventType == "" {
		return StateEventRecord{}, fmt.Errorf("event_type required")
	}
	if rec.SourceID == "" {
		return StateEventRecord{}, fmt.Errorf("source_id required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var endTS sql.NullTime
	if rec.EndTS != nil && !rec.EndTS.IsZero() {
		endTS = sql.NullTime{Time: rec.EndTS.UTC(), Valid: true}
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO state_events (id, ticker, event_type, status, severity, impact_score, horizon, summary, source_id, start_ts, end_ts, confidence, evidence, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NOW())
RETURNING created_at
`, rec.ID, rec.Ticker, rec.EventType, rec.Status, rec.Severity, rec.ImpactScore, rec.Horizon, rec.Summary, rec.SourceID, rec.StartTS.UTC(), endTS, rec.Confidence, rec.Evidence)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		return StateEventRecord{}, err
	}
	return rec, nil
}

// UpdateEventAssessment overwrites the mutable assessment fields of an open
// event in place (the merge path of the reconciliation engine).
func (s *Store) UpdateEventAssessment(ctx context.Context, id string, severity string, impactScore float64, horizon, summary string, confidence float64, evidence string, startTS time.Time) error {
	if id == "" {
		return fmt.Errorf("event id required")
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE state_events
SET severity=$1, impact_score=$2, horizon=$3, summary=$4, confidence=$5, evidence=$6, start_ts=$7
WHERE id=$8
`, severity, impactScore, horizon, summary, confidence, evidence, startTS.UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("event %s not found", id)
	}
	return nil
}

// CloseEvent transitions an event to closed, recording its end timestamp.
// Closed is terminal; callers never reopen.
func (s *Store) CloseEvent(ctx context.Context, id string, endTS time.Time) error {
	if id == "" {
		return fmt.Errorf("event id required")
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE state_events
SET status=$1, end_ts=$2
WHERE id=$3
`, EventStatusClosed, endTS.UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("event %s not found", id)
	}
	return nil
}

// CountEventsByTicker reports how many events exist for a ticker.
func (s *Store) CountEventsByTicker(ctx context.Context, ticker string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM state_events WHERE ticker=$1`, ticker).Scan(&n)
	return n, err
}

// Snapshot operations

// UpsertSnapshot replaces the derived snapshot blob for a ticker.
func (s *Store) UpsertSnapshot(ctx context.Context, ticker string, blob []byte) error {
	if ticker == "" {
		return fmt.Errorf("ticker required")
	}
	if len(blob) == 0 {
		return fmt.Errorf("snapshot blob required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO state_snapshot (ticker, state_blob, updated_at)
VALUES ($1,$2,NOW())
ON CONFLICT (ticker) DO UPDATE SET
  state_blob = EXCLUDED.state_blob,
  updated_at = NOW();
`, ticker, blob)
	return err
}

// GetSnapshot fetches the snapshot blob for a ticker. The bool reports
// whether a snapshot exists.
func (s *Store) GetSnapshot(ctx context.Context, ticker string) (SnapshotRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT ticker, state_blob, updated_at
FROM state_snapshot
WHERE ticker=$1
`, ticker)
	var rec SnapshotRecord
	if err := row.Scan(&rec.Ticker, &rec.StateBlob, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SnapshotRecord{}, false, nil
		}
		return SnapshotRecord{}, false, err
	}
	return rec, true, nil
}

// Chunk operations

// UpsertChunk stores or overwrites a single context chunk keyed by chunk_key.
func (s *Store) UpsertChunk(ctx context.Context, rec ChunkRecord) error {
	return s.UpsertChunks(ctx, []ChunkRecord{rec})
}

// UpsertChunks writes a batch of context chunks inside one transaction so a
// reader never observes a half-refreshed chunk set for a ticker.
func (s *Store) UpsertChunks(ctx context.Context, records []ChunkRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO vector_chunks (chunk_key, ticker, layer, source_id, text, embedding, created_at)
VALUES ($1,$2,$3,$4,$5,$6::vector,NOW())
ON CONFLICT (chunk_key) DO UPDATE SET
  text = EXCLUDED.text,
  embedding = EXCLUDED.embedding,
  created_at = NOW();
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, rec := range records {
		if rec.ChunkKey == "" {
			err = fmt.Errorf("chunk_key required")
			return err
		}
		if rec.Ticker == "" {
			err = fmt.Errorf("ticker required for chunk %s", rec.ChunkKey)
			return err
		}
		vectorLiteral, verr := encodeVectorLiteral(rec.Embedding)
		if verr != nil {
			err = verr
			return err
		}
		if _, err = stmt.ExecContext(ctx, rec.ChunkKey, rec.Ticker, rec.Layer, rec.SourceID, rec.Text, vectorLiteral); err != nil {
			return err
		}
	}
	return nil
}

// ListChunks returns all chunks belonging to one ticker in storage order.
// Embedding vectors are decoded from their pgvector literals.
func (s *Store) ListChunks(ctx context.Context, ticker string) ([]ChunkRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT chunk_key, ticker, layer, source_id, text, embedding::text, created_at
FROM vector_chunks
WHERE ticker=$1
ORDER BY created_at, chunk_key
`, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChunkRecord
	for rows.Next() {
		var (
			rec          ChunkRecord
			embeddingLit string
		)
		if err := rows.Scan(&rec.ChunkKey, &rec.Ticker, &rec.Layer, &rec.SourceID, &rec.Text, &embeddingLit, &rec.CreatedAt); err != nil {
			return nil, err
		}
		vec, err := decodeVectorLiteral(embeddingLit)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", rec.ChunkKey, err)
		}
		rec.Embedding = vec
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanEvent(row *sql.Row) (StateEventRecord, error) {
	var rec StateEventRecord
	var endTS sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Ticker, &rec.EventType, &rec.Status, &rec.Severity, &rec.ImpactScore, &rec.Horizon, &rec.Summary, &rec.SourceID, &rec.StartTS, &endTS, &rec.Confidence, &rec.Evidence, &rec.CreatedAt); err != nil {
		return StateEventRecord{}, err
	}
	if endTS.Valid {
		t := endTS.Time
		rec.EndTS = &t
	}
	return rec, nil
}

func collectEvents(rows *sql.Rows) ([]StateEventRecord, error) {
	var out []StateEventRecord
	for rows.Next() {
		var rec StateEventRecord
		var endTS sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Ticker, &rec.EventType, &rec.Status, &rec.Severity, &rec.ImpactScore, &rec.Horizon, &rec.Summary, &rec.SourceID, &rec.StartTS, &endTS, &rec.Confidence, &rec.Evidence, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if endTS.Valid {
			t := endTS.Time
			rec.EndTS = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	parts := strings.Split(lit, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector value %q: %w", value, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}
