// Package reconcile implements the state reconciliation engine: it folds
// validated impact assessments into the per-ticker ledger of open/closed
// events and keeps the derived snapshot and context chunks in sync.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/marketstate/config"
	"github.com/mohammad-safakhou/marketstate/internal/retrieval"
	"github.com/mohammad-safakhou/marketstate/internal/similarity"
	"github.com/mohammad-safakhou/marketstate/internal/store"
)

// Status is the outcome of one ApplyUpdate call.
type Status string

const (
	// StatusIgnored: the assessment carried no new information; nothing ran.
	StatusIgnored Status = "ignored"
	// StatusIdempotent: this (ticker, event_type, source_id) was already applied.
	StatusIdempotent Status = "idempotent"
	// StatusInserted: a new open event was created.
	StatusInserted Status = "inserted"
	// StatusUpdated: an existing open event was refreshed in place.
	StatusUpdated Status = "updated"
	// StatusClosed: a closing signal closed the matched event (if any) and
	// recorded a closed audit row.
	StatusClosed Status = "closed"
)

// ContradictionConflictsWithState marks an assessment that contradicts the
// currently tracked state; it forces the closure path.
const ContradictionConflictsWithState = "conflicts_with_state"

// closureTerms are the lexical markers that make an assessment a closing
// signal when present in its summary.
var closureTerms = []string{"resolved", "settled", "closed", "withdrawn", "ended"}

// Assessment is a schema-validated market impact assessment produced by the
// analysis collaborator. Validation happens upstream; the engine trusts it.
type Assessment struct {
	EventType          string   `json:"event_type"`
	IsNewInformation   bool     `json:"is_new_information"`
	Severity           string   `json:"severity"`
	ImpactScore        float64  `json:"impact_score"`
	Horizon            string   `json:"horizon"`
	Summary            string   `json:"summary"`
	Confidence         float64  `json:"confidence"`
	Evidence           string   `json:"evidence"`
	ContradictionFlags []string `json:"contradiction_flags"`
}

// Snapshot is the fully derived per-ticker read model. It is recomputed from
// the event ledger on every mutation, never edited by hand.
type Snapshot struct {
	Ticker          string      `json:"ticker"`
	OpenEvents      []OpenEvent `json:"open_events"`
	RecentCatalysts []Catalyst  `json:"recent_catalysts"`
	KeyRisks        []KeyRisk   `json:"key_risks"`
	LastUpdated     time.Time   `json:"last_updated"`
}

// OpenEvent is a snapshot entry for an event still in play.
type OpenEvent struct {
	EventType   string    `json:"event_type"`
	Summary     string    `json:"summary"`
	StartTS     time.Time `json:"start_ts"`
	Severity    string    `json:"severity"`
	ImpactScore float64   `json:"impact_score"`
	Horizon     string    `json:"horizon"`
	Confidence  float64   `json:"confidence"`
	SourceID    string    `json:"source_id"`
}

// Catalyst is a snapshot entry for a recently created event, open or closed.
type Catalyst struct {
	EventType   string    `json:"event_type"`
	Summary     string    `json:"summary"`
	Status      string    `json:"status"`
	ImpactScore float64   `json:"impact_score"`
	StartTS     time.Time `json:"start_ts"`
	SourceID    string    `json:"source_id"`
}

// KeyRisk is a snapshot entry for an open event flagged as risky: high
// severity or negative expected impact.
type KeyRisk struct {
	EventType   string  `json:"event_type"`
	Summary     string  `json:"summary"`
	Severity    string  `json:"severity"`
	ImpactScore float64 `json:"impact_score"`
	SourceID    string  `json:"source_id"`
}

// eventStore is the slice of the persistence layer the engine needs.
type eventStore interface {
	GetEventByKey(ctx context.Context, ticker, eventType, sourceID string) (store.StateEventRecord, bool, error)
	ListOpenEvents(ctx context.Context, ticker string) ([]store.StateEventRecord, error)
	ListRecentEvents(ctx context.Context, ticker string, limit int) ([]store.StateEventRecord, error)
	InsertEvent(ctx context.Context, rec store.StateEventRecord) (store.StateEventRecord, error)
	UpdateEventAssessment(ctx context.Context, id string, severity string, impactScore float64, horizon, summary string, confidence float64, evidence string, startTS time.Time) error
	CloseEvent(ctx context.Context, id string, endTS time.Time) error
	UpsertSnapshot(ctx context.Context, ticker string, blob []byte) error
}

// contextIndexer re-derives retrievable chunks after a mutation.
type contextIndexer interface {
	UpsertBatch(ctx context.Context, ins []retrieval.Input) error
}

// Engine applies impact assessments to the per-ticker event ledger. All
// mutating work for one ticker runs under that ticker's lock; different
// tickers proceed in parallel.
type Engine struct {
	store   eventStore
	context contextIndexer
	locks   TickerLocker
	cfg     config.ReconcileConfig
	logger  *log.Logger
}

// NewEngine builds a reconciliation engine.
func NewEngine(st eventStore, ctxStore contextIndexer, locks TickerLocker, cfg config.ReconcileConfig, logger *log.Logger) *Engine {
	if locks == nil {
		locks = NewMutexLocker()
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	return &Engine{
		store:   st,
		context: ctxStore,
		locks:   locks,
		cfg:     cfg.Normalize(),
		logger:  logger,
	}
}

// ApplyUpdate folds one assessment into the ticker's tracked state and
// reports what happened. Any returned error means the update did not commit;
// the ledger, snapshot and chunks stay as they were.
func (e *Engine) ApplyUpdate(ctx context.Context, ticker, sourceID string, publishedAt time.Time, a Assessment) (Status, error) {
	if ticker == "" {
		return "", fmt.Errorf("ticker required")
	}
	if sourceID == "" {
		return "", fmt.Errorf("source_id required")
	}
	if publishedAt.IsZero() {
		return "", fmt.Errorf("published_at required")
	}
	if !a.IsNewInformation {
		updatesTotal.WithLabelValues(string(StatusIgnored)).Inc()
		return StatusIgnored, nil
	}

	unlock, err := e.locks.Lock(ctx, ticker)
	if err != nil {
		return "", fmt.Errorf("acquire ticker lock: %w", err)
	}
	defer unlock()

	status, err := e.applyLocked(ctx, ticker, sourceID, publishedAt.UTC(), a)
	if err != nil {
		return "", err
	}
	updatesTotal.WithLabelValues(string(status)).Inc()
	return status, nil
}

func (e *Engine) applyLocked(ctx context.Context, ticker, sourceID string, publishedAt time.Time, a Assessment) (Status, error) {
	_, exists, err := e.store.GetEventByKey(ctx, ticker, a.EventType, sourceID)
	if err != nil {
		return "", fmt.Errorf("idempotency guard: %w", err)
	}
	if exists {
		return StatusIdempotent, nil
	}

	open, err := e.store.ListOpenEvents(ctx, ticker)
	if err != nil {
		return "", fmt.Errorf("list open events: %w", err)
	}
	matched := matchOpenEvent(open, a, e.cfg.SimilarityThreshold)

	if isClosingSignal(a) {
		if matched != nil {
			if err := e.store.CloseEvent(ctx, matched.ID, publishedAt); err != nil {
				return "", fmt.Errorf("close matched event: %w", err)
			}
			e.logger.Printf("closed %s event %s for %s", matched.EventType, matched.ID, ticker)
		}
		// The closing assessment always leaves a closed audit row, even when
		// nothing was open to close.
		endTS := publishedAt
		if _, err := e.store.InsertEvent(ctx, store.StateEventRecord{
			Ticker:      ticker,
			EventType:   a.EventType,
			Status:      store.EventStatusClosed,
			Severity:    a.Severity,
			ImpactScore: a.ImpactScore,
			Horizon:     a.Horizon,
			Summary:     a.Summary,
			SourceID:    sourceID,
			StartTS:     publishedAt,
			EndTS:       &endTS,
			Confidence:  a.Confidence,
			Evidence:    a.Evidence,
		}); err != nil {
			return "", fmt.Errorf("insert closed audit event: %w", err)
		}
		if err := e.rebuildSnapshot(ctx, ticker); err != nil {
			return "", err
		}
		return StatusClosed, nil
	}

	if matched != nil {
		fresher := a.Confidence > matched.Confidence || publishedAt.After(matched.StartTS)
		if fresher {
			if err := e.store.UpdateEventAssessment(ctx, matched.ID, a.Severity, a.ImpactScore, a.Horizon, a.Summary, a.Confidence, a.Evidence, publishedAt); err != nil {
				return "", fmt.Errorf("update matched event: %w", err)
			}
			if err := e.rebuildSnapshot(ctx, ticker); err != nil {
				return "", err
			}
			return StatusUpdated, nil
		}
	}

	if _, err := e.store.InsertEvent(ctx, store.StateEventRecord{
		Ticker:      ticker,
		EventType:   a.EventType,
		Status:      store.EventStatusOpen,
		Severity:    a.Severity,
		ImpactScore: a.ImpactScore,
		Horizon:     a.Horizon,
		Summary:     a.Summary,
		SourceID:    sourceID,
		StartTS:     publishedAt,
		Confidence:  a.Confidence,
		Evidence:    a.Evidence,
	}); err != nil {
		return "", fmt.Errorf("insert open event: %w", err)
	}
	if err := e.rebuildSnapshot(ctx, ticker); err != nil {
		return "", err
	}
	return StatusInserted, nil
}

// rebuildSnapshot recomputes the ticker's snapshot from the most recent
// events and refreshes that ticker's context chunks. It runs inside the same
// critical section as the mutation that triggered it.
func (e *Engine) rebuildSnapshot(ctx context.Context, ticker string) error {
	rows, err := e.store.ListRecentEvents(ctx, ticker, e.cfg.SnapshotWindow)
	if err != nil {
		return fmt.Errorf("list recent events: %w", err)
	}

	snap := BuildSnapshot(ticker, rows, e.cfg.RecentCatalysts, time.Now().UTC())
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := e.store.UpsertSnapshot(ctx, ticker, blob); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	inputs := make([]retrieval.Input, 0, len(rows)+1)
	for _, row := range rows {
		inputs = append(inputs, retrieval.Input{
			ChunkKey: "event:" + row.ID,
			Ticker:   ticker,
			Layer:    store.ChunkLayerEvent,
			SourceID: "event_" + row.ID,
			Text:     strings.TrimSpace(row.Summary + " " + row.Evidence),
		})
	}
	inputs = append(inputs, retrieval.Input{
		ChunkKey: "snapshot:" + ticker,
		Ticker:   ticker,
		Layer:    store.ChunkLayerState,
		SourceID: "snapshot",
		Text:     string(blob),
	})
	if err := e.context.UpsertBatch(ctx, inputs); err != nil {
		return fmt.Errorf("refresh context chunks: %w", err)
	}
	snapshotRebuildsTotal.Inc()
	return nil
}

// BuildSnapshot derives the snapshot read model from events ordered most
// recently created first.
func BuildSnapshot(ticker string, rows []store.StateEventRecord, maxCatalysts int, now time.Time) Snapshot {
	if maxCatalysts <= 0 {
		maxCatalysts = 10
	}
	snap := Snapshot{
		Ticker:          ticker,
		OpenEvents:      []OpenEvent{},
		RecentCatalysts: []Catalyst{},
		KeyRisks:        []KeyRisk{},
		LastUpdated:     now,
	}
	for _, row := range rows {
		if len(snap.RecentCatalysts) < maxCatalysts {
			snap.RecentCatalysts = append(snap.RecentCatalysts, Catalyst{
				EventType:   row.EventType,
				Summary:     row.Summary,
				Status:      row.Status,
				ImpactScore: row.ImpactScore,
				StartTS:     row.StartTS,
				SourceID:    row.SourceID,
			})
		}
		if row.Status != store.EventStatusOpen {
			continue
		}
		snap.OpenEvents = append(snap.OpenEvents, OpenEvent{
			EventType:   row.EventType,
			Summary:     row.Summary,
			StartTS:     row.StartTS,
			Severity:    row.Severity,
			ImpactScore: row.ImpactScore,
			Horizon:     row.Horizon,
			Confidence:  row.Confidence,
			SourceID:    row.SourceID,
		})
		if row.Severity == "high" || row.ImpactScore < 0 {
			snap.KeyRisks = append(snap.KeyRisks, KeyRisk{
				EventType:   row.EventType,
				Summary:     row.Summary,
				Severity:    row.Severity,
				ImpactScore: row.ImpactScore,
				SourceID:    row.SourceID,
			})
		}
	}
	return snap
}

// matchOpenEvent selects at most one open event for the assessment: the
// first event with the same event_type, failing that the first event whose
// summary token overlap clears the threshold. Scan order is storage order;
// first found wins.
func matchOpenEvent(open []store.StateEventRecord, a Assessment, threshold float64) *store.StateEventRecord {
	for i := range open {
		if open[i].EventType == a.EventType {
			return &open[i]
		}
	}
	for i := range open {
		if similarity.TokenOverlap(open[i].Summary, a.Summary) > threshold {
			return &open[i]
		}
	}
	return nil
}

// isClosingSignal reports whether the assessment should close tracked state:
// a closure term in the summary or a conflicts_with_state contradiction.
func isClosingSignal(a Assessment) bool {
	lowered := strings.ToLower(a.Summary)
	for _, term := range closureTerms {
		if strings.Contains(lowered, term) {
			return true
		}
	}
	for _, flag := range a.ContradictionFlags {
		if flag == ContradictionConflictsWithState {
			return true
		}
	}
	return false
}
