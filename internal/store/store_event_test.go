package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

var eventColumns = []string{
	"id", "ticker", "event_type", "status", "severity", "impact_score", "horizon",
	"summary", "source_id", "start_ts", "end_ts", "confidence", "evidence", "created_at",
}

func TestGetEventByKeyFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now().UTC()

	query := regexp.QuoteMeta(`
SELECT id, ticker, event_type, status, severity, impact_score, horizon, summary, source_id, start_ts, end_ts, confidence, evidence, created_at
FROM state_events
WHERE ticker=$1 AND event_type=$2 AND source_id=$3
`)
	mock.ExpectQuery(query).
		WithArgs("AAPL", "guidance", "news-1").
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow("evt-1", "AAPL", "guidance", EventStatusOpen, "med", 0.4, "swing",
				"Company issues new guidance.", "news-1", now, nil, 0.6, "press release", now))

	rec, found, err := st.GetEventByKey(context.Background(), "AAPL", "guidance", "news-1")
	if err != nil {
		t.Fatalf("GetEventByKey: %v", err)
	}
	if !found {
		t.Fatalf("expected event to be found")
	}
	if rec.ID != "evt-1" || rec.Status != EventStatusOpen || rec.EndTS != nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetEventByKeyMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(`SELECT id, ticker, event_type`).
		WithArgs("AAPL", "guidance", "news-9").
		WillReturnRows(sqlmock.NewRows(eventColumns))

	_, found, err := st.GetEventByKey(context.Background(), "AAPL", "guidance", "news-9")
	if err != nil {
		t.Fatalf("GetEventByKey: %v", err)
	}
	if found {
		t.Fatalf("expected no event")
	}
}

func TestInsertEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	start := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	query := regexp.QuoteMeta(`
INSERT INTO state_events (id, ticker, event_type, status, severity, impact_score, horizon, summary, source_id, start_ts, end_ts, confidence, evidence, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NOW())
RETURNING created_at
`)
	mock.ExpectQuery(query).
		WithArgs(sqlmock.AnyArg(), "AAPL", "guidance", EventStatusOpen, "med", 0.4, "swing",
			"Company issues new guidance.", "news-1", start, nil, 0.6, "press release").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now().UTC()))

	rec, err := st.InsertEvent(context.Background(), StateEventRecord{
		Ticker:      "AAPL",
		EventType:   "guidance",
		Status:      EventStatusOpen,
		Severity:    "med",
		ImpactScore: 0.4,
		Horizon:     "swing",
		Summary:     "Company issues new guidance.",
		SourceID:    "news-1",
		StartTS:     start,
		Confidence:  0.6,
		Evidence:    "press release",
	})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if rec.ID == "" {
		t.Fatalf("expected an id to be assigned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertEventRequiresKey(t *testing.T) {
	st := &Store{}
	if _, err := st.InsertEvent(context.Background(), StateEventRecord{Ticker: "AAPL", EventType: "guidance"}); err == nil {
		t.Fatalf("expected error for missing source_id")
	}
	if _, err := st.InsertEvent(context.Background(), StateEventRecord{EventType: "guidance", SourceID: "news-1"}); err == nil {
		t.Fatalf("expected error for missing ticker")
	}
}

func TestCloseEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	endTS := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

	query := regexp.QuoteMeta(`
UPDATE state_events
SET status=$1, end_ts=$2
WHERE id=$3
`)
	mock.ExpectExec(query).
		WithArgs(EventStatusClosed, endTS, "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.CloseEvent(context.Background(), "evt-1", endTS); err != nil {
		t.Fatalf("CloseEvent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCloseEventMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec(`UPDATE state_events`).
		WithArgs(EventStatusClosed, sqlmock.AnyArg(), "evt-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.CloseEvent(context.Background(), "evt-missing", time.Now()); err == nil {
		t.Fatalf("expected error when no row was closed")
	}
}

func TestUpdateEventAssessment(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	start := time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)

	query := regexp.QuoteMeta(`
UPDATE state_events
SET severity=$1, impact_score=$2, horizon=$3, summary=$4, confidence=$5, evidence=$6, start_ts=$7
WHERE id=$8
`)
	mock.ExpectExec(query).
		WithArgs("high", 0.7, "swing", "Company raises guidance further.", 0.8, "updated release", start, "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = st.UpdateEventAssessment(context.Background(), "evt-1", "high", 0.7, "swing",
		"Company raises guidance further.", 0.8, "updated release", start)
	if err != nil {
		t.Fatalf("UpdateEventAssessment: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListOpenEventsOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now().UTC()
	mock.ExpectQuery(`ORDER BY created_at, id`).
		WithArgs("AAPL", EventStatusOpen).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow("evt-1", "AAPL", "guidance", EventStatusOpen, "med", 0.4, "swing", "a", "news-1", now, nil, 0.6, "", now).
			AddRow("evt-2", "AAPL", "lawsuit", EventStatusOpen, "high", -0.5, "long", "b", "news-2", now, nil, 0.7, "", now))

	events, err := st.ListOpenEvents(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("ListOpenEvents: %v", err)
	}
	if len(events) != 2 || events[0].ID != "evt-1" || events[1].ID != "evt-2" {
		t.Fatalf("unexpected events: %+v", events)
	}
}
