package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/marketstate/internal/reconcile"
	"github.com/mohammad-safakhou/marketstate/internal/retrieval"
	"github.com/mohammad-safakhou/marketstate/internal/store"
)

// tickerStore is the slice of the persistence layer the handlers read from.
type tickerStore interface {
	GetSnapshot(ctx context.Context, ticker string) (store.SnapshotRecord, bool, error)
	ListOpenEvents(ctx context.Context, ticker string) ([]store.StateEventRecord, error)
	CountEventsByTicker(ctx context.Context, ticker string) (int, error)
}

// updateApplier folds one assessment into a ticker's tracked state.
type updateApplier interface {
	ApplyUpdate(ctx context.Context, ticker, sourceID string, publishedAt time.Time, a reconcile.Assessment) (reconcile.Status, error)
}

// contextQuerier answers similarity queries and accepts profile chunks.
type contextQuerier interface {
	Upsert(ctx context.Context, in retrieval.Input) error
	Query(ctx context.Context, ticker, queryText string, topK int) ([]retrieval.Chunk, error)
}

// TickersHandler exposes the per-ticker state and context API.
type TickersHandler struct {
	Store     tickerStore
	Engine    updateApplier
	Retrieval contextQuerier
	TopK      int
}

func (h *TickersHandler) Register(g *echo.Group) {
	g.POST("/:ticker/updates", h.applyUpdate)
	g.GET("/:ticker/state", h.state)
	g.GET("/:ticker/events", h.openEvents)
	g.GET("/:ticker/context", h.queryContext)
	g.PUT("/:ticker/profile", h.putProfile)
}

func (h *TickersHandler) applyUpdate(c echo.Context) error {
	ticker := strings.ToUpper(strings.TrimSpace(c.Param("ticker")))
	var req struct {
		SourceID    string               `json:"source_id"`
		PublishedAt time.Time            `json:"published_at"`
		Assessment  reconcile.Assessment `json:"assessment"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.SourceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "source_id required")
	}
	if req.PublishedAt.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "published_at required")
	}
	status, err := h.Engine.ApplyUpdate(c.Request().Context(), ticker, req.SourceID, req.PublishedAt, req.Assessment)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"ticker": ticker, "status": string(status)})
}

func (h *TickersHandler) state(c echo.Context) error {
	ticker := strings.ToUpper(strings.TrimSpace(c.Param("ticker")))
	rec, found, err := h.Store.GetSnapshot(c.Request().Context(), ticker)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "no state tracked for "+ticker)
	}
	var snap json.RawMessage = rec.StateBlob
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ticker":     ticker,
		"snapshot":   snap,
		"updated_at": rec.UpdatedAt,
	})
}

func (h *TickersHandler) openEvents(c echo.Context) error {
	ticker := strings.ToUpper(strings.TrimSpace(c.Param("ticker")))
	open, err := h.Store.ListOpenEvents(c.Request().Context(), ticker)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	total, err := h.Store.CountEventsByTicker(c.Request().Context(), ticker)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ticker":       ticker,
		"open_events":  open,
		"total_events": total,
	})
}

func (h *TickersHandler) queryContext(c echo.Context) error {
	ticker := strings.ToUpper(strings.TrimSpace(c.Param("ticker")))
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q required")
	}
	topK := h.TopK
	if raw := c.QueryParam("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "top_k must be a positive integer")
		}
		topK = n
	}
	chunks, err := h.Retrieval.Query(c.Request().Context(), ticker, q, topK)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ticker": ticker, "chunks": chunks})
}

// putProfile replaces the ticker's static profile chunk, the background text
// retrieval blends with live state.
func (h *TickersHandler) putProfile(c echo.Context) error {
	ticker := strings.ToUpper(strings.TrimSpace(c.Param("ticker")))
	var req struct {
		Text string `json:"text"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text required")
	}
	in := retrieval.Input{
		ChunkKey: "profile:" + ticker,
		Ticker:   ticker,
		Layer:    store.ChunkLayerProfile,
		SourceID: "profile",
		Text:     req.Text,
	}
	if err := h.Retrieval.Upsert(c.Request().Context(), in); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"ticker": ticker, "chunk_key": in.ChunkKey})
}
