package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/marketstate/config"
	"github.com/mohammad-safakhou/marketstate/internal/embedding"
	"github.com/mohammad-safakhou/marketstate/internal/reconcile"
	"github.com/mohammad-safakhou/marketstate/internal/retrieval"
	"github.com/mohammad-safakhou/marketstate/internal/store"
)

// Run wires the full service (storage, embedding, retrieval, reconciliation)
// and serves the HTTP API until the listener fails.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrations: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	embedder, err := embedding.NewProvider(cfg.Embedding)
	if err != nil {
		return err
	}
	ctxStore := retrieval.NewStore(st, embedder, nil)

	var locks reconcile.TickerLocker
	if cfg.Storage.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Host + ":" + cfg.Storage.Redis.Port,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		locks = reconcile.NewRedisLocker(rdb, cfg.Reconcile.LockTTL)
	}
	engine := reconcile.NewEngine(st, ctxStore, locks, cfg.Reconcile, nil)

	api := e.Group("/api")
	th := &TickersHandler{
		Store:     st,
		Engine:    engine,
		Retrieval: ctxStore,
		TopK:      cfg.Retrieval.Normalize().DefaultTopK,
	}
	th.Register(api.Group("/tickers"))

	return e.Start(cfg.Server.Address)
}
