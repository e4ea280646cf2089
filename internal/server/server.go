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

	"github.com/rbase-ai/deepreview/config"
	"github.com/rbase-ai/deepreview/internal/cache"
	"github.com/rbase-ai/deepreview/internal/discuss"
	"github.com/rbase-ai/deepreview/internal/engine"
	"github.com/rbase-ai/deepreview/internal/provider"
	"github.com/rbase-ai/deepreview/internal/store"
	"github.com/rbase-ai/deepreview/internal/vectordb"
)

// Run wires the service together and serves the HTTP API.
func Run(cfg *config.Config) error {
	e := newEcho()

	ctx := context.Background()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("postgres connection failed: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s:%d): %w", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, err)
	}

	llm, err := provider.NewLLMProvider(cfg.LLM)
	if err != nil {
		return err
	}
	milvus := vectordb.NewMilvusClient(cfg.Vector)

	eng := engine.New(cfg, llm, milvus, st, st)
	cacheCtl := cache.NewController(rdb, cfg.Cache.TTL, cfg.Cache.LockTTL)

	replyModel := cfg.LLM.Routing.Writing
	if replyModel == "" {
		replyModel = cfg.LLM.Routing.Fallback
	}
	retrieval := engine.NewRetrievalClient(llm, milvus, cfg.General.DefaultTimeout)
	disc := discuss.NewService(cfg.Discuss, st, cacheCtl,
		&replyRetriever{client: retrieval, collection: cfg.Vector.DefaultCollection}, llm, replyModel)

	h := &Handlers{Cfg: cfg, Engine: eng, Cache: cacheCtl, Discuss: disc, Store: st}
	h.Register(e.Group("/api"))

	log.Printf("listening on %s", cfg.Server.Address)
	return e.Start(cfg.Server.Address)
}

func newEcho() *echo.Echo {
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
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}

// replyRetriever adapts the engine retrieval client to the discuss service.
type replyRetriever struct {
	client     *engine.RetrievalClient
	collection string
}

func (r *replyRetriever) Search(ctx context.Context, collection, query, filter string, k int) ([]discuss.RetrievedText, error) {
	if collection == "" {
		collection = r.collection
	}
	chunks, err := r.client.Search(ctx, collection, query, filter, k)
	if err != nil {
		return nil, err
	}
	out := make([]discuss.RetrievedText, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, discuss.RetrievedText{ReferenceID: c.SourceID, Text: c.Text})
	}
	return out, nil
}
