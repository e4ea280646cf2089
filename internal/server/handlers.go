package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rbase-ai/deepreview/config"
	"github.com/rbase-ai/deepreview/internal/cache"
	"github.com/rbase-ai/deepreview/internal/discuss"
	"github.com/rbase-ai/deepreview/internal/engine"
	"github.com/rbase-ai/deepreview/internal/store"
)

// Handlers carries the service dependencies for the API routes.
type Handlers struct {
	Cfg     *config.Config
	Engine  *engine.Engine
	Cache   *cache.Controller
	Discuss *discuss.Service
	Store   *store.Store

	logger *log.Logger
}

// Register mounts the API routes on the group.
func (h *Handlers) Register(g *echo.Group) {
	h.logger = log.New(log.Writer(), "[API] ", log.LstdFlags)

	g.POST("/overview", h.Overview)
	g.POST("/personal", h.Personal)
	g.POST("/summary", h.Summary)
	g.POST("/discuss_create", h.DiscussCreate)
	g.POST("/discuss_post", h.DiscussPost)
	g.GET("/list_discuss", h.ListDiscuss)
	g.POST("/ai_reply", h.AIReply)
}

type generationRequest struct {
	Topic        string `json:"topic"`
	Researcher   string `json:"researcher"`
	Language     string `json:"language"`
	TopKPerQuery int    `json:"top_k_per_section"`
	TopKAccepted int    `json:"top_k_accepted_results"`
	Collection   string `json:"vector_db_collection"`
}

func errorEnvelope(code int, message string) map[string]interface{} {
	return map[string]interface{}{
		"status": "error",
		"error":  map[string]interface{}{"code": code, "message": message},
	}
}

// Overview generates a six-section topic review.
func (h *Handlers) Overview(c echo.Context) error {
	return h.generate(c, "overview")
}

// Personal generates a five-section researcher profile.
func (h *Handlers) Personal(c echo.Context) error {
	return h.generate(c, "personal")
}

func (h *Handlers) generate(c echo.Context, kind string) error {
	var req generationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorEnvelope(http.StatusBadRequest, "invalid request body"))
	}
	subject := req.Topic
	if kind == "personal" {
		subject = req.Researcher
	}
	if subject == "" {
		return c.JSON(http.StatusBadRequest, errorEnvelope(http.StatusBadRequest, "missing subject"))
	}
	if req.Language == "" {
		req.Language = "zh"
	}

	ctx := c.Request().Context()
	auditID, err := h.Store.CreateGeneration(ctx, kind, subject, req.Language)
	if err != nil {
		h.logger.Printf("audit insert failed: %v", err)
	}
	h.audit(ctx, auditID, store.RequestStatusHandling, "", 0)

	result, err := h.runGeneration(ctx, kind, engine.GenerationRequest{
		Subject:        subject,
		Language:       req.Language,
		TopKPerSection: req.TopKPerQuery,
		TopKAccepted:   req.TopKAccepted,
		Collection:     req.Collection,
	})
	if err != nil {
		h.audit(ctx, auditID, store.RequestStatusError, err.Error(), 0)
		return c.JSON(http.StatusInternalServerError, errorEnvelope(http.StatusInternalServerError, err.Error()))
	}

	if payload, merr := json.Marshal(result); merr == nil && auditID != 0 {
		if err := h.Store.StoreGenerationResponse(ctx, auditID, payload); err != nil {
			h.logger.Printf("audit response insert failed: %v", err)
		}
	}
	h.audit(ctx, auditID, store.RequestStatusFinished, "", result.TokensUsed)

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "success",
		"data": map[string]interface{}{
			"english_response": result.EnglishResponse,
			"chinese_response": result.ChineseResponse,
		},
		"tokens_used": result.TokensUsed,
	})
}

func (h *Handlers) runGeneration(ctx context.Context, kind string, req engine.GenerationRequest) (*engine.GenerationResult, error) {
	if kind == "personal" {
		return h.Engine.GenerateProfile(ctx, req)
	}
	return h.Engine.GenerateOverview(ctx, req)
}

func (h *Handlers) audit(ctx context.Context, id int64, status, errMsg string, tokens int64) {
	if id == 0 {
		return
	}
	if err := h.Store.UpdateGenerationStatus(ctx, id, status, errMsg, tokens); err != nil {
		h.logger.Printf("audit update failed: %v", err)
	}
}

type summaryRequest struct {
	RelatedType     string  `json:"related_type"`
	RelatedID       int64   `json:"related_id"`
	TermTreeNodeIDs []int64 `json:"term_tree_node_ids"`
	Version         string  `json:"ver"`
	Language        string  `json:"language"`
	DepressCache    int     `json:"depress_cache"`
	Stream          bool    `json:"stream"`
}

func summaryEnvelope(code int, message, content string) map[string]interface{} {
	return map[string]interface{}{"code": code, "message": message, "content": content}
}

var validRelatedTypes = map[string]bool{"channel": true, "section": true, "article": true}

// Summary returns (or computes) the cached summary for a content item.
func (h *Handlers) Summary(c echo.Context) error {
	var req summaryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, summaryEnvelope(1, "invalid request body", ""))
	}
	if !validRelatedTypes[req.RelatedType] {
		return c.JSON(http.StatusBadRequest, summaryEnvelope(1, "invalid related_type", ""))
	}
	if req.Language == "" {
		req.Language = "zh"
	}

	mode := cache.UseCache
	if req.DepressCache == 1 {
		mode = cache.ForceRecompute
	}
	key := cache.Key{
		RelatedType:     req.RelatedType,
		RelatedID:       req.RelatedID,
		TermTreeNodeIDs: req.TermTreeNodeIDs,
		Version:         req.Version,
		Language:        req.Language,
	}
	ctx := c.Request().Context()

	if req.Stream {
		// A live cache entry streams as a single chunk; otherwise the
		// generation streams through and the full text is cached afterwards.
		if mode == cache.UseCache {
			if payload, found, err := h.Cache.Lookup(ctx, key); err == nil && found {
				return writeSSEString(c, payload)
			}
		}
		fragments, err := h.Engine.GenerateSummaryStream(ctx, req.RelatedType, req.RelatedID, req.TermTreeNodeIDs, req.Language)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, summaryEnvelope(1, err.Error(), ""))
		}
		return writeSSE(c, fragments, func(full string) {
			if err := h.Cache.Store(context.WithoutCancel(ctx), key, full); err != nil {
				h.logger.Printf("summary cache store failed: %v", err)
			}
		})
	}

	content, err := h.Cache.GetOrCompute(ctx, key, mode, func(ctx context.Context) (string, error) {
		summary, _, err := h.Engine.GenerateSummary(ctx, req.RelatedType, req.RelatedID, req.TermTreeNodeIDs, req.Language)
		return summary, err
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, summaryEnvelope(1, err.Error(), ""))
	}
	return c.JSON(http.StatusOK, summaryEnvelope(0, "success", content))
}
