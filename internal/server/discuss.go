package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rbase-ai/deepreview/internal/discuss"
)

type discussCreateRequest struct {
	RelatedType     string  `json:"related_type"`
	RelatedID       int64   `json:"related_id"`
	TermTreeNodeIDs []int64 `json:"term_tree_node_ids"`
	Version         string  `json:"ver"`
	UserHash        string  `json:"user_hash"`
	UserID          int64   `json:"user_id"`
}

// DiscussCreate resolves or creates the discussion thread for a content item.
func (h *Handlers) DiscussCreate(c echo.Context) error {
	var req discussCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, summaryEnvelope(1, "invalid request body", ""))
	}
	if !validRelatedTypes[req.RelatedType] {
		return c.JSON(http.StatusBadRequest, summaryEnvelope(1, "invalid related_type", ""))
	}
	if req.UserHash == "" {
		return c.JSON(http.StatusBadRequest, summaryEnvelope(1, "missing user_hash", ""))
	}

	result, err := h.Discuss.Create(c.Request().Context(), discuss.CreateRequest{
		RelatedType:     req.RelatedType,
		RelatedID:       req.RelatedID,
		TermTreeNodeIDs: req.TermTreeNodeIDs,
		Version:         req.Version,
		UserHash:        req.UserHash,
		UserID:          req.UserID,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, summaryEnvelope(1, err.Error(), ""))
	}
	return c.JSON(http.StatusOK, result)
}

type discussPostRequest struct {
	ThreadUUID string `json:"thread_uuid"`
	ReplyUUID  string `json:"reply_uuid"`
	Content    string `json:"content"`
	UserHash   string `json:"user_hash"`
	UserID     int64  `json:"user_id"`
}

// DiscussPost appends a human post to a thread.
func (h *Handlers) DiscussPost(c echo.Context) error {
	var req discussPostRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, summaryEnvelope(1, "invalid request body", ""))
	}
	result, err := h.Discuss.Post(c.Request().Context(), discuss.PostRequest{
		ThreadUUID: req.ThreadUUID,
		ReplyUUID:  req.ReplyUUID,
		Content:    req.Content,
		UserHash:   req.UserHash,
		UserID:     req.UserID,
	})
	if err != nil {
		return discussError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// ListDiscuss returns a depth-ordered page of posts.
func (h *Handlers) ListDiscuss(c echo.Context) error {
	threadUUID := c.QueryParam("thread_uuid")
	if threadUUID == "" {
		return c.JSON(http.StatusBadRequest, summaryEnvelope(1, "missing thread_uuid", ""))
	}
	fromDepth, _ := strconv.Atoi(c.QueryParam("from_depth"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	sort := c.QueryParam("sort")

	result, err := h.Discuss.List(c.Request().Context(), threadUUID, fromDepth, limit, sort)
	if err != nil {
		return discussError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

type aiReplyRequest struct {
	ThreadUUID string `json:"thread_uuid"`
	ReplyUUID  string `json:"reply_uuid"`
}

// AIReply streams an assistant reply over SSE.
func (h *Handlers) AIReply(c echo.Context) error {
	var req aiReplyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, summaryEnvelope(1, "invalid request body", ""))
	}
	if req.ThreadUUID == "" || req.ReplyUUID == "" {
		return c.JSON(http.StatusBadRequest, summaryEnvelope(1, "missing thread_uuid or reply_uuid", ""))
	}

	fragments, err := h.Discuss.AIReply(c.Request().Context(), req.ThreadUUID, req.ReplyUUID)
	if err != nil {
		return discussError(c, err)
	}
	return writeSSE(c, fragments, nil)
}

func discussError(c echo.Context, err error) error {
	if errors.Is(err, discuss.ErrInvalidThread) || errors.Is(err, discuss.ErrInvalidParent) {
		return c.JSON(http.StatusBadRequest, summaryEnvelope(1, err.Error(), ""))
	}
	return c.JSON(http.StatusInternalServerError, summaryEnvelope(1, err.Error(), ""))
}
