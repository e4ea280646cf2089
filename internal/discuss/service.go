package discuss

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/rbase-ai/deepreview/config"
	"github.com/rbase-ai/deepreview/internal/cache"
	"github.com/rbase-ai/deepreview/internal/provider"
	"github.com/rbase-ai/deepreview/internal/store"
)

const replyPrompt = `You are an academic assistant participating in a discussion about a piece of scholarly content.

%sConversation so far (oldest first):
%s

%sWrite a helpful, accurate reply to the last message. Ground your answer in the background summary and the retrieved literature when they are relevant; say so plainly when they are not. Keep the academic register of the conversation and answer in the same language as the last message.`

const retrievalGatePrompt = `A user is discussing scholarly content with an assistant. Decide whether answering the last message requires retrieving additional literature beyond the conversation and the background summary. Respond with only "YES" or "NO".

Last message: %s`

// SummaryLookup exposes the cached summary for a thread's root subject.
type SummaryLookup interface {
	Lookup(ctx context.Context, key cache.Key) (string, bool, error)
}

// Retriever optionally pulls extra literature into a reply.
type Retriever interface {
	Search(ctx context.Context, collection, query, filter string, k int) ([]RetrievedText, error)
}

// RetrievedText is the minimal shape of retrieved literature used in replies.
type RetrievedText struct {
	ReferenceID string
	Text        string
}

// Service owns discussion threads: creation, posting, listing and streaming
// AI replies.
type Service struct {
	cfg       config.DiscussConfig
	threads   ThreadStore
	summaries SummaryLookup
	retriever Retriever
	llm       provider.LLMProvider
	model     string
	logger    *log.Logger
}

func NewService(cfg config.DiscussConfig, threads ThreadStore, summaries SummaryLookup, retriever Retriever, llm provider.LLMProvider, model string) *Service {
	return &Service{
		cfg:       cfg,
		threads:   threads,
		summaries: summaries,
		retriever: retriever,
		llm:       llm,
		model:     model,
		logger:    log.New(log.Writer(), "[DISCUSS] ", log.LstdFlags),
	}
}

// CreateRequest identifies the summarizable entity a thread is anchored to.
type CreateRequest struct {
	RelatedType     string
	RelatedID       int64
	TermTreeNodeIDs []int64
	Version         string
	UserHash        string
	UserID          int64
}

// CreateResult is the outcome of thread creation or re-resolution.
type CreateResult struct {
	ThreadUUID string `json:"thread_uuid"`
	Depth      int    `json:"depth"`
	HasSummary bool   `json:"has_summary"`
}

// Create resolves or creates the thread for (subject fingerprint, user hash).
// Repeated calls with the same identity return the same thread.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.RelatedType == "" || req.UserHash == "" {
		return nil, fmt.Errorf("related_type and user_hash are required")
	}
	key := s.threadKey(req.RelatedType, req.RelatedID, req.TermTreeNodeIDs, req.Version)
	fp := key.Fingerprint()

	thread, err := s.threads.ThreadByFingerprint(ctx, fp, req.UserHash)
	if errors.Is(err, store.ErrNotFound) {
		t := &store.Thread{
			RelatedType:     req.RelatedType,
			RelatedID:       req.RelatedID,
			TermTreeNodeIDs: req.TermTreeNodeIDs,
			Version:         req.Version,
			Fingerprint:     fp,
			UserHash:        req.UserHash,
		}
		if req.UserID != 0 {
			t.UserID = sql.NullInt64{Int64: req.UserID, Valid: true}
		}
		thread, err = s.threads.CreateThread(ctx, t)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving thread: %w", err)
	}

	_, hasSummary := s.summaryFor(ctx, thread)
	return &CreateResult{ThreadUUID: thread.UUID, Depth: thread.Depth, HasSummary: hasSummary}, nil
}

// PostRequest appends a human post to a thread.
type PostRequest struct {
	ThreadUUID string
	ReplyUUID  string
	Content    string
	UserHash   string
	UserID     int64
}

// PostResult reports the appended post.
type PostResult struct {
	UUID  string `json:"uuid"`
	Depth int    `json:"depth"`
}

// Post appends a post. Depth is parent depth + 1, or 0 for a thread root;
// an unresolvable parent fails with ErrInvalidParent and persists nothing.
func (s *Service) Post(ctx context.Context, req PostRequest) (*PostResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("content is required")
	}
	thread, err := s.threads.Thread(ctx, req.ThreadUUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidThread
	}
	if err != nil {
		return nil, err
	}

	p := &store.Post{
		ThreadUUID: thread.UUID,
		Content:    req.Content,
		AuthorRef:  AuthorUser,
		UserHash:   req.UserHash,
	}
	if req.ReplyUUID != "" {
		parent, err := s.threads.Post(ctx, req.ReplyUUID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidParent
		}
		if err != nil {
			return nil, err
		}
		if parent.ThreadUUID != thread.UUID {
			return nil, ErrInvalidParent
		}
		p.ParentUUID = sql.NullString{String: parent.UUID, Valid: true}
		p.Depth = parent.Depth + 1
	}

	if err := s.threads.InsertPost(ctx, p); err != nil {
		return nil, fmt.Errorf("appending post: %w", err)
	}
	return &PostResult{UUID: p.UUID, Depth: p.Depth}, nil
}

// ListResult is a page of posts plus the thread's total count.
type ListResult struct {
	Count int          `json:"count"`
	Posts []store.Post `json:"discuss_list"`
}

// List returns posts ordered by (depth, created_at). sort is "asc" or "desc".
func (s *Service) List(ctx context.Context, threadUUID string, fromDepth, limit int, sort string) (*ListResult, error) {
	if _, err := s.threads.Thread(ctx, threadUUID); errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidThread
	} else if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.DefaultListLen
	}
	if s.cfg.ListLimitMax > 0 && limit > s.cfg.ListLimitMax {
		limit = s.cfg.ListLimitMax
	}

	posts, err := s.threads.ListPosts(ctx, threadUUID, fromDepth, limit, strings.EqualFold(sort, "desc"))
	if err != nil {
		return nil, err
	}
	count, err := s.threads.CountPosts(ctx, threadUUID)
	if err != nil {
		return nil, err
	}
	return &ListResult{Count: count, Posts: posts}, nil
}

// AIReply streams an assistant reply anchored to replyUUID. The finished
// reply is persisted as a post only after the stream drains; a cancelled
// reply persists nothing.
func (s *Service) AIReply(ctx context.Context, threadUUID, replyUUID string) (<-chan provider.Fragment, error) {
	thread, err := s.threads.Thread(ctx, threadUUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidThread
	}
	if err != nil {
		return nil, err
	}
	target, err := s.threads.Post(ctx, replyUUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidParent
	}
	if err != nil {
		return nil, err
	}
	if target.ThreadUUID != thread.UUID {
		return nil, ErrInvalidParent
	}

	history, err := s.threads.PostsUpTo(ctx, threadUUID, replyUUID, s.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	prompt := s.buildReplyPrompt(ctx, thread, target, history)
	upstream, err := s.llm.GenerateStream(ctx, prompt, s.model, provider.Options{Temperature: 0.6})
	if err != nil {
		return nil, fmt.Errorf("starting reply stream: %w", err)
	}

	out := make(chan provider.Fragment, 16)
	go func() {
		defer close(out)
		var content strings.Builder
		deliver := func(f provider.Fragment) bool {
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for frag := range upstream {
			if frag.Err != nil {
				deliver(frag)
				return
			}
			if frag.Done {
				if ctx.Err() != nil {
					// Cancelled before completion: nothing is persisted.
					return
				}
				// Persist only after the full reply has streamed.
				post := &store.Post{
					ThreadUUID: thread.UUID,
					ParentUUID: sql.NullString{String: target.UUID, Valid: true},
					Depth:      target.Depth + 1,
					Content:    content.String(),
					AuthorRef:  AuthorAssistant,
				}
				if err := s.threads.InsertPost(context.WithoutCancel(ctx), post); err != nil {
					s.logger.Printf("persisting AI reply failed: %v", err)
					deliver(provider.Fragment{Err: fmt.Errorf("persisting reply: %w", err)})
					return
				}
				deliver(frag)
				return
			}
			content.WriteString(frag.Content)
			if !deliver(frag) {
				// Cancelled mid-stream: nothing is persisted.
				return
			}
		}
	}()
	return out, nil
}

func (s *Service) buildReplyPrompt(ctx context.Context, thread *store.Thread, target *store.Post, history []store.Post) string {
	var background string
	if summary, ok := s.summaryFor(ctx, thread); ok {
		background = fmt.Sprintf("Background summary of the content under discussion:\n%s\n\n", summary)
	}

	var conv strings.Builder
	for _, p := range history {
		role := "User"
		if p.AuthorRef == AuthorAssistant {
			role = "Assistant"
		}
		fmt.Fprintf(&conv, "%s: %s\n", role, strings.TrimSpace(p.Content))
	}

	var literature string
	if s.retriever != nil && s.needsRetrieval(ctx, target.Content) {
		if chunks, err := s.retriever.Search(ctx, "", target.Content, "", s.cfg.TopKPerReply); err != nil {
			s.logger.Printf("reply retrieval failed, continuing without: %v", err)
		} else if len(chunks) > 0 {
			var b strings.Builder
			b.WriteString("Retrieved literature:\n")
			for _, c := range chunks {
				fmt.Fprintf(&b, "[%s] %s\n", c.ReferenceID, strings.TrimSpace(c.Text))
			}
			b.WriteString("\n")
			literature = b.String()
		}
	}

	return fmt.Sprintf(replyPrompt, background, conv.String(), literature)
}

// needsRetrieval is the intent gate: a cheap LLM call decides whether the
// reply needs literature beyond the conversation.
func (s *Service) needsRetrieval(ctx context.Context, lastMessage string) bool {
	out, _, err := s.llm.Generate(ctx, fmt.Sprintf(retrievalGatePrompt, lastMessage), s.model, provider.Options{Temperature: 0})
	if err != nil {
		s.logger.Printf("retrieval gate failed, skipping retrieval: %v", err)
		return false
	}
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(out)), "YES")
}

func (s *Service) threadKey(relatedType string, relatedID int64, nodes []int64, version string) cache.Key {
	return cache.Key{
		RelatedType:     relatedType,
		RelatedID:       relatedID,
		TermTreeNodeIDs: nodes,
		Version:         version,
		Language:        "zh",
	}
}

// summaryFor checks both language variants of the thread subject's summary.
func (s *Service) summaryFor(ctx context.Context, thread *store.Thread) (string, bool) {
	if s.summaries == nil {
		return "", false
	}
	for _, lang := range []string{"zh", "en"} {
		key := cache.Key{
			RelatedType:     thread.RelatedType,
			RelatedID:       thread.RelatedID,
			TermTreeNodeIDs: thread.TermTreeNodeIDs,
			Version:         thread.Version,
			Language:        lang,
		}
		if summary, found, err := s.summaries.Lookup(ctx, key); err == nil && found {
			return summary, true
		}
	}
	return "", false
}
