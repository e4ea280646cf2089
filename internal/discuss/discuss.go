package discuss

import (
	"context"
	"errors"

	"github.com/rbase-ai/deepreview/internal/store"
)

// Author kinds recorded on posts.
const (
	AuthorUser      = "user"
	AuthorAssistant = "assistant"
)

var (
	// ErrInvalidThread is returned when a thread uuid does not resolve.
	ErrInvalidThread = errors.New("invalid thread")
	// ErrInvalidParent is returned when a parent or reply uuid does not
	// resolve within the thread.
	ErrInvalidParent = errors.New("invalid parent")
)

// ThreadStore is the persistence surface the service needs. *store.Store
// implements it.
type ThreadStore interface {
	ThreadByFingerprint(ctx context.Context, fingerprint, userHash string) (*store.Thread, error)
	Thread(ctx context.Context, threadUUID string) (*store.Thread, error)
	CreateThread(ctx context.Context, t *store.Thread) (*store.Thread, error)
	Post(ctx context.Context, postUUID string) (*store.Post, error)
	InsertPost(ctx context.Context, p *store.Post) error
	ListPosts(ctx context.Context, threadUUID string, fromDepth, limit int, descending bool) ([]store.Post, error)
	CountPosts(ctx context.Context, threadUUID string) (int, error)
	PostsUpTo(ctx context.Context, threadUUID, replyUUID string, limit int) ([]store.Post, error)
}
