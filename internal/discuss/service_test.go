package discuss

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbase-ai/deepreview/config"
	"github.com/rbase-ai/deepreview/internal/cache"
	"github.com/rbase-ai/deepreview/internal/provider"
	"github.com/rbase-ai/deepreview/internal/store"
)

// memStore is an in-memory ThreadStore for unit tests.
type memStore struct {
	mu      sync.Mutex
	threads map[string]*store.Thread
	posts   map[string]*store.Post
	clock   time.Time
}

func newMemStore() *memStore {
	return &memStore{
		threads: map[string]*store.Thread{},
		posts:   map[string]*store.Post{},
		clock:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) ThreadByFingerprint(ctx context.Context, fingerprint, userHash string) (*store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.threads {
		if t.Fingerprint == fingerprint && t.UserHash == userHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) Thread(ctx context.Context, threadUUID string) (*store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadUUID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) CreateThread(ctx context.Context, t *store.Thread) (*store.Thread, error) {
	m.mu.Lock()
	for _, existing := range m.threads {
		if existing.Fingerprint == t.Fingerprint && existing.UserHash == t.UserHash {
			cp := *existing
			m.mu.Unlock()
			return &cp, nil
		}
	}
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	t.CreatedAt = m.tick()
	m.threads[t.UUID] = t
	cp := *t
	m.mu.Unlock()
	return &cp, nil
}

func (m *memStore) Post(ctx context.Context, postUUID string) (*store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postUUID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) InsertPost(ctx context.Context, p *store.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	p.CreatedAt = m.tick()
	m.posts[p.UUID] = p
	if t, ok := m.threads[p.ThreadUUID]; ok && p.Depth > t.Depth {
		t.Depth = p.Depth
	}
	return nil
}

func (m *memStore) ListPosts(ctx context.Context, threadUUID string, fromDepth, limit int, descending bool) ([]store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var posts []store.Post
	for _, p := range m.posts {
		if p.ThreadUUID == threadUUID && p.Depth >= fromDepth {
			posts = append(posts, *p)
		}
	}
	sort.Slice(posts, func(i, j int) bool {
		if posts[i].Depth != posts[j].Depth {
			if descending {
				return posts[i].Depth > posts[j].Depth
			}
			return posts[i].Depth < posts[j].Depth
		}
		if descending {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		}
		return posts[i].CreatedAt.Before(posts[j].CreatedAt)
	})
	if len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (m *memStore) CountPosts(ctx context.Context, threadUUID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.posts {
		if p.ThreadUUID == threadUUID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) PostsUpTo(ctx context.Context, threadUUID, replyUUID string, limit int) ([]store.Post, error) {
	m.mu.Lock()
	target, ok := m.posts[replyUUID]
	if !ok || target.ThreadUUID != threadUUID {
		m.mu.Unlock()
		return nil, store.ErrNotFound
	}
	var posts []store.Post
	for _, p := range m.posts {
		if p.ThreadUUID == threadUUID && !p.CreatedAt.After(target.CreatedAt) {
			posts = append(posts, *p)
		}
	}
	m.mu.Unlock()
	sort.Slice(posts, func(i, j int) bool { return posts[i].CreatedAt.Before(posts[j].CreatedAt) })
	if len(posts) > limit {
		posts = posts[len(posts)-limit:]
	}
	return posts, nil
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

type fixedSummary struct {
	summary string
	found   bool
}

func (f fixedSummary) Lookup(ctx context.Context, key cache.Key) (string, bool, error) {
	return f.summary, f.found, nil
}

// streamLLM streams canned fragments, honouring context cancellation.
type streamLLM struct {
	fragments []string
	gate      chan struct{} // when set, waits before each fragment
}

func (s *streamLLM) Generate(ctx context.Context, prompt, model string, opts provider.Options) (string, provider.TokenUsage, error) {
	return "NO", provider.TokenUsage{}, nil
}

func (s *streamLLM) GenerateStream(ctx context.Context, prompt, model string, opts provider.Options) (<-chan provider.Fragment, error) {
	out := make(chan provider.Fragment)
	go func() {
		defer close(out)
		for _, f := range s.fragments {
			if s.gate != nil {
				select {
				case <-s.gate:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- provider.Fragment{Content: f}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- provider.Fragment{Done: true, Usage: &provider.TokenUsage{TotalTokens: 3}}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (s *streamLLM) Embed(ctx context.Context, input []string) ([][]float32, error) {
	return nil, errors.New("not used")
}

func testService(threads ThreadStore, llm provider.LLMProvider, summaries SummaryLookup) *Service {
	cfg := config.DiscussConfig{HistoryLimit: 10, TopKPerReply: 5, ListLimitMax: 100, DefaultListLen: 20}
	if summaries == nil {
		summaries = fixedSummary{}
	}
	return NewService(cfg, threads, summaries, nil, llm, "gpt-4o")
}

func createReq() CreateRequest {
	return CreateRequest{
		RelatedType:     "channel",
		RelatedID:       7,
		TermTreeNodeIDs: []int64{2, 1},
		Version:         "v1",
		UserHash:        "user-hash",
	}
}

func TestCreateIsIdempotentPerUser(t *testing.T) {
	svc := testService(newMemStore(), &streamLLM{}, fixedSummary{summary: "cached", found: true})

	first, err := svc.Create(context.Background(), createReq())
	require.NoError(t, err)
	second, err := svc.Create(context.Background(), createReq())
	require.NoError(t, err)

	assert.Equal(t, first.ThreadUUID, second.ThreadUUID)
	assert.True(t, first.HasSummary)

	other := createReq()
	other.UserHash = "another-user"
	third, err := svc.Create(context.Background(), other)
	require.NoError(t, err)
	assert.NotEqual(t, first.ThreadUUID, third.ThreadUUID)
}

func TestPostDepthInvariant(t *testing.T) {
	ms := newMemStore()
	svc := testService(ms, &streamLLM{}, nil)

	thread, err := svc.Create(context.Background(), createReq())
	require.NoError(t, err)

	root, err := svc.Post(context.Background(), PostRequest{ThreadUUID: thread.ThreadUUID, Content: "root question", UserHash: "user-hash"})
	require.NoError(t, err)
	assert.Equal(t, 0, root.Depth)

	child, err := svc.Post(context.Background(), PostRequest{ThreadUUID: thread.ThreadUUID, ReplyUUID: root.UUID, Content: "follow-up", UserHash: "user-hash"})
	require.NoError(t, err)
	assert.Equal(t, 1, child.Depth)

	grandchild, err := svc.Post(context.Background(), PostRequest{ThreadUUID: thread.ThreadUUID, ReplyUUID: child.UUID, Content: "deeper", UserHash: "user-hash"})
	require.NoError(t, err)
	assert.Equal(t, 2, grandchild.Depth)

	got, err := ms.Thread(context.Background(), thread.ThreadUUID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Depth, "thread depth watermark advances")
}

func TestPostInvalidParentPersistsNothing(t *testing.T) {
	ms := newMemStore()
	svc := testService(ms, &streamLLM{}, nil)

	thread, err := svc.Create(context.Background(), createReq())
	require.NoError(t, err)

	_, err = svc.Post(context.Background(), PostRequest{ThreadUUID: thread.ThreadUUID, ReplyUUID: uuid.NewString(), Content: "orphan", UserHash: "user-hash"})
	assert.ErrorIs(t, err, ErrInvalidParent)

	count, _ := ms.CountPosts(context.Background(), thread.ThreadUUID)
	assert.Zero(t, count)
}

func TestPostParentMustBeInSameThread(t *testing.T) {
	ms := newMemStore()
	svc := testService(ms, &streamLLM{}, nil)

	threadA, err := svc.Create(context.Background(), createReq())
	require.NoError(t, err)
	reqB := createReq()
	reqB.RelatedID = 8
	threadB, err := svc.Create(context.Background(), reqB)
	require.NoError(t, err)

	rootA, err := svc.Post(context.Background(), PostRequest{ThreadUUID: threadA.ThreadUUID, Content: "in A", UserHash: "user-hash"})
	require.NoError(t, err)

	_, err = svc.Post(context.Background(), PostRequest{ThreadUUID: threadB.ThreadUUID, ReplyUUID: rootA.UUID, Content: "cross-thread", UserHash: "user-hash"})
	assert.ErrorIs(t, err, ErrInvalidParent)
}

func TestPostUnknownThread(t *testing.T) {
	svc := testService(newMemStore(), &streamLLM{}, nil)
	_, err := svc.Post(context.Background(), PostRequest{ThreadUUID: uuid.NewString(), Content: "hello", UserHash: "user-hash"})
	assert.ErrorIs(t, err, ErrInvalidThread)
}

func TestListOrdersByDepthThenCreation(t *testing.T) {
	ms := newMemStore()
	svc := testService(ms, &streamLLM{}, nil)

	thread, err := svc.Create(context.Background(), createReq())
	require.NoError(t, err)

	root, _ := svc.Post(context.Background(), PostRequest{ThreadUUID: thread.ThreadUUID, Content: "q1", UserHash: "u"})
	_, _ = svc.Post(context.Background(), PostRequest{ThreadUUID: thread.ThreadUUID, Content: "q2", UserHash: "u"})
	_, _ = svc.Post(context.Background(), PostRequest{ThreadUUID: thread.ThreadUUID, ReplyUUID: root.UUID, Content: "r1", UserHash: "u"})

	asc, err := svc.List(context.Background(), thread.ThreadUUID, 0, 10, "asc")
	require.NoError(t, err)
	require.Equal(t, 3, asc.Count)
	require.Len(t, asc.Posts, 3)
	assert.Equal(t, "q1", asc.Posts[0].Content)
	assert.Equal(t, "q2", asc.Posts[1].Content)
	assert.Equal(t, "r1", asc.Posts[2].Content)

	desc, err := svc.List(context.Background(), thread.ThreadUUID, 0, 10, "desc")
	require.NoError(t, err)
	assert.Equal(t, "r1", desc.Posts[0].Content)

	fromDepth, err := svc.List(context.Background(), thread.ThreadUUID, 1, 10, "asc")
	require.NoError(t, err)
	require.Len(t, fromDepth.Posts, 1)
	assert.Equal(t, "r1", fromDepth.Posts[0].Content)
}

func TestAIReplyPersistsAfterDrain(t *testing.T) {
	ms := newMemStore()
	llm := &streamLLM{fragments: []string{"Hello ", "world."}}
	svc := testService(ms, llm, fixedSummary{summary: "background", found: true})

	thread, err := svc.Create(context.Background(), createReq())
	require.NoError(t, err)
	root, err := svc.Post(context.Background(), PostRequest{ThreadUUID: thread.ThreadUUID, Content: "question", UserHash: "u"})
	require.NoError(t, err)

	fragments, err := svc.AIReply(context.Background(), thread.ThreadUUID, root.UUID)
	require.NoError(t, err)

	var content string
	done := false
	for f := range fragments {
		require.NoError(t, f.Err)
		if f.Done {
			done = true
			continue
		}
		content += f.Content
	}
	assert.True(t, done)
	assert.Equal(t, "Hello world.", content)

	posts, err := ms.ListPosts(context.Background(), thread.ThreadUUID, 0, 10, false)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	reply := posts[1]
	assert.Equal(t, AuthorAssistant, reply.AuthorRef)
	assert.Equal(t, root.Depth+1, reply.Depth)
	assert.Equal(t, "Hello world.", reply.Content)
}

func TestAIReplyCancelledPersistsNothing(t *testing.T) {
	ms := newMemStore()
	gate := make(chan struct{})
	llm := &streamLLM{fragments: []string{"first ", "second ", "third"}, gate: gate}
	svc := testService(ms, llm, nil)

	thread, err := svc.Create(context.Background(), createReq())
	require.NoError(t, err)
	root, err := svc.Post(context.Background(), PostRequest{ThreadUUID: thread.ThreadUUID, Content: "question", UserHash: "u"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	fragments, err := svc.AIReply(ctx, thread.ThreadUUID, root.UUID)
	require.NoError(t, err)

	gate <- struct{}{} // let one fragment through
	first := <-fragments
	assert.Equal(t, "first ", first.Content)
	cancel()

	for range fragments {
		// drain whatever was in flight
	}

	count, err := ms.CountPosts(context.Background(), thread.ThreadUUID)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only the human post remains")
}

func TestAIReplyUnknownTargets(t *testing.T) {
	ms := newMemStore()
	svc := testService(ms, &streamLLM{}, nil)

	thread, err := svc.Create(context.Background(), createReq())
	require.NoError(t, err)

	_, err = svc.AIReply(context.Background(), uuid.NewString(), uuid.NewString())
	assert.ErrorIs(t, err, ErrInvalidThread)

	_, err = svc.AIReply(context.Background(), thread.ThreadUUID, uuid.NewString())
	assert.ErrorIs(t, err, ErrInvalidParent)
}
