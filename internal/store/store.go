package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/rbase-ai/deepreview/internal/engine"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Generation request statuses persisted for audit.
const (
	RequestStatusPending  = "pending"
	RequestStatusHandling = "handling"
	RequestStatusFinished = "finished"
	RequestStatusError    = "error"
)

type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Thread is a discussion thread anchored to a summarizable entity.
type Thread struct {
	UUID            string
	RelatedType     string
	RelatedID       int64
	TermTreeNodeIDs []int64
	Version         string
	Fingerprint     string
	UserHash        string
	UserID          sql.NullInt64
	Depth           int
	CreatedAt       time.Time
}

// Post is one node of a thread's conversation tree. Append-only.
type Post struct {
	UUID       string
	ThreadUUID string
	ParentUUID sql.NullString
	Depth      int
	Content    string
	AuthorRef  string
	UserHash   string
	IsSummary  bool
	CreatedAt  time.Time
}

// GenerationRecord is the audit row for one generation request.
type GenerationRecord struct {
	ID        int64
	Kind      string
	Subject   string
	Language  string
	Status    string
	Error     string
	Tokens    int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// --- Discussion threads ---

// ThreadByFingerprint returns the existing thread for (fingerprint, user
// hash), or ErrNotFound.
func (s *Store) ThreadByFingerprint(ctx context.Context, fingerprint, userHash string) (*Thread, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT uuid, related_type, related_id, term_tree_node_ids, version, fingerprint, user_hash, user_id, depth, created_at
		FROM discuss_threads WHERE fingerprint = $1 AND user_hash = $2`, fingerprint, userHash)
	return scanThread(row)
}

// Thread returns a thread by uuid, or ErrNotFound.
func (s *Store) Thread(ctx context.Context, threadUUID string) (*Thread, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT uuid, related_type, related_id, term_tree_node_ids, version, fingerprint, user_hash, user_id, depth, created_at
		FROM discuss_threads WHERE uuid = $1`, threadUUID)
	return scanThread(row)
}

func scanThread(row *sql.Row) (*Thread, error) {
	var t Thread
	var nodes pq.Int64Array
	err := row.Scan(&t.UUID, &t.RelatedType, &t.RelatedID, &nodes, &t.Version, &t.Fingerprint, &t.UserHash, &t.UserID, &t.Depth, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.TermTreeNodeIDs = []int64(nodes)
	return &t, nil
}

// CreateThread inserts a new thread. On a fingerprint+user conflict the
// existing thread is returned, making creation idempotent.
func (s *Store) CreateThread(ctx context.Context, t *Thread) (*Thread, error) {
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO discuss_threads (uuid, related_type, related_id, term_tree_node_ids, version, fingerprint, user_hash, user_id, depth, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, NOW())
		ON CONFLICT (fingerprint, user_hash) DO NOTHING`,
		t.UUID, t.RelatedType, t.RelatedID, pq.Array(t.TermTreeNodeIDs), t.Version, t.Fingerprint, t.UserHash, t.UserID)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return s.ThreadByFingerprint(ctx, t.Fingerprint, t.UserHash)
}

// Post returns a post by uuid, or ErrNotFound.
func (s *Store) Post(ctx context.Context, postUUID string) (*Post, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT uuid, thread_uuid, parent_uuid, depth, content, author_ref, user_hash, is_summary, created_at
		FROM discuss_posts WHERE uuid = $1`, postUUID)
	var p Post
	err := row.Scan(&p.UUID, &p.ThreadUUID, &p.ParentUUID, &p.Depth, &p.Content, &p.AuthorRef, &p.UserHash, &p.IsSummary, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertPost appends a post and advances the thread's depth watermark.
func (s *Store) InsertPost(ctx context.Context, p *Post) error {
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO discuss_posts (uuid, thread_uuid, parent_uuid, depth, content, author_ref, user_hash, is_summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		p.UUID, p.ThreadUUID, p.ParentUUID, p.Depth, p.Content, p.AuthorRef, p.UserHash, p.IsSummary)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE discuss_threads SET depth = GREATEST(depth, $1) WHERE uuid = $2`, p.Depth, p.ThreadUUID)
	if err != nil {
		return fmt.Errorf("advance thread depth: %w", err)
	}
	return tx.Commit()
}

// ListPosts returns posts ordered by (depth, created_at), ascending or
// descending, starting at fromDepth, capped at limit.
func (s *Store) ListPosts(ctx context.Context, threadUUID string, fromDepth, limit int, descending bool) ([]Post, error) {
	dir := "ASC"
	if descending {
		dir = "DESC"
	}
	q := fmt.Sprintf(`
		SELECT uuid, thread_uuid, parent_uuid, depth, content, author_ref, user_hash, is_summary, created_at
		FROM discuss_posts
		WHERE thread_uuid = $1 AND depth >= $2
		ORDER BY depth %s, created_at %s
		LIMIT $3`, dir, dir)
	rows, err := s.DB.QueryContext(ctx, q, threadUUID, fromDepth, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.UUID, &p.ThreadUUID, &p.ParentUUID, &p.Depth, &p.Content, &p.AuthorRef, &p.UserHash, &p.IsSummary, &p.CreatedAt); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// CountPosts returns the total number of posts in a thread.
func (s *Store) CountPosts(ctx context.Context, threadUUID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM discuss_posts WHERE thread_uuid = $1`, threadUUID).Scan(&n)
	return n, err
}

// PostsUpTo returns the most recent posts at or before the reply target,
// oldest first, bounded by limit. Used to build AI reply history.
func (s *Store) PostsUpTo(ctx context.Context, threadUUID, replyUUID string, limit int) ([]Post, error) {
	target, err := s.Post(ctx, replyUUID)
	if err != nil {
		return nil, err
	}
	if target.ThreadUUID != threadUUID {
		return nil, ErrNotFound
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT uuid, thread_uuid, parent_uuid, depth, content, author_ref, user_hash, is_summary, created_at
		FROM discuss_posts
		WHERE thread_uuid = $1 AND created_at <= $2
		ORDER BY created_at DESC
		LIMIT $3`, threadUUID, target.CreatedAt, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.UUID, &p.ThreadUUID, &p.ParentUUID, &p.Depth, &p.Content, &p.AuthorRef, &p.UserHash, &p.IsSummary, &p.CreatedAt); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// oldest first
	for i, j := 0, len(posts)-1; i < j; i, j = i+1, j-1 {
		posts[i], posts[j] = posts[j], posts[i]
	}
	return posts, nil
}

// --- Generation audit ---

// CreateGeneration inserts a pending audit row and returns its id.
func (s *Store) CreateGeneration(ctx context.Context, kind, subject, language string) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO generation_requests (kind, subject, language, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW()) RETURNING id`,
		kind, subject, language, RequestStatusPending).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert generation request: %w", err)
	}
	return id, nil
}

// UpdateGenerationStatus transitions an audit row.
func (s *Store) UpdateGenerationStatus(ctx context.Context, id int64, status, errMsg string, tokens int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE generation_requests SET status = $2, error = $3, tokens = $4, updated_at = NOW() WHERE id = $1`,
		id, status, errMsg, tokens)
	return err
}

// StoreGenerationResponse persists the response payload for an audit row.
func (s *Store) StoreGenerationResponse(ctx context.Context, requestID int64, payload []byte) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO generation_responses (request_id, payload, created_at) VALUES ($1, $2, NOW())`,
		requestID, payload)
	return err
}

// --- Article metadata ---

// ArticlesByIDs resolves cited article ids to citation metadata.
func (s *Store) ArticlesByIDs(ctx context.Context, ids []string) (map[string]engine.ArticleMeta, error) {
	if len(ids) == 0 {
		return map[string]engine.ArticleMeta{}, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id::text, title, journal_name, authors, doi, EXTRACT(YEAR FROM pubdate)::int
		FROM articles WHERE id::text = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("article lookup: %w", err)
	}
	defer rows.Close()

	out := make(map[string]engine.ArticleMeta, len(ids))
	for rows.Next() {
		var m engine.ArticleMeta
		if err := rows.Scan(&m.ID, &m.Title, &m.Journal, &m.Authors, &m.DOI, &m.Year); err != nil {
			return nil, err
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

// ArticlesForSubject loads the articles attached to a channel, section or
// article for summary generation. Term tree nodes narrow the selection when
// provided.
func (s *Store) ArticlesForSubject(ctx context.Context, relatedType string, relatedID int64, termTreeNodeIDs []int64, limit int) ([]engine.SummaryArticle, error) {
	var (
		q    string
		args []interface{}
	)
	switch strings.ToLower(relatedType) {
	case "article":
		q = `SELECT id, title, COALESCE(abstract, ''), journal_name, EXTRACT(YEAR FROM pubdate)::int
			FROM articles WHERE id = $1`
		args = []interface{}{relatedID}
	case "channel", "section":
		q = `SELECT a.id, a.title, COALESCE(a.abstract, ''), a.journal_name, EXTRACT(YEAR FROM a.pubdate)::int
			FROM articles a
			JOIN related_articles ra ON ra.article_id = a.id
			WHERE ra.related_type = $1 AND ra.related_id = $2
			  AND ($3::bigint[] IS NULL OR ra.term_tree_node_id = ANY($3))
			ORDER BY a.impact_factor DESC NULLS LAST, a.pubdate DESC
			LIMIT $4`
		var nodes interface{}
		if len(termTreeNodeIDs) > 0 {
			nodes = pq.Array(termTreeNodeIDs)
		}
		args = []interface{}{strings.ToLower(relatedType), relatedID, nodes, limit}
	default:
		return nil, fmt.Errorf("unknown related_type %q", relatedType)
	}

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("articles for %s/%d: %w", relatedType, relatedID, err)
	}
	defer rows.Close()

	var articles []engine.SummaryArticle
	for rows.Next() {
		var a engine.SummaryArticle
		if err := rows.Scan(&a.ID, &a.Title, &a.Abstract, &a.Journal, &a.Year); err != nil {
			return nil, err
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}
