package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	_ "github.com/jackc/pgx/v4/stdlib"

	"blog/pkg/common"
	"blog/pkg/logger"
	"blog/pkg/post"
	"blog/pkg/voting"
)

const schema = `
CREATE TABLE IF NOT EXISTS posts (
	id             TEXT PRIMARY KEY,
	slug           TEXT NOT NULL UNIQUE,
	author_id      TEXT NOT NULL,
	state          TEXT NOT NULL DEFAULT 'draft' CHECK (state IN ('draft', 'published')),
	title          TEXT NOT NULL,
	content        TEXT NOT NULL,
	tag_ids        TEXT[] NOT NULL DEFAULT '{}',
	views_count    INTEGER NOT NULL DEFAULT 0 CHECK (views_count >= 0),
	likes_count    INTEGER NOT NULL DEFAULT 0 CHECK (likes_count >= 0),
	dislikes_count INTEGER NOT NULL DEFAULT 0 CHECK (dislikes_count >= 0),
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS posts_author_idx ON posts (author_id, created_at DESC);
CREATE INDEX IF NOT EXISTS posts_created_idx ON posts (created_at DESC);

CREATE TABLE IF NOT EXISTS reactions (
	post_id    TEXT NOT NULL REFERENCES posts (id) ON DELETE CASCADE,
	user_id    TEXT NOT NULL,
	kind       SMALLINT NOT NULL CHECK (kind IN (1, -1)),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (post_id, user_id)
);`

const postColumns = "id, slug, author_id, state, title, content, tag_ids, views_count, likes_count, dislikes_count, created_at, updated_at"

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

type (
	queryer interface {
		QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
		QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
		ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	}

	scanner interface {
		Scan(dest ...interface{}) error
	}

	Store struct {
		db *sql.DB
	}
)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: failed migrating schema: %w", err)
	}
	return nil
}

// Atomic runs fn in a database transaction. Posts read through the
// transaction are locked with SELECT ... FOR UPDATE until commit.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx post.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed starting transaction: %w", err)
	}

	if err := fn(ctx, &tx{q: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			logger.Log(ctx).Errorf("postgres: rollback failed: %v", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed committing transaction: %w", mapErr(err))
	}
	return nil
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%v: %w", err, common.ErrConflict)
		}
	}
	return err
}

func scanPost(row scanner) (*post.Post, error) {
	var (
		p         = new(post.Post)
		id, state string
		tags      pgtype.TextArray
	)
	err := row.Scan(&id, &p.Slug, &p.AuthorId, &state, &p.Title, &p.Content, &tags,
		&p.Views, &p.Likes, &p.Dislikes, &p.Created, &p.Updated)
	if err != nil {
		return nil, err
	}
	p.Id = post.PostId(id)
	p.State = post.State(state)
	p.TagIds = []string{}
	if tags.Status == pgtype.Present {
		if err := tags.AssignTo(&p.TagIds); err != nil {
			return nil, fmt.Errorf("postgres: bad tag_ids of post %s: %w", id, err)
		}
	}
	return p, nil
}

func getPost(ctx context.Context, q queryer, ref string, lock bool) (*post.Post, error) {
	query := "SELECT " + postColumns + " FROM posts WHERE id = $1 OR slug = $1"
	if lock {
		query += " FOR UPDATE"
	}
	p, err := scanPost(q.QueryRowContext(ctx, query, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres: post %s: %w", ref, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed loading post %s: %w", ref, err)
	}
	return p, nil
}

// === Read side ===

func (s *Store) GetPost(ctx context.Context, ref string) (*post.Post, error) {
	return getPost(ctx, s.db, ref, false)
}

// sortColumns whitelists the leading ORDER BY columns per sort key.
var sortColumns = map[post.SortKey]string{
	post.SortViews: "views_count DESC, ",
	post.SortLikes: "likes_count DESC, ",
}

func (s *Store) ListPosts(ctx context.Context, f post.Filter) ([]*post.Post, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.AuthorId != "" {
		where = append(where, "author_id = "+arg(f.AuthorId))
	}
	if !f.AllDrafts {
		if f.ViewerId != "" {
			where = append(where, "(state = 'published' OR author_id = "+arg(f.ViewerId)+")")
		} else {
			where = append(where, "state = 'published'")
		}
	}

	query := "SELECT " + postColumns + " FROM posts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + sortColumns[f.Sort] + "created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed listing posts: %w", err)
	}
	defer rows.Close()

	posts := []*post.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: could not scan post row: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed iterating posts: %w", err)
	}
	return posts, nil
}

func (s *Store) IncrementViews(ctx context.Context, id post.PostId) error {
	res, err := s.db.ExecContext(ctx, "UPDATE posts SET views_count = views_count + 1 WHERE id = $1", string(id))
	if err != nil {
		return fmt.Errorf("postgres: failed counting view of %s: %w", id, err)
	}
	return expectAffected(res, fmt.Sprintf("post %s", id))
}

func (s *Store) Stats(ctx context.Context) (*post.Stats, error) {
	stats := new(post.Stats)
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*),
		COUNT(*) FILTER (WHERE state = 'published'),
		COALESCE(SUM(views_count), 0),
		COALESCE(SUM(likes_count), 0),
		COALESCE(SUM(dislikes_count), 0)
		FROM posts`)
	err := row.Scan(&stats.TotalPosts, &stats.PublishedPosts, &stats.TotalViews, &stats.TotalLikes, &stats.TotalDislikes)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed loading stats: %w", err)
	}
	stats.DraftPosts = stats.TotalPosts - stats.PublishedPosts
	return stats, nil
}

func expectAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("postgres: %s: %w", what, common.ErrNotFound)
	}
	return nil
}

// === Unit of work ===

type tx struct {
	q queryer
}

func (t *tx) GetPost(ctx context.Context, ref string) (*post.Post, error) {
	return getPost(ctx, t.q, ref, true)
}

func (t *tx) SavePost(ctx context.Context, p *post.Post) error {
	tags := pgtype.TextArray{}
	if err := tags.Set(append([]string{}, p.TagIds...)); err != nil {
		return fmt.Errorf("postgres: bad tags of post %s: %w", p.Id, err)
	}

	_, err := t.q.ExecContext(ctx, `INSERT INTO posts
		(id, slug, author_id, state, title, content, tag_ids, likes_count, dislikes_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			tag_ids = EXCLUDED.tag_ids,
			likes_count = EXCLUDED.likes_count,
			dislikes_count = EXCLUDED.dislikes_count,
			updated_at = EXCLUDED.updated_at`,
		string(p.Id), p.Slug, p.AuthorId, string(p.State), p.Title, p.Content, tags,
		p.Likes, p.Dislikes, p.Created, p.Updated)
	if err != nil {
		return fmt.Errorf("postgres: failed saving post %s: %w", p.Id, mapErr(err))
	}
	return nil
}

func (t *tx) DeletePost(ctx context.Context, id post.PostId) error {
	res, err := t.q.ExecContext(ctx, "DELETE FROM posts WHERE id = $1", string(id))
	if err != nil {
		return fmt.Errorf("postgres: failed deleting post %s: %w", id, err)
	}
	return expectAffected(res, fmt.Sprintf("post %s", id))
}

func (t *tx) GetReaction(ctx context.Context, id post.PostId, userId string) (voting.Kind, error) {
	var kind int
	err := t.q.QueryRowContext(ctx, "SELECT kind FROM reactions WHERE post_id = $1 AND user_id = $2",
		string(id), userId).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return voting.None, nil
	}
	if err != nil {
		return voting.None, fmt.Errorf("postgres: failed loading reaction: %w", err)
	}
	return voting.Kind(kind), nil
}

func (t *tx) UpsertReaction(ctx context.Context, id post.PostId, userId string, kind voting.Kind) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO reactions (post_id, user_id, kind) VALUES ($1, $2, $3)
		ON CONFLICT (post_id, user_id) DO UPDATE SET kind = EXCLUDED.kind`,
		string(id), userId, int(kind))
	if err != nil {
		return fmt.Errorf("postgres: failed upserting reaction: %w", mapErr(err))
	}
	return nil
}

func (t *tx) DeleteReaction(ctx context.Context, id post.PostId, userId string) error {
	res, err := t.q.ExecContext(ctx, "DELETE FROM reactions WHERE post_id = $1 AND user_id = $2", string(id), userId)
	if err != nil {
		return fmt.Errorf("postgres: failed deleting reaction: %w", err)
	}
	return expectAffected(res, fmt.Sprintf("reaction of %s on %s", userId, id))
}

func (t *tx) DeleteReactions(ctx context.Context, id post.PostId) error {
	_, err := t.q.ExecContext(ctx, "DELETE FROM reactions WHERE post_id = $1", string(id))
	if err != nil {
		return fmt.Errorf("postgres: failed deleting reactions of %s: %w", id, err)
	}
	return nil
}

func (t *tx) CountReactions(ctx context.Context, id post.PostId, kind voting.Kind) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM reactions WHERE post_id = $1 AND kind = $2",
		string(id), int(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed counting reactions: %w", err)
	}
	return n, nil
}
