package post

import (
	"context"

	"blog/pkg/voting"
)

type (
	// Tx is the persistence adapter as seen from inside a unit of work.
	// Two units of work touching the same post never interleave: the
	// adapter either locks the post read by GetPost until Atomic returns
	// or aborts and retries the loser on a write conflict.
	Tx interface {
		GetPost(ctx context.Context, ref string) (*Post, error)
		SavePost(ctx context.Context, p *Post) error
		DeletePost(ctx context.Context, id PostId) error

		GetReaction(ctx context.Context, id PostId, userId string) (voting.Kind, error)
		UpsertReaction(ctx context.Context, id PostId, userId string, kind voting.Kind) error
		DeleteReaction(ctx context.Context, id PostId, userId string) error
		DeleteReactions(ctx context.Context, id PostId) error
		CountReactions(ctx context.Context, id PostId, kind voting.Kind) (int, error)
	}

	// Store is implemented by the storage adapters under pkg/storage.
	Store interface {
		// Atomic runs fn as one all-or-nothing unit of work. Any error
		// returned by fn rolls back every write made through tx.
		Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

		GetPost(ctx context.Context, ref string) (*Post, error)
		ListPosts(ctx context.Context, f Filter) ([]*Post, error)
		IncrementViews(ctx context.Context, id PostId) error
		Stats(ctx context.Context) (*Stats, error)
	}

	// Filter selects posts for listing. Published posts always match the
	// visibility part; drafts match when AllDrafts is set or the author is ViewerId.
	// Results are ordered by Sort descending, then by Created and Id descending.
	Filter struct {
		AuthorId  string
		ViewerId  string
		AllDrafts bool
		Sort      SortKey
		Offset    int
		Limit     int
	}

	// SortKey names the counter a listing is ordered by. The values match
	// the JSON field names of Post.
	SortKey string
)

const (
	SortCreated SortKey = "created"
	SortViews   SortKey = "viewsCount"
	SortLikes   SortKey = "likesCount"
)

// Valid reports whether k is a known key. Empty means SortCreated.
func (k SortKey) Valid() bool {
	switch k {
	case "", SortCreated, SortViews, SortLikes:
		return true
	}
	return false
}

// Less reports whether a goes before b in a listing ordered by f.Sort.
// In-memory adapters use it to mirror the ORDER BY of the databases.
func (f Filter) Less(a, b *Post) bool {
	switch f.Sort {
	case SortViews:
		if a.Views != b.Views {
			return a.Views > b.Views
		}
	case SortLikes:
		if a.Likes != b.Likes {
			return a.Likes > b.Likes
		}
	}
	if !a.Created.Equal(b.Created) {
		return a.Created.After(b.Created)
	}
	return a.Id > b.Id
}

// Visible reports whether p passes the visibility part of the filter.
// In-memory adapters and tests use it to mirror the SQL/Mongo predicates.
func (f Filter) Visible(p *Post) bool {
	if f.AuthorId != "" && p.AuthorId != f.AuthorId {
		return false
	}
	if p.Published() || f.AllDrafts {
		return true
	}
	return f.ViewerId != "" && p.AuthorId == f.ViewerId
}
