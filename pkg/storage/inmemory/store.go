package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"blog/pkg/common"
	"blog/pkg/post"
	"blog/pkg/voting"
)

// Store keeps posts and the reaction ledger in memory. Units of work are
// serialized by a store-wide write lock and rolled back from an undo journal.
type Store struct {
	mu    sync.RWMutex
	posts map[post.PostId]*post.Post
	slugs map[string]post.PostId
	votes map[post.PostId]map[string]*voting.Vote
}

func New() *Store {
	return &Store{
		posts: make(map[post.PostId]*post.Post),
		slugs: make(map[string]post.PostId),
		votes: make(map[post.PostId]map[string]*voting.Vote),
	}
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx post.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{s: s}
	if err := fn(ctx, t); err != nil {
		t.rollback()
		return err
	}
	return nil
}

// === Read side ===

func (s *Store) GetPost(ctx context.Context, ref string) (*post.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.lookup(ref)
	if !ok {
		return nil, fmt.Errorf("inmemory: post %s: %w", ref, common.ErrNotFound)
	}
	return clone(p), nil
}

func (s *Store) ListPosts(ctx context.Context, f post.Filter) ([]*post.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*post.Post, 0, len(s.posts))
	for _, p := range s.posts {
		if f.Visible(p) {
			matched = append(matched, p)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return f.Less(matched[i], matched[j]) })

	start := f.Offset
	if start < 0 || f.Limit < 0 {
		return nil, fmt.Errorf("inmemory: bad page offset %d limit %d: %w", f.Offset, f.Limit, common.ErrValidation)
	}
	if start >= len(matched) {
		return []*post.Post{}, nil
	}
	end := len(matched)
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}

	page := make([]*post.Post, 0, end-start)
	for _, p := range matched[start:end] {
		page = append(page, clone(p))
	}
	return page, nil
}

func (s *Store) IncrementViews(ctx context.Context, id post.PostId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return fmt.Errorf("inmemory: post %s: %w", id, common.ErrNotFound)
	}
	p.Views++
	return nil
}

func (s *Store) Stats(ctx context.Context) (*post.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &post.Stats{}
	for _, p := range s.posts {
		stats.TotalPosts++
		if p.Published() {
			stats.PublishedPosts++
		} else {
			stats.DraftPosts++
		}
		stats.TotalViews += int64(p.Views)
		stats.TotalLikes += int64(p.Likes)
		stats.TotalDislikes += int64(p.Dislikes)
	}
	return stats, nil
}

func (s *Store) lookup(ref string) (*post.Post, bool) {
	if p, ok := s.posts[post.PostId(ref)]; ok {
		return p, true
	}
	if id, ok := s.slugs[ref]; ok {
		return s.posts[id], true
	}
	return nil, false
}

func clone(p *post.Post) *post.Post {
	c := *p
	c.TagIds = append([]string{}, p.TagIds...)
	return &c
}

// === Unit of work ===

type tx struct {
	s    *Store
	undo []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) GetPost(ctx context.Context, ref string) (*post.Post, error) {
	p, ok := t.s.lookup(ref)
	if !ok {
		return nil, fmt.Errorf("inmemory: post %s: %w", ref, common.ErrNotFound)
	}
	return clone(p), nil
}

func (t *tx) SavePost(ctx context.Context, p *post.Post) error {
	if owner, ok := t.s.slugs[p.Slug]; ok && owner != p.Id {
		return fmt.Errorf("inmemory: slug %s is taken: %w", p.Slug, common.ErrConflict)
	}

	saved := clone(p)
	prev, existed := t.s.posts[p.Id]
	if existed {
		// views are only counted through IncrementViews
		saved.Views = prev.Views
		saved.Slug = prev.Slug
		saved.AuthorId = prev.AuthorId
		saved.Created = prev.Created
	} else {
		t.s.slugs[saved.Slug] = saved.Id
	}
	t.s.posts[saved.Id] = saved

	t.undo = append(t.undo, func() {
		if existed {
			t.s.posts[prev.Id] = prev
			return
		}
		delete(t.s.posts, saved.Id)
		delete(t.s.slugs, saved.Slug)
	})
	return nil
}

func (t *tx) DeletePost(ctx context.Context, id post.PostId) error {
	prev, ok := t.s.posts[id]
	if !ok {
		return fmt.Errorf("inmemory: post %s: %w", id, common.ErrNotFound)
	}
	delete(t.s.posts, id)
	delete(t.s.slugs, prev.Slug)

	t.undo = append(t.undo, func() {
		t.s.posts[id] = prev
		t.s.slugs[prev.Slug] = id
	})
	return nil
}

func (t *tx) GetReaction(ctx context.Context, id post.PostId, userId string) (voting.Kind, error) {
	if v, ok := t.s.votes[id][userId]; ok {
		return v.Kind, nil
	}
	return voting.None, nil
}

func (t *tx) UpsertReaction(ctx context.Context, id post.PostId, userId string, kind voting.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("inmemory: reaction %s: %w", kind, common.ErrValidation)
	}
	postVotes, ok := t.s.votes[id]
	if !ok {
		postVotes = make(map[string]*voting.Vote)
		t.s.votes[id] = postVotes
	}

	prev, existed := postVotes[userId]
	if existed {
		updated := *prev
		updated.Kind = kind
		postVotes[userId] = &updated
	} else {
		postVotes[userId] = &voting.Vote{PostId: string(id), UserId: userId, Kind: kind, Created: time.Now().UTC()}
	}

	t.undo = append(t.undo, func() {
		if existed {
			postVotes[userId] = prev
			return
		}
		delete(postVotes, userId)
	})
	return nil
}

func (t *tx) DeleteReaction(ctx context.Context, id post.PostId, userId string) error {
	postVotes := t.s.votes[id]
	prev, ok := postVotes[userId]
	if !ok {
		return fmt.Errorf("inmemory: reaction of %s on %s: %w", userId, id, common.ErrNotFound)
	}
	delete(postVotes, userId)

	t.undo = append(t.undo, func() {
		postVotes[userId] = prev
	})
	return nil
}

func (t *tx) DeleteReactions(ctx context.Context, id post.PostId) error {
	prev, ok := t.s.votes[id]
	if !ok {
		return nil
	}
	delete(t.s.votes, id)

	t.undo = append(t.undo, func() {
		t.s.votes[id] = prev
	})
	return nil
}

func (t *tx) CountReactions(ctx context.Context, id post.PostId, kind voting.Kind) (int, error) {
	n := 0
	for _, v := range t.s.votes[id] {
		if v.Kind == kind {
			n++
		}
	}
	return n, nil
}

// Votes returns a snapshot of the ledger for a post, sorted by user.
// It is an inspection helper outside post.Store, used by tests of the
// packages built on top of the store.
func (s *Store) Votes(id post.PostId) []voting.Vote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	votes := make([]voting.Vote, 0, len(s.votes[id]))
	for _, v := range s.votes[id] {
		votes = append(votes, *v)
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].UserId < votes[j].UserId })
	return votes
}
