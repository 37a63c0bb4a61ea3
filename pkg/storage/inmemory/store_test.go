package inmemory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blog/pkg/common"
	"blog/pkg/post"
	"blog/pkg/voting"
)

func newPost(id, slug string, created time.Time, state post.State) *post.Post {
	return &post.Post{
		Id:       post.PostId(id),
		Slug:     slug,
		AuthorId: "u1",
		State:    state,
		Title:    slug,
		Content:  "body",
		Created:  created,
		Updated:  created,
	}
}

func save(t *testing.T, s *Store, posts ...*post.Post) {
	t.Helper()
	err := s.Atomic(context.Background(), func(ctx context.Context, tx post.Tx) error {
		for _, p := range posts {
			if err := tx.SavePost(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestAtomicRollsBack(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	save(t, s, newPost("p1", "first", now, post.StatePublished))

	stop := errors.New("stop")
	err := s.Atomic(ctx, func(ctx context.Context, tx post.Tx) error {
		require.NoError(t, tx.UpsertReaction(ctx, "p1", "u2", voting.Like))
		require.NoError(t, tx.SavePost(ctx, newPost("p2", "second", now, post.StateDraft)))

		p, err := tx.GetPost(ctx, "first")
		require.NoError(t, err)
		p.Likes = 1
		require.NoError(t, tx.SavePost(ctx, p))
		require.NoError(t, tx.DeletePost(ctx, "p1"))
		return stop
	})
	assert.ErrorIs(t, err, stop)

	p, err := s.GetPost(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Likes)
	assert.Empty(t, s.Votes("p1"))
	_, err = s.GetPost(ctx, "second")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestAtomicCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New().Atomic(ctx, func(ctx context.Context, tx post.Tx) error {
		t.Error("fn must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSavePost(t *testing.T) {
	s := New()
	ctx := context.Background()
	created := time.Now()
	save(t, s, newPost("p1", "hello", created, post.StateDraft))

	t.Run("slug is unique", func(t *testing.T) {
		err := s.Atomic(ctx, func(ctx context.Context, tx post.Tx) error {
			return tx.SavePost(ctx, newPost("p2", "hello", created, post.StateDraft))
		})
		assert.ErrorIs(t, err, common.ErrConflict)
	})

	t.Run("immutable fields and views are kept", func(t *testing.T) {
		require.NoError(t, s.IncrementViews(ctx, "p1"))

		changed := newPost("p1", "hello", created.Add(time.Hour), post.StatePublished)
		changed.AuthorId = "intruder"
		changed.Views = 100
		save(t, s, changed)

		p, err := s.GetPost(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "u1", p.AuthorId)
		assert.Equal(t, 1, p.Views)
		assert.True(t, p.Created.Equal(created))
		assert.Equal(t, post.StatePublished, p.State)
	})

	t.Run("returned posts are copies", func(t *testing.T) {
		p, err := s.GetPost(ctx, "p1")
		require.NoError(t, err)
		p.Title = "mutated"

		again, err := s.GetPost(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "hello", again.Title)
	})
}

func TestReactionLedger(t *testing.T) {
	s := New()
	ctx := context.Background()
	save(t, s, newPost("p1", "hello", time.Now(), post.StatePublished))

	err := s.Atomic(ctx, func(ctx context.Context, tx post.Tx) error {
		if err := tx.UpsertReaction(ctx, "p1", "u2", voting.Like); err != nil {
			return err
		}
		if err := tx.UpsertReaction(ctx, "p1", "u3", voting.Like); err != nil {
			return err
		}
		// switch in place
		if err := tx.UpsertReaction(ctx, "p1", "u3", voting.Dislike); err != nil {
			return err
		}

		kind, err := tx.GetReaction(ctx, "p1", "u3")
		require.NoError(t, err)
		assert.Equal(t, voting.Dislike, kind)

		likes, _ := tx.CountReactions(ctx, "p1", voting.Like)
		dislikes, _ := tx.CountReactions(ctx, "p1", voting.Dislike)
		assert.Equal(t, 1, likes)
		assert.Equal(t, 1, dislikes)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, s.Votes("p1"), 2)

	err = s.Atomic(ctx, func(ctx context.Context, tx post.Tx) error {
		assert.ErrorIs(t, tx.UpsertReaction(ctx, "p1", "u4", voting.None), common.ErrValidation)
		assert.ErrorIs(t, tx.DeleteReaction(ctx, "p1", "u4"), common.ErrNotFound)
		return tx.DeleteReactions(ctx, "p1")
	})
	require.NoError(t, err)
	assert.Empty(t, s.Votes("p1"))
}

func TestListPosts(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		state := post.StatePublished
		if i%2 == 1 {
			state = post.StateDraft
		}
		save(t, s, newPost(fmt.Sprintf("p%d", i), fmt.Sprintf("post-%d", i), base.Add(time.Duration(i)*time.Minute), state))
	}

	ids := func(posts []*post.Post) []post.PostId {
		res := []post.PostId{}
		for _, p := range posts {
			res = append(res, p.Id)
		}
		return res
	}

	posts, err := s.ListPosts(ctx, post.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []post.PostId{"p4", "p2", "p0"}, ids(posts))

	posts, err = s.ListPosts(ctx, post.Filter{AllDrafts: true, Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []post.PostId{"p3", "p2"}, ids(posts))

	posts, err = s.ListPosts(ctx, post.Filter{AllDrafts: true, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, posts)

	require.NoError(t, s.IncrementViews(ctx, "p0"))
	posts, err = s.ListPosts(ctx, post.Filter{Sort: post.SortViews})
	require.NoError(t, err)
	assert.Equal(t, []post.PostId{"p0", "p4", "p2"}, ids(posts))

	assert.NotPanics(t, func() {
		_, err = s.ListPosts(ctx, post.Filter{Offset: -9223372036854775806, Limit: 10})
	})
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestStats(t *testing.T) {
	s := New()
	ctx := context.Background()
	published := newPost("p1", "one", time.Now(), post.StatePublished)
	published.Likes, published.Dislikes = 2, 1
	save(t, s, published, newPost("p2", "two", time.Now(), post.StateDraft))
	require.NoError(t, s.IncrementViews(ctx, "p1"))
	assert.ErrorIs(t, s.IncrementViews(ctx, "missing"), common.ErrNotFound)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &post.Stats{
		TotalPosts:     2,
		PublishedPosts: 1,
		DraftPosts:     1,
		TotalViews:     1,
		TotalLikes:     2,
		TotalDislikes:  1,
	}, stats)
}
