package reaction

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blog/pkg/common"
	"blog/pkg/identity"
	"blog/pkg/post"
	"blog/pkg/storage/inmemory"
	"blog/pkg/voting"
)

var (
	u1 = &identity.Identity{UserId: "u1", Roles: []identity.Role{identity.RoleUser}}
	u2 = &identity.Identity{UserId: "u2", Roles: []identity.Role{identity.RoleUser}}
	u3 = &identity.Identity{UserId: "u3", Roles: []identity.Role{identity.RoleUser}}
	m  = &identity.Identity{UserId: "m", Roles: []identity.Role{identity.RoleUser, identity.RoleAdmin}}
)

type fixture struct {
	store     *inmemory.Store
	lifecycle *post.Lifecycle
	reactions *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := inmemory.New()
	return &fixture{
		store:     store,
		lifecycle: post.NewLifecycle(store),
		reactions: NewManager(store),
	}
}

func (f *fixture) publishedPost(t *testing.T) *post.Post {
	t.Helper()
	ctx := context.Background()
	p, err := f.lifecycle.CreateDraft(ctx, u1.UserId, &post.Post{Title: "Reactions", Content: "body"})
	require.NoError(t, err)
	p, err = f.lifecycle.Approve(ctx, m, string(p.Id))
	require.NoError(t, err)
	return p
}

// assertLedger checks the stored counters against the ledger entries.
func (f *fixture) assertLedger(t *testing.T, id post.PostId) {
	t.Helper()
	p, err := f.store.GetPost(context.Background(), string(id))
	require.NoError(t, err)

	var likes, dislikes int
	seen := map[string]bool{}
	for _, v := range f.store.Votes(id) {
		assert.False(t, seen[v.UserId], "duplicate ledger entry for %s", v.UserId)
		seen[v.UserId] = true
		switch v.Kind {
		case voting.Like:
			likes++
		case voting.Dislike:
			dislikes++
		}
	}
	assert.Equal(t, likes, p.Likes, "likes drifted from ledger")
	assert.Equal(t, dislikes, p.Dislikes, "dislikes drifted from ledger")
}

func TestSetReactionToggle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.publishedPost(t)
	ref := string(p.Id)

	res, err := f.reactions.SetReaction(ctx, u2, ref, voting.Like)
	require.NoError(t, err)
	assert.Equal(t, &Result{voting.Counters{Likes: 1}, voting.Like}, res)
	f.assertLedger(t, p.Id)

	// same reaction again retracts
	res, err = f.reactions.SetReaction(ctx, u2, ref, voting.Like)
	require.NoError(t, err)
	assert.Equal(t, &Result{voting.Counters{}, voting.None}, res)
	assert.Empty(t, f.store.Votes(p.Id))

	// third press likes again
	res, err = f.reactions.SetReaction(ctx, u2, ref, voting.Like)
	require.NoError(t, err)
	assert.Equal(t, &Result{voting.Counters{Likes: 1}, voting.Like}, res)
	f.assertLedger(t, p.Id)
}

func TestSetReactionSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.publishedPost(t)

	_, err := f.reactions.SetReaction(ctx, u3, p.Slug, voting.Like)
	require.NoError(t, err)
	before, err := f.reactions.SetReaction(ctx, u2, p.Slug, voting.Dislike)
	require.NoError(t, err)
	assert.Equal(t, voting.Counters{Likes: 1, Dislikes: 1}, before.Counters)

	after, err := f.reactions.SetReaction(ctx, u2, p.Slug, voting.Like)
	require.NoError(t, err)
	assert.Equal(t, before.Likes+1, after.Likes)
	assert.Equal(t, before.Dislikes-1, after.Dislikes)
	assert.Equal(t, voting.Like, after.Mine)

	var entries []voting.Vote
	for _, v := range f.store.Votes(p.Id) {
		if v.UserId == u2.UserId {
			entries = append(entries, v)
		}
	}
	require.Len(t, entries, 1)
	assert.Equal(t, voting.Like, entries[0].Kind)
	f.assertLedger(t, p.Id)
}

func TestSetReactionErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.publishedPost(t)

	_, err := f.reactions.SetReaction(ctx, nil, string(p.Id), voting.Like)
	assert.ErrorIs(t, err, common.ErrPermissionDenied)

	_, err = f.reactions.SetReaction(ctx, &identity.Identity{}, string(p.Id), voting.Like)
	assert.ErrorIs(t, err, common.ErrPermissionDenied)

	_, err = f.reactions.SetReaction(ctx, u2, string(p.Id), voting.None)
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = f.reactions.SetReaction(ctx, u2, "missing", voting.Like)
	assert.ErrorIs(t, err, common.ErrNotFound)

	draft, err := f.lifecycle.CreateDraft(ctx, u1.UserId, &post.Post{Title: "Hidden", Content: "body"})
	require.NoError(t, err)
	_, err = f.reactions.SetReaction(ctx, u2, string(draft.Id), voting.Like)
	assert.ErrorIs(t, err, common.ErrNotFound)

	// the author sees their draft and may react to it
	_, err = f.reactions.SetReaction(ctx, u1, string(draft.Id), voting.Like)
	assert.NoError(t, err)
}

type failingCountStore struct {
	*inmemory.Store
}

type failingCountTx struct {
	post.Tx
}

func (s failingCountStore) Atomic(ctx context.Context, fn func(context.Context, post.Tx) error) error {
	return s.Store.Atomic(ctx, func(ctx context.Context, tx post.Tx) error {
		return fn(ctx, failingCountTx{tx})
	})
}

func (failingCountTx) CountReactions(context.Context, post.PostId, voting.Kind) (int, error) {
	return 0, errors.New("count failed")
}

func TestSetReactionRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.publishedPost(t)

	broken := NewManager(failingCountStore{f.store})
	_, err := broken.SetReaction(ctx, u2, string(p.Id), voting.Like)
	assert.EqualError(t, err, "reaction: failed setting LIKE on "+string(p.Id)+": count failed")

	assert.Empty(t, f.store.Votes(p.Id))
	f.assertLedger(t, p.Id)
}

func TestSetReactionConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.publishedPost(t)

	const users = 20
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		actor := &identity.Identity{UserId: string(rune('a' + i))}
		kind := voting.Like
		if i%2 == 1 {
			kind = voting.Dislike
		}
		// three presses per user end with the reaction set
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.reactions.SetReaction(ctx, actor, string(p.Id), kind)
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	stored, err := f.store.GetPost(ctx, string(p.Id))
	require.NoError(t, err)
	assert.Equal(t, users/2, stored.Likes)
	assert.Equal(t, users/2, stored.Dislikes)
	f.assertLedger(t, p.Id)
}

func TestScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.lifecycle.CreateDraft(ctx, u1.UserId, &post.Post{Title: "Scenario", Content: "body"})
	require.NoError(t, err)
	require.Equal(t, post.StateDraft, p.State)

	_, err = f.lifecycle.Approve(ctx, u2, string(p.Id))
	require.ErrorIs(t, err, common.ErrPermissionDenied)
	stored, err := f.store.GetPost(ctx, string(p.Id))
	require.NoError(t, err)
	require.Equal(t, post.StateDraft, stored.State)

	approved, err := f.lifecycle.Approve(ctx, m, string(p.Id))
	require.NoError(t, err)
	require.Equal(t, post.StatePublished, approved.State)

	res, err := f.reactions.SetReaction(ctx, u3, string(p.Id), voting.Like)
	require.NoError(t, err)
	assert.Equal(t, voting.Counters{Likes: 1, Dislikes: 0}, res.Counters)

	res, err = f.reactions.SetReaction(ctx, u3, string(p.Id), voting.Dislike)
	require.NoError(t, err)
	assert.Equal(t, voting.Counters{Likes: 0, Dislikes: 1}, res.Counters)

	require.NoError(t, f.lifecycle.Delete(ctx, u1, string(p.Id)))
	_, err = f.store.GetPost(ctx, string(p.Id))
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Empty(t, f.store.Votes(p.Id))
}
