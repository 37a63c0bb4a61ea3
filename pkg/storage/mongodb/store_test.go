package mongodb

import (
	"context"
	"fmt"
	"testing"
	"time"

	gomock "github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"blog/pkg/common"
	"blog/pkg/identity"
	"blog/pkg/post"
	"blog/pkg/reaction"
	"blog/pkg/voting"
)

var created = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type mocks struct {
	posts     *MockIMongoCollection
	reactions *MockIMongoCollection
	store     *Store
}

func newMocks(ctrl *gomock.Controller) *mocks {
	m := &mocks{
		posts:     NewMockIMongoCollection(ctrl),
		reactions: NewMockIMongoCollection(ctrl),
	}
	m.store = &Store{
		posts:     m.posts,
		reactions: m.reactions,
		transact: func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		},
		now: func() time.Time { return created },
	}
	return m
}

func storedPost(state post.State, likes, dislikes int) post.Post {
	return post.Post{
		Id:       "p1",
		Slug:     "hello",
		AuthorId: "u1",
		State:    state,
		Title:    "Hello",
		Content:  "body",
		TagIds:   []string{"go"},
		Likes:    likes,
		Dislikes: dislikes,
		Created:  created,
		Updated:  created,
	}
}

func (m *mocks) expectPost(ctrl *gomock.Controller, ref string, p post.Post) *gomock.Call {
	single := NewMockIMongoSingleResult(ctrl)
	single.EXPECT().
		Decode(gomock.AssignableToTypeOf(&post.Post{})).
		SetArg(0, p).
		Return(nil)
	return m.posts.EXPECT().
		FindOne(gomock.Any(), refFilter(ref)).
		Return(single)
}

func (m *mocks) expectNoPost(ctrl *gomock.Controller, ref string) *gomock.Call {
	single := NewMockIMongoSingleResult(ctrl)
	single.EXPECT().
		Decode(gomock.Any()).
		Return(mongo.ErrNoDocuments)
	return m.posts.EXPECT().
		FindOne(gomock.Any(), refFilter(ref)).
		Return(single)
}

func TestGetPost(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	m := newMocks(ctrl)

	t.Run("success", func(t *testing.T) {
		m.expectPost(ctrl, "hello", storedPost(post.StatePublished, 1, 0))

		p, err := m.store.GetPost(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, post.PostId("p1"), p.Id)
		assert.Equal(t, 1, p.Likes)
	})

	t.Run("not found", func(t *testing.T) {
		m.expectNoPost(ctrl, "nope")

		_, err := m.store.GetPost(context.Background(), "nope")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("decode error", func(t *testing.T) {
		expectedErr := fmt.Errorf("decode_failed")
		single := NewMockIMongoSingleResult(ctrl)
		single.EXPECT().Decode(gomock.Any()).Return(expectedErr)
		m.posts.EXPECT().FindOne(gomock.Any(), refFilter("p1")).Return(single)

		_, err := m.store.GetPost(context.Background(), "p1")
		assert.ErrorIs(t, err, expectedErr)
		assert.NotErrorIs(t, err, common.ErrNotFound)
	})
}

func TestSetReaction(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	m := newMocks(ctrl)
	manager := reaction.NewManager(m.store)

	noReaction := NewMockIMongoSingleResult(ctrl)
	noReaction.EXPECT().Decode(gomock.Any()).Return(mongo.ErrNoDocuments)
	upserted := NewMockIMongoUpdateResult(ctrl)
	ledger := bson.M{"post_id": "p1", "user_id": "u2"}

	var saved bson.M
	gomock.InOrder(
		m.expectPost(ctrl, "p1", storedPost(post.StatePublished, 0, 1)),
		m.reactions.EXPECT().FindOne(gomock.Any(), ledger).Return(noReaction),
		m.reactions.EXPECT().
			UpdateOne(gomock.Any(), ledger, bson.M{
				"$set":         bson.M{"kind": 1},
				"$setOnInsert": bson.M{"created": created},
			}, gomock.Any()).
			Return(upserted, nil),
		m.reactions.EXPECT().CountDocuments(gomock.Any(), bson.M{"post_id": "p1", "kind": 1}).Return(int64(1), nil),
		m.reactions.EXPECT().CountDocuments(gomock.Any(), bson.M{"post_id": "p1", "kind": -1}).Return(int64(1), nil),
		m.posts.EXPECT().
			UpdateOne(gomock.Any(), bson.M{"id": "p1"}, gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, _, update interface{}, _ ...*options.UpdateOptions) (IMongoUpdateResult, error) {
				saved = update.(bson.M)
				return upserted, nil
			}),
	)

	actor := &identity.Identity{UserId: "u2"}
	res, err := manager.SetReaction(context.Background(), actor, "p1", voting.Like)
	require.NoError(t, err)
	assert.Equal(t, &reaction.Result{Counters: voting.Counters{Likes: 1, Dislikes: 1}, Mine: voting.Like}, res)

	set := saved["$set"].(bson.M)
	assert.Equal(t, 1, set["likes"])
	assert.Equal(t, 1, set["dislikes"])
	assert.NotContains(t, set, "views")
}

func TestRetractReaction(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	m := newMocks(ctrl)
	manager := reaction.NewManager(m.store)

	existing := NewMockIMongoSingleResult(ctrl)
	existing.EXPECT().
		Decode(gomock.AssignableToTypeOf(&voting.Vote{})).
		SetArg(0, voting.Vote{PostId: "p1", UserId: "u2", Kind: voting.Dislike}).
		Return(nil)
	deleted := NewMockIMongoDeleteResult(ctrl)
	deleted.EXPECT().Deleted().Return(int64(1))
	ledger := bson.M{"post_id": "p1", "user_id": "u2"}

	gomock.InOrder(
		m.expectPost(ctrl, "hello", storedPost(post.StatePublished, 0, 1)),
		m.reactions.EXPECT().FindOne(gomock.Any(), ledger).Return(existing),
		m.reactions.EXPECT().DeleteOne(gomock.Any(), ledger).Return(deleted, nil),
		m.reactions.EXPECT().CountDocuments(gomock.Any(), gomock.Any()).Return(int64(0), nil),
		m.reactions.EXPECT().CountDocuments(gomock.Any(), gomock.Any()).Return(int64(0), nil),
		m.posts.EXPECT().UpdateOne(gomock.Any(), bson.M{"id": "p1"}, gomock.Any(), gomock.Any()).Return(nil, nil),
	)

	res, err := manager.SetReaction(context.Background(), &identity.Identity{UserId: "u2"}, "hello", voting.Dislike)
	require.NoError(t, err)
	assert.Equal(t, voting.None, res.Mine)
	assert.Equal(t, voting.Counters{}, res.Counters)
}

func TestCreateDraftDuplicateSlug(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	m := newMocks(ctrl)
	lifecycle := post.NewLifecycle(m.store)

	duplicate := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key error"}}}
	gomock.InOrder(
		m.expectNoPost(ctrl, "hello"),
		m.posts.EXPECT().UpdateOne(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, duplicate),
	)

	_, err := lifecycle.CreateDraft(context.Background(), "u1", &post.Post{Title: "Hello", Content: "body"})
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestDeleteCascade(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	m := newMocks(ctrl)
	lifecycle := post.NewLifecycle(m.store)

	removedVotes := NewMockIMongoDeleteResult(ctrl)
	removedPost := NewMockIMongoDeleteResult(ctrl)
	removedPost.EXPECT().Deleted().Return(int64(1))

	gomock.InOrder(
		m.expectPost(ctrl, "p1", storedPost(post.StatePublished, 3, 2)),
		m.reactions.EXPECT().DeleteMany(gomock.Any(), bson.M{"post_id": "p1"}).Return(removedVotes, nil),
		m.posts.EXPECT().DeleteOne(gomock.Any(), bson.M{"id": "p1"}).Return(removedPost, nil),
	)

	err := lifecycle.Delete(context.Background(), &identity.Identity{UserId: "u1"}, "p1")
	assert.NoError(t, err)
}

func TestListPosts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	m := newMocks(ctrl)

	t.Run("viewer filter", func(t *testing.T) {
		cursor := NewMockIMongoCursor(ctrl)
		expectedPosts := []*post.Post{{Id: "2"}, {Id: "1", TagIds: []string{"go"}}}

		m.posts.EXPECT().
			Find(gomock.Any(), bson.M{
				"author_id": "u1",
				"$or": bson.A{
					bson.M{"state": "published"},
					bson.M{"author_id": "u2"},
				},
			}, gomock.Any()).
			Return(cursor, nil)
		cursor.EXPECT().
			All(gomock.Any(), gomock.AssignableToTypeOf(&expectedPosts)).
			SetArg(1, expectedPosts).
			Return(nil)
		cursor.EXPECT().Close(gomock.Any()).Return(nil)

		posts, err := m.store.ListPosts(context.Background(), post.Filter{AuthorId: "u1", ViewerId: "u2", Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, []*post.Post{
			{Id: "2", TagIds: []string{}},
			{Id: "1", TagIds: []string{"go"}},
		}, posts)
	})

	t.Run("find error", func(t *testing.T) {
		expectedErr := fmt.Errorf("find_failed")
		m.posts.EXPECT().
			Find(gomock.Any(), bson.M{"state": "published"}, gomock.Any()).
			Return(nil, expectedErr)

		_, err := m.store.ListPosts(context.Background(), post.Filter{})
		assert.ErrorIs(t, err, expectedErr)
	})

	t.Run("sorted page", func(t *testing.T) {
		cursor := NewMockIMongoCursor(ctrl)
		m.posts.EXPECT().
			Find(gomock.Any(), bson.M{}, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ interface{}, opts ...*options.FindOptions) (IMongoCursor, error) {
				require.Len(t, opts, 1)
				assert.Equal(t, listSort(post.SortLikes), opts[0].Sort)
				assert.Equal(t, int64(20), *opts[0].Skip)
				assert.Equal(t, int64(10), *opts[0].Limit)
				return cursor, nil
			})
		cursor.EXPECT().All(gomock.Any(), gomock.Any()).Return(nil)
		cursor.EXPECT().Close(gomock.Any()).Return(nil)

		_, err := m.store.ListPosts(context.Background(), post.Filter{AllDrafts: true, Sort: post.SortLikes, Offset: 20, Limit: 10})
		require.NoError(t, err)
	})
}

func TestListSort(t *testing.T) {
	assert.Equal(t, bson.D{{Key: "created", Value: -1}, {Key: "id", Value: -1}}, listSort(""))
	assert.Equal(t, bson.D{{Key: "created", Value: -1}, {Key: "id", Value: -1}}, listSort(post.SortCreated))
	assert.Equal(t, bson.D{
		{Key: "views", Value: -1},
		{Key: "created", Value: -1},
		{Key: "id", Value: -1},
	}, listSort(post.SortViews))
}

func TestListFilter(t *testing.T) {
	assert.Equal(t, bson.M{}, listFilter(post.Filter{AllDrafts: true, ViewerId: "m"}))
	assert.Equal(t, bson.M{"state": "published"}, listFilter(post.Filter{}))
}

func TestIncrementViews(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	m := newMocks(ctrl)

	matched := NewMockIMongoUpdateResult(ctrl)
	matched.EXPECT().Matched().Return(int64(1))
	missed := NewMockIMongoUpdateResult(ctrl)
	missed.EXPECT().Matched().Return(int64(0))

	inc := bson.M{"$inc": bson.M{"views": 1}}
	m.posts.EXPECT().UpdateOne(gomock.Any(), bson.M{"id": "p1"}, inc).Return(matched, nil)
	m.posts.EXPECT().UpdateOne(gomock.Any(), bson.M{"id": "gone"}, inc).Return(missed, nil)

	assert.NoError(t, m.store.IncrementViews(context.Background(), "p1"))
	assert.ErrorIs(t, m.store.IncrementViews(context.Background(), "gone"), common.ErrNotFound)
}

func TestStats(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	m := newMocks(ctrl)

	t.Run("aggregated", func(t *testing.T) {
		cursor := NewMockIMongoCursor(ctrl)
		docs := []statsDoc{{Total: 4, Published: 1, Views: 30, Likes: 7, Dislikes: 2}}
		m.posts.EXPECT().Aggregate(gomock.Any(), statsPipeline).Return(cursor, nil)
		cursor.EXPECT().All(gomock.Any(), gomock.AssignableToTypeOf(&docs)).SetArg(1, docs).Return(nil)
		cursor.EXPECT().Close(gomock.Any()).Return(nil)

		stats, err := m.store.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, &post.Stats{
			TotalPosts:     4,
			PublishedPosts: 1,
			DraftPosts:     3,
			TotalViews:     30,
			TotalLikes:     7,
			TotalDislikes:  2,
		}, stats)
	})

	t.Run("empty collection", func(t *testing.T) {
		cursor := NewMockIMongoCursor(ctrl)
		m.posts.EXPECT().Aggregate(gomock.Any(), statsPipeline).Return(cursor, nil)
		cursor.EXPECT().All(gomock.Any(), gomock.Any()).Return(nil)
		cursor.EXPECT().Close(gomock.Any()).Return(nil)

		stats, err := m.store.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, &post.Stats{}, stats)
	})
}

func TestEnsureIndexes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	m := newMocks(ctrl)

	m.posts.EXPECT().CreateIndex(gomock.Any(), gomock.Any()).Return("idx", nil).Times(3)
	m.reactions.EXPECT().CreateIndex(gomock.Any(), gomock.Any()).Return("", fmt.Errorf("index_failed"))

	err := m.store.EnsureIndexes(context.Background())
	assert.ErrorContains(t, err, "index_failed")
}

func TestAtomicPropagatesError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	m := newMocks(ctrl)

	expectedErr := fmt.Errorf("stop")
	err := m.store.Atomic(context.Background(), func(ctx context.Context, tx post.Tx) error {
		return expectedErr
	})
	assert.ErrorIs(t, err, expectedErr)
}
