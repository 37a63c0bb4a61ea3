package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"blog/pkg/common"
	"blog/pkg/logger"
	"blog/pkg/post"
	"blog/pkg/voting"
)

// Store keeps posts and reactions in two collections. Units of work run
// in a multi-document transaction, so the server must be a replica set.
// Two transactions touching the same post document conflict and the
// losing one is retried by the driver.
type Store struct {
	posts     IMongoCollection
	reactions IMongoCollection
	transact  func(ctx context.Context, fn func(ctx context.Context) error) error
	now       func() time.Time
}

func New(db *mongo.Database) *Store {
	return &Store{
		posts:     &MongoCollection{Coll: db.Collection("posts")},
		reactions: &MongoCollection{Coll: db.Collection("reactions")},
		transact:  sessionTransact(db.Client()),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func sessionTransact(client *mongo.Client) func(context.Context, func(context.Context) error) error {
	return func(ctx context.Context, fn func(context.Context) error) error {
		session, err := client.StartSession()
		if err != nil {
			logger.Log(ctx).Errorf("mongodb: start session failed: %v", err)
			return err
		}
		defer session.EndSession(ctx)

		callback := func(sessionContext mongo.SessionContext) (interface{}, error) {
			return nil, fn(sessionContext)
		}
		_, err = session.WithTransaction(ctx, callback)
		return err
	}
}

// EnsureIndexes creates the unique indexes the adapter relies on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll  IMongoCollection
		model mongo.IndexModel
	}{
		{s.posts, mongo.IndexModel{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.posts, mongo.IndexModel{Keys: bson.D{{Key: "slug", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.posts, mongo.IndexModel{Keys: bson.D{{Key: "author_id", Value: 1}, {Key: "created", Value: -1}}}},
		{s.reactions, mongo.IndexModel{
			Keys:    bson.D{{Key: "post_id", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.CreateIndex(ctx, idx.model); err != nil {
			return fmt.Errorf("mongodb: failed creating index: %w", err)
		}
	}
	return nil
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx post.Tx) error) error {
	return s.transact(ctx, func(ctx context.Context) error {
		return fn(ctx, &tx{s: s})
	})
}

func mapErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%v: %w", err, common.ErrConflict)
	}
	return err
}

func refFilter(ref string) bson.M {
	return bson.M{"$or": bson.A{bson.M{"id": ref}, bson.M{"slug": ref}}}
}

func (s *Store) getPost(ctx context.Context, ref string) (*post.Post, error) {
	p := new(post.Post)
	err := s.posts.FindOne(ctx, refFilter(ref)).Decode(p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("mongodb: post %s: %w", ref, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb: failed loading post %s: %w", ref, err)
	}
	if p.TagIds == nil {
		p.TagIds = []string{}
	}
	return p, nil
}

// === Read side ===

func (s *Store) GetPost(ctx context.Context, ref string) (*post.Post, error) {
	return s.getPost(ctx, ref)
}

func listFilter(f post.Filter) bson.M {
	filter := bson.M{}
	if f.AuthorId != "" {
		filter["author_id"] = f.AuthorId
	}
	if !f.AllDrafts {
		if f.ViewerId != "" {
			filter["$or"] = bson.A{
				bson.M{"state": string(post.StatePublished)},
				bson.M{"author_id": f.ViewerId},
			}
		} else {
			filter["state"] = string(post.StatePublished)
		}
	}
	return filter
}

func listSort(key post.SortKey) bson.D {
	order := bson.D{}
	switch key {
	case post.SortViews:
		order = append(order, bson.E{Key: "views", Value: -1})
	case post.SortLikes:
		order = append(order, bson.E{Key: "likes", Value: -1})
	}
	return append(order, bson.E{Key: "created", Value: -1}, bson.E{Key: "id", Value: -1})
}

func (s *Store) ListPosts(ctx context.Context, f post.Filter) ([]*post.Post, error) {
	opts := options.Find().SetSort(listSort(f.Sort))
	if f.Offset > 0 {
		opts.SetSkip(int64(f.Offset))
	}
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}

	cursor, err := s.posts.Find(ctx, listFilter(f), opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb: failed finding posts: %w", err)
	}
	defer cursor.Close(ctx)

	posts := []*post.Post{}
	if err := cursor.All(ctx, &posts); err != nil {
		return nil, fmt.Errorf("mongodb: failed geting posts from cursor: %w", err)
	}
	for _, p := range posts {
		if p.TagIds == nil {
			p.TagIds = []string{}
		}
	}
	return posts, nil
}

func (s *Store) IncrementViews(ctx context.Context, id post.PostId) error {
	res, err := s.posts.UpdateOne(ctx, bson.M{"id": string(id)}, bson.M{"$inc": bson.M{"views": 1}})
	if err != nil {
		return fmt.Errorf("mongodb: failed counting view of %s: %w", id, err)
	}
	if res.Matched() == 0 {
		return fmt.Errorf("mongodb: post %s: %w", id, common.ErrNotFound)
	}
	return nil
}

type statsDoc struct {
	Total     int64 `bson:"total"`
	Published int64 `bson:"published"`
	Views     int64 `bson:"views"`
	Likes     int64 `bson:"likes"`
	Dislikes  int64 `bson:"dislikes"`
}

var statsPipeline = mongo.Pipeline{
	{{Key: "$group", Value: bson.D{
		{Key: "_id", Value: nil},
		{Key: "total", Value: bson.M{"$sum": 1}},
		{Key: "published", Value: bson.M{"$sum": bson.M{
			"$cond": bson.A{bson.M{"$eq": bson.A{"$state", string(post.StatePublished)}}, 1, 0},
		}}},
		{Key: "views", Value: bson.M{"$sum": "$views"}},
		{Key: "likes", Value: bson.M{"$sum": "$likes"}},
		{Key: "dislikes", Value: bson.M{"$sum": "$dislikes"}},
	}}},
}

func (s *Store) Stats(ctx context.Context) (*post.Stats, error) {
	cursor, err := s.posts.Aggregate(ctx, statsPipeline)
	if err != nil {
		return nil, fmt.Errorf("mongodb: failed aggregating stats: %w", err)
	}
	defer cursor.Close(ctx)

	docs := []statsDoc{}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb: failed reading stats: %w", err)
	}

	stats := new(post.Stats)
	// no documents means no posts at all
	if len(docs) > 0 {
		d := docs[0]
		stats.TotalPosts = d.Total
		stats.PublishedPosts = d.Published
		stats.DraftPosts = d.Total - d.Published
		stats.TotalViews = d.Views
		stats.TotalLikes = d.Likes
		stats.TotalDislikes = d.Dislikes
	}
	return stats, nil
}

// === Unit of work ===

type tx struct {
	s *Store
}

func (t *tx) GetPost(ctx context.Context, ref string) (*post.Post, error) {
	return t.s.getPost(ctx, ref)
}

// SavePost never touches views, they are only changed by IncrementViews.
func (t *tx) SavePost(ctx context.Context, p *post.Post) error {
	update := bson.M{
		"$set": bson.M{
			"state":    string(p.State),
			"title":    p.Title,
			"content":  p.Content,
			"tag_ids":  append([]string{}, p.TagIds...),
			"likes":    p.Likes,
			"dislikes": p.Dislikes,
			"updated":  p.Updated,
		},
		"$setOnInsert": bson.M{
			"slug":      p.Slug,
			"author_id": p.AuthorId,
			"views":     p.Views,
			"created":   p.Created,
		},
	}
	_, err := t.s.posts.UpdateOne(ctx, bson.M{"id": string(p.Id)}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb: failed saving post %s: %w", p.Id, mapErr(err))
	}
	return nil
}

func (t *tx) DeletePost(ctx context.Context, id post.PostId) error {
	res, err := t.s.posts.DeleteOne(ctx, bson.M{"id": string(id)})
	if err != nil {
		return fmt.Errorf("mongodb: failed deleting post %s: %w", id, err)
	}
	if res.Deleted() == 0 {
		return fmt.Errorf("mongodb: post %s: %w", id, common.ErrNotFound)
	}
	return nil
}

func reactionFilter(id post.PostId, userId string) bson.M {
	return bson.M{"post_id": string(id), "user_id": userId}
}

func (t *tx) GetReaction(ctx context.Context, id post.PostId, userId string) (voting.Kind, error) {
	vote := new(voting.Vote)
	err := t.s.reactions.FindOne(ctx, reactionFilter(id, userId)).Decode(vote)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return voting.None, nil
	}
	if err != nil {
		return voting.None, fmt.Errorf("mongodb: failed loading reaction: %w", err)
	}
	return vote.Kind, nil
}

func (t *tx) UpsertReaction(ctx context.Context, id post.PostId, userId string, kind voting.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("mongodb: reaction %s: %w", kind, common.ErrValidation)
	}
	update := bson.M{
		"$set":         bson.M{"kind": int(kind)},
		"$setOnInsert": bson.M{"created": t.s.now()},
	}
	_, err := t.s.reactions.UpdateOne(ctx, reactionFilter(id, userId), update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb: failed upserting reaction: %w", mapErr(err))
	}
	return nil
}

func (t *tx) DeleteReaction(ctx context.Context, id post.PostId, userId string) error {
	res, err := t.s.reactions.DeleteOne(ctx, reactionFilter(id, userId))
	if err != nil {
		return fmt.Errorf("mongodb: failed deleting reaction: %w", err)
	}
	if res.Deleted() == 0 {
		return fmt.Errorf("mongodb: reaction of %s on %s: %w", userId, id, common.ErrNotFound)
	}
	return nil
}

func (t *tx) DeleteReactions(ctx context.Context, id post.PostId) error {
	_, err := t.s.reactions.DeleteMany(ctx, bson.M{"post_id": string(id)})
	if err != nil {
		return fmt.Errorf("mongodb: failed deleting reactions of %s: %w", id, err)
	}
	return nil
}

func (t *tx) CountReactions(ctx context.Context, id post.PostId, kind voting.Kind) (int, error) {
	n, err := t.s.reactions.CountDocuments(ctx, bson.M{"post_id": string(id), "kind": int(kind)})
	if err != nil {
		return 0, fmt.Errorf("mongodb: failed counting reactions: %w", err)
	}
	return int(n), nil
}
