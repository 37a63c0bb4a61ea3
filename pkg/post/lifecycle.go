package post

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	. "blog/pkg/common"
	"blog/pkg/identity"
	"blog/pkg/logger"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Page is a zero-based page of a listing, newest first unless Sort says otherwise.
type Page struct {
	Number int
	Size   int
	Sort   SortKey
}

func (pg Page) bounds() (offset, limit int, err error) {
	limit = pg.Size
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if pg.Number < 0 || pg.Number > math.MaxInt/limit {
		return 0, 0, fmt.Errorf("post/lifecycle: page %d out of range: %w", pg.Number, ErrValidation)
	}
	return pg.Number * limit, limit, nil
}

// Lifecycle enforces the post state machine
//
//	DRAFT --approve--> PUBLISHED --unpublish--> DRAFT
//
// plus deletion and the visibility rules on reads.
type Lifecycle struct {
	store Store
	now   func() time.Time
	newId func() PostId
}

func NewLifecycle(store Store) *Lifecycle {
	return &Lifecycle{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newId: func() PostId { return PostId(uuid.NewString()) },
	}
}

// CreateDraft stores a new post of authorId. Only the title, content and
// tags of p are used, the post always starts as a draft.
func (l *Lifecycle) CreateDraft(ctx context.Context, authorId string, p *Post) (*Post, error) {
	if authorId == "" {
		return nil, fmt.Errorf("post/lifecycle: missing author: %w", ErrValidation)
	}
	if p == nil || strings.TrimSpace(p.Title) == "" {
		return nil, fmt.Errorf("post/lifecycle: empty title: %w", ErrValidation)
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, fmt.Errorf("post/lifecycle: empty content: %w", ErrValidation)
	}

	now := l.now()
	draft := &Post{
		Id:       l.newId(),
		AuthorId: authorId,
		State:    StateDraft,
		Title:    strings.TrimSpace(p.Title),
		Content:  p.Content,
		TagIds:   append([]string{}, p.TagIds...),
		Created:  now,
		Updated:  now,
	}

	err := l.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		slug, err := uniqueSlug(ctx, tx, Slugify(draft.Title))
		if err != nil {
			return err
		}
		draft.Slug = slug
		return tx.SavePost(ctx, draft)
	})
	if err != nil {
		return nil, fmt.Errorf("post/lifecycle: failed creating draft: %w", err)
	}

	logger.Log(ctx).Infof("post/lifecycle: draft %s (%s) created by %s", draft.Id, draft.Slug, authorId)
	return draft, nil
}

func uniqueSlug(ctx context.Context, tx Tx, base string) (string, error) {
	for n := 0; ; n++ {
		slug := candidateSlug(base, n)
		_, err := tx.GetPost(ctx, slug)
		if errors.Is(err, ErrNotFound) {
			return slug, nil
		}
		if err != nil {
			return "", err
		}
	}
}

func (l *Lifecycle) Approve(ctx context.Context, actor *identity.Identity, ref string) (*Post, error) {
	return l.transition(ctx, actor, ref, StateDraft, StatePublished)
}

func (l *Lifecycle) Unpublish(ctx context.Context, actor *identity.Identity, ref string) (*Post, error) {
	return l.transition(ctx, actor, ref, StatePublished, StateDraft)
}

func (l *Lifecycle) transition(ctx context.Context, actor *identity.Identity, ref string, from, to State) (*Post, error) {
	if !CanModerate(actor) {
		return nil, fmt.Errorf("post/lifecycle: %s -> %s needs %s: %w", from, to, identity.RoleModerator, ErrPermissionDenied)
	}

	var updated *Post
	err := l.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetPost(ctx, ref)
		if err != nil {
			return err
		}
		if p.State != from {
			return fmt.Errorf("post %s is %s, want %s: %w", p.Id, p.State, from, ErrInvalidTransition)
		}
		p.State = to
		p.Updated = l.now()
		if err := tx.SavePost(ctx, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("post/lifecycle: %w", err)
	}

	logger.Log(ctx).Infof("post/lifecycle: post %s moved %s -> %s by %s", updated.Id, from, to, actor.UserId)
	return updated, nil
}

// Delete removes the post together with all of its reactions.
func (l *Lifecycle) Delete(ctx context.Context, actor *identity.Identity, ref string) error {
	if !actor.Authenticated() {
		return fmt.Errorf("post/lifecycle: anonymous delete: %w", ErrPermissionDenied)
	}

	var deleted PostId
	err := l.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetPost(ctx, ref)
		if err != nil {
			return err
		}
		if !CanDelete(actor, p) {
			return fmt.Errorf("user %s can't delete post %s: %w", actor.UserId, p.Id, ErrPermissionDenied)
		}
		if err := tx.DeleteReactions(ctx, p.Id); err != nil {
			return err
		}
		deleted = p.Id
		return tx.DeletePost(ctx, p.Id)
	})
	if err != nil {
		return fmt.Errorf("post/lifecycle: %w", err)
	}

	logger.Log(ctx).Infof("post/lifecycle: post %s deleted by %s", deleted, actor.UserId)
	return nil
}

// Get returns the post if actor may see it. Invisible drafts are reported as not found.
func (l *Lifecycle) Get(ctx context.Context, actor *identity.Identity, ref string) (*Post, error) {
	p, err := l.store.GetPost(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("post/lifecycle: %w", err)
	}
	if !CanSee(actor, p) {
		return nil, fmt.Errorf("post/lifecycle: post %s: %w", ref, ErrNotFound)
	}
	return p, nil
}

// View is Get for a read access, it counts the view.
func (l *Lifecycle) View(ctx context.Context, actor *identity.Identity, ref string) (*Post, error) {
	p, err := l.Get(ctx, actor, ref)
	if err != nil {
		return nil, err
	}
	if err := l.store.IncrementViews(ctx, p.Id); err != nil {
		return nil, fmt.Errorf("post/lifecycle: failed counting view: %w", err)
	}
	p.Views++
	return p, nil
}

func (l *Lifecycle) List(ctx context.Context, actor *identity.Identity, pg Page) ([]*Post, error) {
	return l.list(ctx, actor, "", pg)
}

func (l *Lifecycle) ListByAuthor(ctx context.Context, actor *identity.Identity, authorId string, pg Page) ([]*Post, error) {
	if authorId == "" {
		return nil, fmt.Errorf("post/lifecycle: missing author: %w", ErrValidation)
	}
	return l.list(ctx, actor, authorId, pg)
}

func (l *Lifecycle) list(ctx context.Context, actor *identity.Identity, authorId string, pg Page) ([]*Post, error) {
	offset, limit, err := pg.bounds()
	if err != nil {
		return nil, err
	}
	if !pg.Sort.Valid() {
		return nil, fmt.Errorf("post/lifecycle: unknown sort %q: %w", pg.Sort, ErrValidation)
	}
	f := Filter{
		AuthorId:  authorId,
		AllDrafts: CanModerate(actor),
		Sort:      pg.Sort,
		Offset:    offset,
		Limit:     limit,
	}
	if actor.Authenticated() {
		f.ViewerId = actor.UserId
	}

	posts, err := l.store.ListPosts(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("post/lifecycle: failed listing posts: %w", err)
	}
	return posts, nil
}

func (l *Lifecycle) Dashboard(ctx context.Context, actor *identity.Identity) (*Stats, error) {
	if !CanModerate(actor) {
		return nil, fmt.Errorf("post/lifecycle: dashboard: %w", ErrPermissionDenied)
	}
	stats, err := l.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("post/lifecycle: failed loading stats: %w", err)
	}
	return stats, nil
}
