// Package reaction implements the like/dislike toggle on posts.
//
// A user holds at most one reaction per post. Pressing the reaction the
// user already has retracts it, pressing the other one replaces it. The
// post counters are recounted from the ledger in the same unit of work.
package reaction

import (
	"context"
	"fmt"

	. "blog/pkg/common"
	"blog/pkg/identity"
	"blog/pkg/logger"
	"blog/pkg/post"
	"blog/pkg/voting"
)

// Result carries the refreshed counters and the caller's reaction after the toggle.
type Result struct {
	voting.Counters
	Mine voting.Kind `json:"reaction"`
}

type Manager struct {
	store post.Store
}

func NewManager(store post.Store) *Manager {
	return &Manager{store: store}
}

func (m *Manager) SetReaction(ctx context.Context, actor *identity.Identity, ref string, desired voting.Kind) (*Result, error) {
	if !actor.Authenticated() {
		return nil, fmt.Errorf("reaction: anonymous reaction: %w", ErrPermissionDenied)
	}
	if !desired.Valid() {
		return nil, fmt.Errorf("reaction: unsupported reaction %s: %w", desired, ErrValidation)
	}

	res := new(Result)
	err := m.store.Atomic(ctx, func(ctx context.Context, tx post.Tx) error {
		p, err := tx.GetPost(ctx, ref)
		if err != nil {
			return err
		}
		if !post.CanSee(actor, p) {
			return fmt.Errorf("post %s: %w", ref, ErrNotFound)
		}

		current, err := tx.GetReaction(ctx, p.Id, actor.UserId)
		if err != nil {
			return err
		}

		if current == desired {
			err = tx.DeleteReaction(ctx, p.Id, actor.UserId)
			res.Mine = voting.None
		} else {
			err = tx.UpsertReaction(ctx, p.Id, actor.UserId, desired)
			res.Mine = desired
		}
		if err != nil {
			return err
		}

		if p.Likes, err = tx.CountReactions(ctx, p.Id, voting.Like); err != nil {
			return err
		}
		if p.Dislikes, err = tx.CountReactions(ctx, p.Id, voting.Dislike); err != nil {
			return err
		}
		if err := tx.SavePost(ctx, p); err != nil {
			return err
		}

		res.Likes, res.Dislikes = p.Likes, p.Dislikes
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reaction: failed setting %s on %s: %w", desired, ref, err)
	}

	logger.Log(ctx).Debugf("reaction: %s on %s is now %s (likes=%d dislikes=%d)",
		actor.UserId, ref, res.Mine, res.Likes, res.Dislikes)
	return res, nil
}
