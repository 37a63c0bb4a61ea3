package main

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
	"github.com/jaswdr/faker"

	"blog/pkg/identity"
	"blog/pkg/logger"
	"blog/pkg/post"
	"blog/pkg/reaction"
	"blog/pkg/user"
	"blog/pkg/voting"
)

const (
	seedAuthors = 5
	seedPosts   = 12
)

var f = faker.New()

type IUserRepo interface {
	Add(context.Context, *user.User) (string, error)
	GetAll(context.Context) ([]*user.User, error)
}

func createAuthors(ctx context.Context, userRepo IUserRepo) error {
	// Moderator for experiments (not random)
	_, err := userRepo.Add(ctx, &user.User{
		Id:    "moderator",
		Email: "moderator@example.com",
		Roles: []identity.Role{identity.RoleUser, identity.RoleAdmin},
	})
	if err != nil {
		return fmt.Errorf("seed: can't create moderator: %w", err)
	}
	for i := 0; i < seedAuthors; i++ {
		if _, err := userRepo.Add(ctx, genUser()); err != nil {
			return fmt.Errorf("seed: can't add user: %w", err)
		}
	}
	return nil
}

// seed creates posts of random authors, approves most of them and lets
// every user react to the published ones.
func seed(ctx context.Context, userRepo IUserRepo, lifecycle *post.Lifecycle, reactions *reaction.Manager) error {
	users, err := userRepo.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("seed: can't get all users: %w", err)
	}
	if len(users) == 0 {
		if err := createAuthors(ctx, userRepo); err != nil {
			return err
		}
		if users, err = userRepo.GetAll(ctx); err != nil {
			return fmt.Errorf("seed: can't get all users: %w", err)
		}
	}

	var moderator *identity.Identity
	for _, u := range users {
		if id := u.Identity(); identity.HasRole(id, identity.RoleModerator) {
			moderator = id
			break
		}
	}

	published := []*post.Post{}
	for i := 0; i < seedPosts; i++ {
		author := randUser(users)
		p, err := lifecycle.CreateDraft(ctx, author.Id, genPost())
		if err != nil {
			return fmt.Errorf("seed: can't add post: %w", err)
		}
		// a quarter of the posts stays in review
		if moderator == nil || rand.Intn(4) == 0 {
			continue
		}
		if p, err = lifecycle.Approve(ctx, moderator, string(p.Id)); err != nil {
			return fmt.Errorf("seed: can't approve post: %w", err)
		}
		published = append(published, p)
	}

	for _, p := range published {
		for _, u := range users {
			kind := randReaction()
			if kind == voting.None {
				continue
			}
			if _, err := reactions.SetReaction(ctx, u.Identity(), string(p.Id), kind); err != nil {
				return fmt.Errorf("seed: can't react: %w", err)
			}
		}
	}

	logger.Log(ctx).Infof("seed: %d posts created, %d published", seedPosts, len(published))
	return nil
}

func genUser() *user.User {
	return &user.User{
		Id:    uuid.NewString(),
		Email: strings.ToLower(f.Internet().Email()),
		Roles: []identity.Role{identity.RoleUser},
	}
}

func genTitle() string {
	return strings.Join(f.Lorem().Words(rand.Intn(5)+3), " ")
}

func genText() string {
	return f.Lorem().Paragraph(rand.Intn(3) + 2)
}

func genPost() *post.Post {
	return &post.Post{
		Title:   genTitle(),
		Content: genText(),
		TagIds:  f.Lorem().Words(rand.Intn(3)),
	}
}

func randReaction() voting.Kind {
	return []voting.Kind{voting.Like, voting.Like, voting.Dislike, voting.None}[rand.Intn(4)]
}

func randUser(users []*user.User) *user.User {
	idx := rand.Intn(len(users))
	return users[idx]
}
