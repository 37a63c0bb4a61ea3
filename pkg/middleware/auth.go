package middleware

//go:generate mockgen -source=auth.go -destination=auth_mock.go -package=middleware IUserRepo ISessionManager

import (
	"context"
	"errors"
	"net/http"
	"time"

	. "blog/pkg/common"
	"blog/pkg/identity"
	"blog/pkg/logger"
	"blog/pkg/user"
)

type (
	IUserRepo interface {
		GetById(context.Context, string) (*user.User, error)
	}
	ISessionManager interface {
		UserFromToken(context.Context, string) (*identity.Identity, error)
	}
	Auth struct {
		UserRepo       IUserRepo
		SessionManager ISessionManager
	}
)

func NewAuthMiddleware(sm ISessionManager, ur IUserRepo) *Auth {
	return &Auth{
		UserRepo:       ur,
		SessionManager: sm,
	}
}

// Middleware resolves the bearer token into an identity. Requests without
// a usable token continue anonymously. Roles come from the user repo, not
// from the token, so they reflect the current state of the account.
func (auth Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")

		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		fromToken, err := auth.SessionManager.UserFromToken(r.Context(), authHeader)
		if err != nil {
			logger.Log(r.Context()).Infof("auth: can't get identity from token: %v", err)
			next.ServeHTTP(w, r)
			return
		}

		repoCtx, repoCtxCancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer repoCtxCancel()
		u, err := auth.UserRepo.GetById(repoCtx, fromToken.UserId)
		if errors.Is(err, ErrNotFound) {
			logger.Log(r.Context()).Infof("auth: user %s from token is gone: %v", fromToken.UserId, err)
			WriteMsg(w, "user not found", http.StatusUnauthorized)
			return
		}
		if err != nil {
			logger.Log(r.Context()).Errorf("auth: can't get the user form repo: %v", err)
			WriteMsg(w, "failed loading user", http.StatusInternalServerError)
			return
		}

		ctx := identity.NewContext(r.Context(), u.Identity())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
