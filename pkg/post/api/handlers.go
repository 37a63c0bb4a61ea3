package api

//go:generate mockgen -source=handlers.go -destination=handlers_mock.go -package=api Lifecycle Reactions

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	. "blog/pkg/common"
	"blog/pkg/identity"
	"blog/pkg/logger"
	"blog/pkg/post"
	"blog/pkg/reaction"
	"blog/pkg/voting"
)

type (
	Lifecycle interface {
		CreateDraft(ctx context.Context, authorId string, p *post.Post) (*post.Post, error)
		Approve(ctx context.Context, actor *identity.Identity, ref string) (*post.Post, error)
		Unpublish(ctx context.Context, actor *identity.Identity, ref string) (*post.Post, error)
		Delete(ctx context.Context, actor *identity.Identity, ref string) error
		View(ctx context.Context, actor *identity.Identity, ref string) (*post.Post, error)
		List(ctx context.Context, actor *identity.Identity, pg post.Page) ([]*post.Post, error)
		ListByAuthor(ctx context.Context, actor *identity.Identity, authorId string, pg post.Page) ([]*post.Post, error)
		Dashboard(ctx context.Context, actor *identity.Identity) (*post.Stats, error)
	}

	Reactions interface {
		SetReaction(ctx context.Context, actor *identity.Identity, ref string, desired voting.Kind) (*reaction.Result, error)
	}

	PostHandler struct {
		Lifecycle Lifecycle
		Reactions Reactions
	}

	createPostReq struct {
		Title   string   `json:"title"`
		Content string   `json:"content"`
		TagIds  []string `json:"tagIds"`
		// Published is accepted for compatibility and ignored, new posts are drafts.
		Published *bool `json:"published,omitempty"`
	}
)

func NewPostHandler(lc Lifecycle, rm Reactions) *PostHandler {
	return &PostHandler{
		Lifecycle: lc,
		Reactions: rm,
	}
}

// Routes registers the handlers on the /api subrouter.
func (ph *PostHandler) Routes(api *mux.Router) {
	api.HandleFunc("/posts", ph.List).Methods("GET")
	api.HandleFunc("/posts", ph.Add).Methods("POST")
	api.HandleFunc("/posts/user/{user_id}", ph.GetByUser).Methods("GET")
	api.HandleFunc("/post/{ref}", ph.Get).Methods("GET")
	api.HandleFunc("/post/{ref}", ph.Delete).Methods("DELETE")
	api.HandleFunc("/post/{ref}/approve", ph.Approve).Methods("PUT")
	api.HandleFunc("/post/{ref}/unpublish", ph.Unpublish).Methods("PUT")
	api.HandleFunc("/post/{ref}/like", ph.Like).Methods("POST")
	api.HandleFunc("/post/{ref}/dislike", ph.Dislike).Methods("POST")
	api.HandleFunc("/admin/dashboard", ph.Dashboard).Methods("GET")
}

// actor returns the caller's identity, nil for anonymous requests.
func actor(r *http.Request) *identity.Identity {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		return nil
	}
	return id
}

func authenticated(w http.ResponseWriter, r *http.Request) (*identity.Identity, bool) {
	id := actor(r)
	if !id.Authenticated() {
		logger.Log(r.Context()).Infof("post/handlers: anonymous request to %s %s", r.Method, r.URL.Path)
		WriteErr(w, ErrUnauthenticated, "not authorized")
		return nil, false
	}
	return id, true
}

func pageFromQuery(r *http.Request) (post.Page, error) {
	pg := post.Page{}
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return pg, fmt.Errorf("post/handlers: bad page %q: %w", v, ErrValidation)
		}
		pg.Number = n
	}
	if v := q.Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return pg, fmt.Errorf("post/handlers: bad page size %q: %w", v, ErrValidation)
		}
		pg.Size = n
	}
	pg.Sort = post.SortKey(q.Get("sort"))
	if !pg.Sort.Valid() {
		return pg, fmt.Errorf("post/handlers: bad sort %q: %w", pg.Sort, ErrValidation)
	}
	return pg, nil
}

func (ph *PostHandler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	pg, err := pageFromQuery(r)
	if err != nil {
		WriteErr(w, err, "bad pagination")
		return
	}

	posts, err := ph.Lifecycle.List(r.Context(), actor(r), pg)
	if err != nil {
		logger.Log(r.Context()).Errorf("post/handlers: can't load posts: %v", err)
		WriteErr(w, err, "failed loading posts")
		return
	}

	WriteRespJSON(w, posts)
}

func (ph *PostHandler) GetByUser(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	vars := mux.Vars(r)
	authorId := vars["user_id"]

	pg, err := pageFromQuery(r)
	if err != nil {
		WriteErr(w, err, "bad pagination")
		return
	}

	userPosts, err := ph.Lifecycle.ListByAuthor(r.Context(), actor(r), authorId, pg)
	if err != nil {
		logger.Log(r.Context()).Errorf("post/handlers: can't load posts of user %s: %v", authorId, err)
		WriteErr(w, err, "failed loading user posts")
		return
	}

	WriteRespJSON(w, userPosts)
}

func (ph *PostHandler) Add(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	author, ok := authenticated(w, r)
	if !ok {
		return
	}

	req := new(createPostReq)
	if err := ParseReqBody(r.Body, req); err != nil {
		logger.Log(r.Context()).Errorf("post/handlers: can't parse post from request body: %v", err)
		WriteMsg(w, "can't parse post", http.StatusBadRequest)
		return
	}

	draft, err := ph.Lifecycle.CreateDraft(r.Context(), author.UserId, &post.Post{
		Title:   req.Title,
		Content: req.Content,
		TagIds:  req.TagIds,
	})
	if err != nil {
		logger.Log(r.Context()).Errorf("post/handlers: can't create draft: %v", err)
		WriteErr(w, err, "failed adding post")
		return
	}

	w.WriteHeader(http.StatusCreated)
	WriteRespJSON(w, draft)
}

func (ph *PostHandler) Get(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ref := mux.Vars(r)["ref"]
	p, err := ph.Lifecycle.View(r.Context(), actor(r), ref)
	if err != nil {
		logger.Log(r.Context()).Errorf("post/handlers: can't get post %s: %v", ref, err)
		WriteErr(w, err, "post not found")
		return
	}

	WriteRespJSON(w, p)
}

func (ph *PostHandler) Approve(w http.ResponseWriter, r *http.Request) {
	ph.transition(w, r, ph.Lifecycle.Approve)
}

func (ph *PostHandler) Unpublish(w http.ResponseWriter, r *http.Request) {
	ph.transition(w, r, ph.Lifecycle.Unpublish)
}

type transitionFn func(context.Context, *identity.Identity, string) (*post.Post, error)

func (ph *PostHandler) transition(w http.ResponseWriter, r *http.Request, move transitionFn) {
	w.Header().Set("Content-Type", "application/json")

	moderator, ok := authenticated(w, r)
	if !ok {
		return
	}

	ref := mux.Vars(r)["ref"]
	p, err := move(r.Context(), moderator, ref)
	if err != nil {
		logger.Log(r.Context()).Errorf("post/handlers: can't change state of post %s: %v", ref, err)
		WriteErr(w, err, "changing post state failed")
		return
	}

	WriteRespJSON(w, p)
}

func (ph *PostHandler) Delete(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	authUser, ok := authenticated(w, r)
	if !ok {
		return
	}

	ref := mux.Vars(r)["ref"]
	if err := ph.Lifecycle.Delete(r.Context(), authUser, ref); err != nil {
		logger.Log(r.Context()).Errorf("post/handlers: can't remove post %s: %v", ref, err)
		WriteErr(w, err, "removing post failed")
		return
	}

	WriteMsg(w, "success", http.StatusOK)
}

func (ph *PostHandler) Like(w http.ResponseWriter, r *http.Request) {
	ph.react(w, r, voting.Like)
}

func (ph *PostHandler) Dislike(w http.ResponseWriter, r *http.Request) {
	ph.react(w, r, voting.Dislike)
}

func (ph *PostHandler) react(w http.ResponseWriter, r *http.Request, kind voting.Kind) {
	w.Header().Set("Content-Type", "application/json")

	voter, ok := authenticated(w, r)
	if !ok {
		return
	}

	ref := mux.Vars(r)["ref"]
	res, err := ph.Reactions.SetReaction(r.Context(), voter, ref, kind)
	if err != nil {
		logger.Log(r.Context()).Errorf("post/handlers: can't react to post %s: %v", ref, err)
		WriteErr(w, err, "reaction failed")
		return
	}

	WriteRespJSON(w, res)
}

func (ph *PostHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	moderator, ok := authenticated(w, r)
	if !ok {
		return
	}

	stats, err := ph.Lifecycle.Dashboard(r.Context(), moderator)
	if err != nil {
		logger.Log(r.Context()).Errorf("post/handlers: can't load dashboard: %v", err)
		WriteErr(w, err, "failed loading dashboard")
		return
	}

	WriteRespJSON(w, stats)
}
