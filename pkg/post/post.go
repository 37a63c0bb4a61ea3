package post

import (
	"time"
)

type (
	PostId string

	// State is the lifecycle state of a post.
	State string
)

const (
	StateDraft     State = "draft"
	StatePublished State = "published"
)

type Post struct {
	Id       PostId   `json:"id" bson:"id"`
	Slug     string   `json:"slug" bson:"slug"`
	AuthorId string   `json:"authorId" bson:"author_id"`
	State    State    `json:"state" bson:"state"`
	Title    string   `json:"title" bson:"title"`
	Content  string   `json:"content" bson:"content"`
	TagIds   []string `json:"tagIds" bson:"tag_ids"`

	// Likes and Dislikes are denormalized from the reaction ledger.
	Views    int `json:"viewsCount" bson:"views"`
	Likes    int `json:"likesCount" bson:"likes"`
	Dislikes int `json:"dislikesCount" bson:"dislikes"`

	Created time.Time `json:"created" bson:"created"`
	Updated time.Time `json:"updated" bson:"updated"`
}

func (p *Post) Published() bool {
	return p.State == StatePublished
}

// Stats are platform-wide totals for the moderation dashboard.
type Stats struct {
	TotalPosts     int64 `json:"totalPosts"`
	PublishedPosts int64 `json:"publishedPosts"`
	DraftPosts     int64 `json:"draftPosts"`
	TotalViews     int64 `json:"totalViews"`
	TotalLikes     int64 `json:"totalLikes"`
	TotalDislikes  int64 `json:"totalDislikes"`
}
