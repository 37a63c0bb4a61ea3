package voting

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type (
	// Kind of a user's reaction to a post. The zero value means no reaction.
	Kind int

	// Vote is a ledger entry: the current reaction of one user to one post.
	Vote struct {
		PostId  string    `json:"post" bson:"post_id"`
		UserId  string    `json:"user" bson:"user_id"`
		Kind    Kind      `json:"vote" bson:"kind"`
		Created time.Time `json:"created" bson:"created"`
	}

	Counters struct {
		Likes    int `json:"likesCount"`
		Dislikes int `json:"dislikesCount"`
	}
)

const (
	Like    Kind = 1
	None    Kind = 0
	Dislike Kind = -1
)

func (k Kind) Valid() bool {
	return k == Like || k == Dislike
}

func (k Kind) String() string {
	switch k {
	case Like:
		return "LIKE"
	case Dislike:
		return "DISLIKE"
	case None:
		return "NONE"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(s) {
	case "LIKE":
		return Like, nil
	case "DISLIKE":
		return Dislike, nil
	case "NONE", "":
		return None, nil
	}
	return None, fmt.Errorf("voting: unknown reaction %q", s)
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
