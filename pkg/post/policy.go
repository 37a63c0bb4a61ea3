package post

import "blog/pkg/identity"

// The whole permission policy. Everything here is expressed with
// identity.HasRole and identity.IsOwner only.

func CanModerate(actor *identity.Identity) bool {
	return identity.HasRole(actor, identity.RoleModerator)
}

// CanSee: drafts are visible to their author and moderators, published posts to everyone.
func CanSee(actor *identity.Identity, p *Post) bool {
	return p.Published() || identity.IsOwner(actor, p.AuthorId) || CanModerate(actor)
}

func CanDelete(actor *identity.Identity, p *Post) bool {
	return identity.IsOwner(actor, p.AuthorId) || CanModerate(actor)
}
