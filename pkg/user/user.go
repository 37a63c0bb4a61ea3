package user

import "blog/pkg/identity"

// User is the account record the auth middleware resolves tokens against.
// Roles are stored here, so revoking a role takes effect on the next request.
type User struct {
	Id    string          `json:"id"`
	Email string          `json:"email"`
	Roles []identity.Role `json:"roles"`
}

func (u *User) Identity() *identity.Identity {
	return &identity.Identity{
		UserId: u.Id,
		Email:  u.Email,
		Roles:  append([]identity.Role{}, u.Roles...),
	}
}
