package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgtype"
	_ "github.com/jackc/pgx/v4/stdlib"

	"blog/pkg/common"
	"blog/pkg/identity"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id    TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	roles TEXT[] NOT NULL DEFAULT '{ROLE_USER}'
);`

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{
		db: db,
	}
}

func (r *UserRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("user/repo: failed migrating schema: %w", err)
	}
	return nil
}

func rolesArray(roles []identity.Role) (pgtype.TextArray, error) {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	arr := pgtype.TextArray{}
	err := arr.Set(names)
	return arr, err
}

func scanRoles(arr pgtype.TextArray) ([]identity.Role, error) {
	roles := []identity.Role{}
	if arr.Status != pgtype.Present {
		return roles, nil
	}
	var names []string
	if err := arr.AssignTo(&names); err != nil {
		return nil, err
	}
	for _, n := range names {
		roles = append(roles, identity.Role(n))
	}
	return roles, nil
}

func (r *UserRepo) Add(ctx context.Context, u *User) (string, error) {
	roles, err := rolesArray(u.Roles)
	if err != nil {
		return ``, fmt.Errorf("user/repo: bad roles: %w", err)
	}
	result, err := r.db.ExecContext(ctx, "INSERT INTO users(id, email, roles) VALUES($1, $2, $3)", u.Id, u.Email, roles)
	if err != nil {
		return ``, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return ``, fmt.Errorf("user/repo: user wasn't added: %w", err)
	}
	if affected == 0 {
		return ``, fmt.Errorf("user/repo: user wasn't added, RowsAffected is 0")
	}
	return u.Id, nil
}

func (r *UserRepo) GetById(ctx context.Context, uid string) (*User, error) {
	row := r.db.QueryRowContext(ctx, "SELECT id, email, roles FROM users where id=$1", uid)
	u := new(User)
	var roles pgtype.TextArray
	err := row.Scan(&u.Id, &u.Email, &roles)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user/repo: user %s: %w", uid, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("user/repo: could not scan row: %w", err)
	}
	if u.Roles, err = scanRoles(roles); err != nil {
		return nil, fmt.Errorf("user/repo: bad roles of user %s: %w", uid, err)
	}
	return u, nil
}

// Returns all users. Used only for seeding the DB.
func (r *UserRepo) GetAll(ctx context.Context) ([]*User, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, email, roles FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("user/repo: failed executing query for getting all users: %w", err)
	}
	defer rows.Close()

	users := []*User{}
	for rows.Next() {
		u := new(User)
		var roles pgtype.TextArray
		if err := rows.Scan(&u.Id, &u.Email, &roles); err != nil {
			return nil, fmt.Errorf("user/repo: could not scan row: %w", err)
		}
		if u.Roles, err = scanRoles(roles); err != nil {
			return nil, fmt.Errorf("user/repo: bad roles of user %s: %w", u.Id, err)
		}
		users = append(users, u)
	}

	return users, rows.Err()
}
