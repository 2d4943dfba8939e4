package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const userColumns = `user_id, username, email, password_hash, role`

// CreateUser inserts an account. A taken username or email is a
// validation failure.
func (d *Database) CreateUser(ctx context.Context, username, email, passwordHash string, role Role) (*User, error) {
	u := &User{Username: username, Email: email, PasswordHash: passwordHash, Role: role}

	var taken bool
	err := d.db.QueryRowxContext(ctx, d.db.Rebind(`SELECT EXISTS(SELECT 1 FROM users WHERE username=? OR email=?)`), username, email).Scan(&taken)
	if err != nil {
		return nil, fmt.Errorf("check user: %w", err)
	}
	if taken {
		return nil, newError(CodeValidation, "username or email already taken")
	}

	err = d.db.QueryRowxContext(ctx, d.db.Rebind(`INSERT INTO users(username,email,password_hash,role) VALUES(?,?,?,?) RETURNING user_id`),
		username, email, passwordHash, string(role)).Scan(&u.ID)
	if err != nil {
		// Lost a race with a concurrent signup.
		if isUniqueViolation(err) {
			return nil, newError(CodeValidation, "username or email already taken")
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetUser fetches a single user by id.
func (d *Database) GetUser(ctx context.Context, id int64) (*User, error) {
	return d.getUser(ctx, `WHERE user_id=?`, id)
}

// GetUserByUsername fetches a single user by login name.
func (d *Database) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return d.getUser(ctx, `WHERE username=?`, username)
}

func (d *Database) getUser(ctx context.Context, where string, arg any) (*User, error) {
	var u User
	err := d.db.GetContext(ctx, &u, d.db.Rebind(`SELECT `+userColumns+` FROM users `+where), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(CodeNotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// ListUsers returns all accounts ordered by id.
func (d *Database) ListUsers(ctx context.Context) ([]*User, error) {
	users := []*User{}
	if err := d.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}
