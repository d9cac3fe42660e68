// Package directory resolves user and group identifiers to delivery
// targets and answers membership questions for group chat.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when an identifier names no existing user or
// group.
var ErrNotFound = errors.New("not found")

type Directory struct {
	db *sql.DB
}

func New(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// ResolveUser returns the canonical identity for a username.
func (d *Directory) ResolveUser(ctx context.Context, name string) (string, error) {
	var username string
	query := `SELECT username FROM users WHERE username = $1`
	err := d.db.QueryRowContext(ctx, query, name).Scan(&username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("user %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return username, nil
}

// ResolveGroup returns the canonical identity for a group name.
func (d *Directory) ResolveGroup(ctx context.Context, name string) (string, error) {
	var group string
	query := `SELECT name FROM groups WHERE name = $1`
	err := d.db.QueryRowContext(ctx, query, name).Scan(&group)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("group %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return group, nil
}

// IsMember reports whether user belongs to group.
func (d *Directory) IsMember(ctx context.Context, group, user string) (bool, error) {
	var member bool
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM group_members gm
			JOIN groups g ON g.id = gm.group_id
			JOIN users u ON u.id = gm.user_id
			WHERE g.name = $1 AND u.username = $2
		)
	`
	if err := d.db.QueryRowContext(ctx, query, group, user).Scan(&member); err != nil {
		return false, err
	}
	return member, nil
}

// Members lists the usernames belonging to a group.
func (d *Directory) Members(ctx context.Context, group string) ([]string, error) {
	query := `
		SELECT u.username
		FROM group_members gm
		JOIN groups g ON g.id = gm.group_id
		JOIN users u ON u.id = gm.user_id
		WHERE g.name = $1
		ORDER BY u.username
	`
	rows, err := d.db.QueryContext(ctx, query, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		members = append(members, name)
	}
	return members, rows.Err()
}
