/*
Copyright 2025 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"context"
	"time"
)

// CreateUser inserts a user and returns it with the generated id.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	u.CreatedAt = time.Now().UTC()
	id, err := s.insertID(ctx,
		`INSERT INTO users (email, password_hash, active, unique_token, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.Email, u.PasswordHash, u.Active, u.UniqueToken, u.CreatedAt)
	if err != nil {
		return err
	}
	u.ID = id
	return nil
}

func (s *Store) scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Active, &u.UniqueToken, &u.CreatedAt); err != nil {
		return nil, notFoundOr(err)
	}
	return &u, nil
}

const userCols = `id, email, password_hash, active, unique_token, created_at`

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.scanUser(s.queryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id))
}

// GetUserByEmail fetches a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.queryRow(ctx, `SELECT `+userCols+` FROM users WHERE email = ?`, email))
}

// ListUsers returns every user, active and deactivated.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.query(ctx, `SELECT `+userCols+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// UpdateUser persists mutable user fields.
func (s *Store) UpdateUser(ctx context.Context, u *User) error {
	_, err := s.exec(ctx,
		`UPDATE users SET email = ?, password_hash = ?, active = ?, unique_token = ? WHERE id = ?`,
		u.Email, u.PasswordHash, u.Active, u.UniqueToken, u.ID)
	return err
}

// DeactivateUser disables login without removing the row.
func (s *Store) DeactivateUser(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `UPDATE users SET active = FALSE WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUsers reports how many users exist; used to decide whether the
// bootstrap admin must be created.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// GetRoleByName fetches a global role.
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	var r Role
	err := s.queryRow(ctx, `SELECT id, name, description FROM roles WHERE name = ?`, name).
		Scan(&r.ID, &r.Name, &r.Description)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &r, nil
}

// UserRoles returns the names of the user's global roles.
func (s *Store) UserRoles(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.query(ctx,
		`SELECT r.name FROM roles r JOIN user_roles ur ON ur.role_id = r.id WHERE ur.user_id = ? ORDER BY r.name`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// AssignRole grants a global role; granting twice is a no-op.
func (s *Store) AssignRole(ctx context.Context, userID int64, roleName string) error {
	role, err := s.GetRoleByName(ctx, roleName)
	if err != nil {
		return err
	}
	var exists int64
	err = s.queryRow(ctx, `SELECT user_id FROM user_roles WHERE user_id = ? AND role_id = ?`, userID, role.ID).Scan(&exists)
	if err == nil {
		return nil
	}
	_, err = s.exec(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)`, userID, role.ID)
	return err
}

// RevokeRole removes a global role from a user.
func (s *Store) RevokeRole(ctx context.Context, userID int64, roleName string) error {
	role, err := s.GetRoleByName(ctx, roleName)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `DELETE FROM user_roles WHERE user_id = ? AND role_id = ?`, userID, role.ID)
	return err
}
