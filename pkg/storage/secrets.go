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

// PutSecretBlob stores an opaque ciphertext under a path. The secrets
// package owns encryption; this table never sees plaintext.
func (s *Store) PutSecretBlob(ctx context.Context, path, ciphertext string) error {
	now := time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE secrets SET ciphertext = ?, updated_at = ? WHERE path = ?`, ciphertext, now, path)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.exec(ctx, `INSERT INTO secrets (path, ciphertext, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		path, ciphertext, now, now)
	return err
}

// GetSecretBlob fetches a ciphertext by path.
func (s *Store) GetSecretBlob(ctx context.Context, path string) (string, error) {
	var ciphertext string
	if err := s.queryRow(ctx, `SELECT ciphertext FROM secrets WHERE path = ?`, path).Scan(&ciphertext); err != nil {
		return "", notFoundOr(err)
	}
	return ciphertext, nil
}

// ListSecretPaths returns the paths under a prefix, sorted.
func (s *Store) ListSecretPaths(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.query(ctx, `SELECT path FROM secrets WHERE path LIKE ? ORDER BY path`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// DeleteSecretBlob removes a ciphertext.
func (s *Store) DeleteSecretBlob(ctx context.Context, path string) error {
	res, err := s.exec(ctx, `DELETE FROM secrets WHERE path = ?`, path)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
