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

const providerCols = `id, name, type, region, credentials_ref, active, last_sync_at, created_at`

// CreateProvider inserts a provider configuration.
func (s *Store) CreateProvider(ctx context.Context, p *CloudProvider) error {
	p.CreatedAt = time.Now().UTC()
	id, err := s.insertID(ctx,
		`INSERT INTO cloud_providers (name, type, region, credentials_ref, active, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.Name, p.Type, p.Region, p.CredentialsRef, p.Active, p.CreatedAt)
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

func (s *Store) scanProvider(row interface{ Scan(...any) error }) (*CloudProvider, error) {
	var p CloudProvider
	if err := row.Scan(&p.ID, &p.Name, &p.Type, &p.Region, &p.CredentialsRef, &p.Active, &p.LastSyncAt, &p.CreatedAt); err != nil {
		return nil, notFoundOr(err)
	}
	return &p, nil
}

// GetProvider fetches a provider by id.
func (s *Store) GetProvider(ctx context.Context, id int64) (*CloudProvider, error) {
	return s.scanProvider(s.queryRow(ctx, `SELECT `+providerCols+` FROM cloud_providers WHERE id = ?`, id))
}

// GetProviderByName fetches a provider by its unique name.
func (s *Store) GetProviderByName(ctx context.Context, name string) (*CloudProvider, error) {
	return s.scanProvider(s.queryRow(ctx, `SELECT `+providerCols+` FROM cloud_providers WHERE name = ?`, name))
}

// ListProviders returns all provider configurations.
func (s *Store) ListProviders(ctx context.Context, activeOnly bool) ([]CloudProvider, error) {
	query := `SELECT ` + providerCols + ` FROM cloud_providers`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	rows, err := s.query(ctx, query+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var providers []CloudProvider
	for rows.Next() {
		p, err := s.scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, *p)
	}
	return providers, rows.Err()
}

// UpdateProvider persists mutable provider fields.
func (s *Store) UpdateProvider(ctx context.Context, p *CloudProvider) error {
	_, err := s.exec(ctx,
		`UPDATE cloud_providers SET name = ?, region = ?, credentials_ref = ?, active = ? WHERE id = ?`,
		p.Name, p.Region, p.CredentialsRef, p.Active, p.ID)
	return err
}

// DeleteProvider removes a provider and its cached machines.
func (s *Store) DeleteProvider(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `DELETE FROM machines WHERE provider_id = ?`, id); err != nil {
		return err
	}
	res, err := s.exec(ctx, `DELETE FROM cloud_providers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchProviderSync records a completed inventory sync.
func (s *Store) TouchProviderSync(ctx context.Context, id int64, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE cloud_providers SET last_sync_at = ? WHERE id = ?`, at, id)
	return err
}

const machineCols = `id, provider_id, external_id, hostname, state, public_ips, private_ips, size, image, tags, extra, created_at, updated_at`

func (s *Store) scanMachine(row interface{ Scan(...any) error }) (*Machine, error) {
	var m Machine
	if err := row.Scan(&m.ID, &m.ProviderID, &m.ExternalID, &m.Hostname, &m.State,
		&m.PublicIPs, &m.PrivateIPs, &m.Size, &m.Image, &m.Tags, &m.Extra,
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, notFoundOr(err)
	}
	return &m, nil
}

// UpsertMachine writes a machine cache row keyed by (provider,
// external id). UpdatedAt moves forward only, so a stale sync result
// can never overwrite a newer observation.
func (s *Store) UpsertMachine(ctx context.Context, m *Machine) error {
	now := time.Now().UTC()
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	existing, err := s.GetMachineByExternalID(ctx, m.ProviderID, m.ExternalID)
	if err == nil {
		if !m.UpdatedAt.After(existing.UpdatedAt) {
			return nil
		}
		_, err = s.exec(ctx,
			`UPDATE machines SET hostname = ?, state = ?, public_ips = ?, private_ips = ?, size = ?, image = ?, tags = ?, extra = ?, updated_at = ?
			 WHERE provider_id = ? AND external_id = ?`,
			m.Hostname, m.State, m.PublicIPs, m.PrivateIPs, m.Size, m.Image, m.Tags, m.Extra, m.UpdatedAt,
			m.ProviderID, m.ExternalID)
		if err == nil {
			m.ID = existing.ID
			m.CreatedAt = existing.CreatedAt
		}
		return err
	}
	if err != ErrNotFound {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	id, err := s.insertID(ctx,
		`INSERT INTO machines (provider_id, external_id, hostname, state, public_ips, private_ips, size, image, tags, extra, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ProviderID, m.ExternalID, m.Hostname, m.State, m.PublicIPs, m.PrivateIPs, m.Size, m.Image, m.Tags, m.Extra, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

// GetMachine fetches a cached machine by row id.
func (s *Store) GetMachine(ctx context.Context, id int64) (*Machine, error) {
	return s.scanMachine(s.queryRow(ctx, `SELECT `+machineCols+` FROM machines WHERE id = ?`, id))
}

// GetMachineByExternalID fetches a cached machine by provider scope.
func (s *Store) GetMachineByExternalID(ctx context.Context, providerID int64, externalID string) (*Machine, error) {
	return s.scanMachine(s.queryRow(ctx,
		`SELECT `+machineCols+` FROM machines WHERE provider_id = ? AND external_id = ?`, providerID, externalID))
}

// ListMachines returns the cache, optionally scoped to one provider.
func (s *Store) ListMachines(ctx context.Context, providerID int64) ([]Machine, error) {
	query := `SELECT ` + machineCols + ` FROM machines`
	var args []any
	if providerID != 0 {
		query += ` WHERE provider_id = ?`
		args = append(args, providerID)
	}
	rows, err := s.query(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var machines []Machine
	for rows.Next() {
		m, err := s.scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, *m)
	}
	return machines, rows.Err()
}

// MarkMachineState sets the cached state, bumping updated_at.
func (s *Store) MarkMachineState(ctx context.Context, providerID int64, externalID, state string) error {
	_, err := s.exec(ctx,
		`UPDATE machines SET state = ?, updated_at = ? WHERE provider_id = ? AND external_id = ?`,
		state, time.Now().UTC(), providerID, externalID)
	return err
}

// DeleteMachine removes a cache row.
func (s *Store) DeleteMachine(ctx context.Context, providerID int64, externalID string) error {
	_, err := s.exec(ctx, `DELETE FROM machines WHERE provider_id = ? AND external_id = ?`, providerID, externalID)
	return err
}
