package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"browserfarm/internal/core"
)

var (
	ErrProxyNotFound = errors.New("proxy not found")
	ErrProxyAssigned = errors.New("proxy is assigned to a profile")
)

func (s *Store) InsertProxy(ctx context.Context, proxy *core.Proxy) error {
	now := time.Now().UTC()
	proxy.CreatedAt = now
	proxy.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO proxies (id, address, port, username, password, protocol, active, assigned_profile, last_used_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, proxy.ID, proxy.Address, proxy.Port, nullableString(proxy.Username), nullableString(proxy.Password),
		proxy.Protocol, boolToInt(proxy.Active), nullableString(proxy.AssignedProfile),
		nullableTime(proxy.LastUsedAt),
		proxy.CreatedAt.Format(time.RFC3339Nano), proxy.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert proxy: %w", err)
	}
	return nil
}

func (s *Store) GetProxy(ctx context.Context, id string) (*core.Proxy, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, address, port, username, password, protocol, active, assigned_profile, last_used_at, created_at, updated_at
		FROM proxies WHERE id = ?
	`, id)
	proxy, err := scanProxy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProxyNotFound
		}
		return nil, err
	}
	return proxy, nil
}

func (s *Store) ListProxies(ctx context.Context) ([]*core.Proxy, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, address, port, username, password, protocol, active, assigned_profile, last_used_at, created_at, updated_at
		FROM proxies
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query proxies: %w", err)
	}
	defer rows.Close()
	var proxies []*core.Proxy
	for rows.Next() {
		proxy, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, proxy)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return proxies, nil
}

// AcquireNextProxy atomically claims the least-recently-used unassigned
// active proxy for the given profile. Returns nil, nil when no proxy is
// eligible; callers proceed without one.
func (s *Store) AcquireNextProxy(ctx context.Context, profileID string) (*core.Proxy, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, address, port, username, password, protocol, active, assigned_profile, last_used_at, created_at, updated_at
		FROM proxies
		WHERE active = 1 AND assigned_profile IS NULL
		ORDER BY last_used_at ASC NULLS FIRST, created_at ASC
		LIMIT 1
	`)
	proxy, err := scanProxy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE proxies
		SET assigned_profile = ?, last_used_at = ?, updated_at = ?
		WHERE id = ? AND assigned_profile IS NULL
	`, profileID, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), proxy.ID)
	if err != nil {
		return nil, fmt.Errorf("assign proxy: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// claimed between select and update; treat as none available
		return nil, nil
	}
	proxy.AssignedProfile = &profileID
	proxy.LastUsedAt = &now
	return proxy, nil
}

// ReleaseProxy clears the assignment. Releasing an already-free proxy is a
// no-op, not an error.
func (s *Store) ReleaseProxy(ctx context.Context, proxyID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE proxies
		SET assigned_profile = NULL, updated_at = ?
		WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339Nano), proxyID)
	if err != nil {
		return fmt.Errorf("release proxy: %w", err)
	}
	return nil
}

func (s *Store) UpdateProxy(ctx context.Context, proxy *core.Proxy) error {
	proxy.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE proxies
		SET address = ?, port = ?, username = ?, password = ?, protocol = ?, active = ?, updated_at = ?
		WHERE id = ?
	`, proxy.Address, proxy.Port, nullableString(proxy.Username), nullableString(proxy.Password),
		proxy.Protocol, boolToInt(proxy.Active), proxy.UpdatedAt.Format(time.RFC3339Nano), proxy.ID)
	if err != nil {
		return fmt.Errorf("update proxy: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrProxyNotFound
	}
	return nil
}

// DeleteProxy removes a proxy row. Refused while the proxy is assigned.
func (s *Store) DeleteProxy(ctx context.Context, id string) error {
	proxy, err := s.GetProxy(ctx, id)
	if err != nil {
		return err
	}
	if proxy.AssignedProfile != nil {
		return ErrProxyAssigned
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM proxies WHERE id = ? AND assigned_profile IS NULL`, id)
	if err != nil {
		return fmt.Errorf("delete proxy: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrProxyAssigned
	}
	return nil
}

func scanProxy(scanner interface {
	Scan(dest ...any) error
}) (*core.Proxy, error) {
	var (
		id              string
		address         string
		port            int
		username        sql.NullString
		password        sql.NullString
		protocol        string
		active          int
		assignedProfile sql.NullString
		lastUsedAt      sql.NullString
		createdAt       string
		updatedAt       string
	)
	if err := scanner.Scan(&id, &address, &port, &username, &password, &protocol, &active, &assignedProfile, &lastUsedAt, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan proxy: %w", err)
	}
	proxy := &core.Proxy{
		ID:        id,
		Address:   address,
		Port:      port,
		Protocol:  protocol,
		Active:    active != 0,
		CreatedAt: mustParseTime(createdAt),
		UpdatedAt: mustParseTime(updatedAt),
	}
	if username.Valid {
		proxy.Username = &username.String
	}
	if password.Valid {
		proxy.Password = &password.String
	}
	if assignedProfile.Valid {
		proxy.AssignedProfile = &assignedProfile.String
	}
	if lastUsedAt.Valid {
		t := mustParseTime(lastUsedAt.String)
		proxy.LastUsedAt = &t
	}
	return proxy, nil
}
