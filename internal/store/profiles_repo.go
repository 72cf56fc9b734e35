package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"browserfarm/internal/core"
)

var ErrProfileNotFound = errors.New("profile not found")

func (s *Store) InsertProfile(ctx context.Context, profile *core.Profile) error {
	now := time.Now().UTC()
	profile.CreatedAt = now
	profile.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO profiles (id, provider_id, name, device_type, target_url, proxy_id, status, completed, launched_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, profile.ID, nullableString(profile.ProviderID), nullableString(profile.Name), profile.DeviceType,
		profile.TargetURL, nullableString(profile.ProxyID), profile.Status, boolToInt(profile.Completed),
		nullableTime(profile.LaunchedAt),
		profile.CreatedAt.Format(time.RFC3339Nano), profile.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (*core.Profile, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, provider_id, name, device_type, target_url, proxy_id, status, completed, launched_at, created_at, updated_at
		FROM profiles WHERE id = ?
	`, id)
	profile, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return profile, nil
}

func (s *Store) ListProfiles(ctx context.Context, status *core.ProfileStatus) ([]*core.Profile, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT id, provider_id, name, device_type, target_url, proxy_id, status, completed, launched_at, created_at, updated_at
			FROM profiles
			WHERE status = ?
			ORDER BY created_at DESC
		`, *status)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT id, provider_id, name, device_type, target_url, proxy_id, status, completed, launched_at, created_at, updated_at
			FROM profiles
			ORDER BY created_at DESC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()
	var profiles []*core.Profile
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return profiles, nil
}

// CountProfilesByStatus returns how many profile rows sit in any of the
// given statuses. Feeds the launcher's slot accounting, so it must read the
// durable store rather than in-memory state.
func (s *Store) CountProfilesByStatus(ctx context.Context, statuses []core.ProfileStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = st
	}
	var count int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM profiles WHERE status IN (`+strings.Join(placeholders, ",")+`)`,
		args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count profiles by status: %w", err)
	}
	return count, nil
}

func (s *Store) UpdateProfileStatus(ctx context.Context, id string, status core.ProfileStatus) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE profiles
		SET status = ?, updated_at = ?
		WHERE id = ?
	`, status, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update profile status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func (s *Store) SetProfileProviderID(ctx context.Context, id, providerID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE profiles
		SET provider_id = ?, updated_at = ?
		WHERE id = ?
	`, providerID, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set profile provider id: %w", err)
	}
	return nil
}

func (s *Store) SetProfileProxy(ctx context.Context, id, proxyID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE profiles
		SET proxy_id = ?, updated_at = ?
		WHERE id = ?
	`, proxyID, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set profile proxy: %w", err)
	}
	return nil
}

func (s *Store) MarkProfileLaunched(ctx context.Context, id string, launchedAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE profiles
		SET status = ?, launched_at = ?, updated_at = ?
		WHERE id = ?
	`, core.ProfileStatusRunning, launchedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark profile launched: %w", err)
	}
	return nil
}

func (s *Store) MarkProfileCompleted(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE profiles
		SET status = ?, completed = 1, updated_at = ?
		WHERE id = ?
	`, core.ProfileStatusCompleted, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark profile completed: %w", err)
	}
	return nil
}

func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// PruneProfiles removes terminal profile rows older than the retention
// window. Cleaner housekeeping only.
func (s *Store) PruneProfiles(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM profiles
		WHERE status IN (?, ?) AND updated_at < ?
	`, core.ProfileStatusError, core.ProfileStatusStopped, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune profiles: %w", err)
	}
	return res.RowsAffected()
}

func scanProfile(scanner interface {
	Scan(dest ...any) error
}) (*core.Profile, error) {
	var (
		id         string
		providerID sql.NullString
		name       sql.NullString
		deviceType string
		targetURL  string
		proxyID    sql.NullString
		status     string
		completed  int
		launchedAt sql.NullString
		createdAt  string
		updatedAt  string
	)
	if err := scanner.Scan(&id, &providerID, &name, &deviceType, &targetURL, &proxyID, &status, &completed, &launchedAt, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	profile := &core.Profile{
		ID:         id,
		DeviceType: core.DeviceType(deviceType),
		TargetURL:  targetURL,
		Status:     core.ProfileStatus(status),
		Completed:  completed != 0,
		CreatedAt:  mustParseTime(createdAt),
		UpdatedAt:  mustParseTime(updatedAt),
	}
	if providerID.Valid {
		profile.ProviderID = &providerID.String
	}
	if name.Valid {
		profile.Name = &name.String
	}
	if proxyID.Valid {
		profile.ProxyID = &proxyID.String
	}
	if launchedAt.Valid {
		t := mustParseTime(launchedAt.String)
		profile.LaunchedAt = &t
	}
	return profile, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
