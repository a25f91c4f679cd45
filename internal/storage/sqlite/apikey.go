package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
)

const apiKeyColumns = `id, key_hash, key_prefix, name, user_id, daily_limit,
 today_usage, total_usage, last_reset_date, is_active, last_used_at, created_at`

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	if key.LastResetDate == "" {
		key.LastResetDate = today()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, key_prefix, name, user_id, daily_limit,
		 today_usage, total_usage, last_reset_date, is_active, last_used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.Name, nullStr(key.UserID), key.DailyLimit,
		key.TodayUsage, key.TotalUsage, key.LastResetDate, boolToInt(key.IsActive),
		timeToStr(key.LastUsedAt), key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// GetKeyByHash retrieves an API key by its SHA-256 hash, applying the daily
// usage rollover: the first lookup on a new UTC day zeroes today_usage and
// advances last_reset_date before the row is returned.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
	key, err := scanKey(row)
	if err != nil {
		return nil, err
	}

	if d := today(); key.LastResetDate != d {
		_, err := s.write.ExecContext(ctx,
			`UPDATE api_keys SET today_usage = 0, last_reset_date = ? WHERE id = ?`,
			d, key.ID)
		if err != nil {
			return nil, fmt.Errorf("daily rollover: %w", err)
		}
		key.TodayUsage = 0
		key.LastResetDate = d
	}
	return key, nil
}

// ListKeys returns API keys ordered by creation time, newest first.
func (s *Store) ListKeys(ctx context.Context, offset, limit int) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates mutable fields of an existing API key.
func (s *Store) UpdateKey(ctx context.Context, key *gateway.APIKey) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET name=?, user_id=?, daily_limit=?, is_active=? WHERE id=?`,
		key.Name, nullStr(key.UserID), key.DailyLimit, boolToInt(key.IsActive), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes an API key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// IncrementKeyUsage adds n to today_usage and total_usage and touches
// last_used_at. Best-effort from the request path; callers log errors only.
func (s *Store) IncrementKeyUsage(ctx context.Context, id string, n int64) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET today_usage = today_usage + ?, total_usage = total_usage + ?,
		 last_used_at = ? WHERE id = ?`,
		n, n, nowStr(), id)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanKey(sc scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var userID, lastUsedAt, createdAt sql.NullString
	var isActive int

	err := sc.Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, &userID, &k.DailyLimit,
		&k.TodayUsage, &k.TotalUsage, &k.LastResetDate, &isActive,
		&lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.UserID = userID.String
	k.IsActive = isActive != 0
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

// helpers shared across entity files

// today returns the current UTC calendar date as YYYY-MM-DD.
func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

func nowStr() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if s, ok := v.([]string); ok && s == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}
