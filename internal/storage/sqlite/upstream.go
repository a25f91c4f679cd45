package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
)

const upstreamColumns = `id, uuid, name, region, credentials, account_email, account_type,
 allowed_models, is_healthy, is_disabled, error_count, last_error_time, last_error_message,
 last_used_at, usage_count, check_health, usage_used, usage_limit, usage_percent,
 usage_exhausted, usage_data, last_usage_sync, last_health_check, created_at, updated_at`

// CreateUpstream inserts a new pooled upstream.
func (s *Store) CreateUpstream(ctx context.Context, u *gateway.Upstream) error {
	creds, err := json.Marshal(u.Credentials)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	models, err := marshalJSON(u.AllowedModels)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO upstreams (id, uuid, name, region, credentials, account_email,
		 account_type, allowed_models, is_healthy, is_disabled, error_count,
		 last_error_message, usage_count, check_health, usage_used, usage_limit,
		 usage_percent, usage_exhausted, usage_data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.UUID, u.Name, u.Region, string(creds), u.AccountEmail,
		orUnknown(u.AccountType), models, boolToInt(u.IsHealthy), boolToInt(u.IsDisabled),
		u.ErrorCount, u.LastErrorMessage, u.UsageCount, boolToInt(u.CheckHealth),
		u.Quota.Used, u.Quota.Limit, u.Quota.Percent, boolToInt(u.Quota.Exhausted),
		u.UsageData, u.CreatedAt.UTC().Format(time.RFC3339), now,
	)
	return err
}

// GetUpstream retrieves an upstream by its ID.
func (s *Store) GetUpstream(ctx context.Context, id string) (*gateway.Upstream, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+upstreamColumns+` FROM upstreams WHERE id = ?`, id)
	return scanUpstream(row)
}

// GetUpstreamByUUID retrieves an upstream by its stable credential UUID.
func (s *Store) GetUpstreamByUUID(ctx context.Context, uuid string) (*gateway.Upstream, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+upstreamColumns+` FROM upstreams WHERE uuid = ?`, uuid)
	return scanUpstream(row)
}

// ListUpstreams returns all upstreams ordered by creation time.
func (s *Store) ListUpstreams(ctx context.Context) ([]*gateway.Upstream, error) {
	return s.queryUpstreams(ctx,
		`SELECT `+upstreamColumns+` FROM upstreams ORDER BY created_at ASC, id ASC`)
}

// UpdateUpstream updates admin-editable fields of an upstream.
func (s *Store) UpdateUpstream(ctx context.Context, u *gateway.Upstream) error {
	models, err := marshalJSON(u.AllowedModels)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE upstreams SET name=?, region=?, allowed_models=?, is_disabled=?,
		 check_health=?, updated_at=? WHERE id=?`,
		u.Name, u.Region, models, boolToInt(u.IsDisabled),
		boolToInt(u.CheckHealth), nowStr(), u.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream")
}

// DeleteUpstream removes an upstream.
func (s *Store) DeleteUpstream(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM upstreams WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream")
}

// strategyOrder maps a pool strategy to its ORDER BY clause. Remaining quota
// is usage_limit - usage_used; rows with no known limit sort last for
// least_usage (999999) and last for most_usage (0).
func strategyOrder(strategy string) string {
	switch strategy {
	case gateway.StrategyLRU:
		return `last_used_at ASC NULLS FIRST, usage_count ASC`
	case gateway.StrategyRoundRobin:
		return `usage_count ASC, id ASC`
	case gateway.StrategyLeastUsage:
		return `CASE WHEN usage_limit > 0 THEN usage_limit - usage_used ELSE 999999 END ASC, id ASC`
	case gateway.StrategyMostUsage:
		return `CASE WHEN usage_limit > 0 THEN usage_limit - usage_used ELSE 0 END DESC, id ASC`
	case gateway.StrategyOldestFirst:
		return `created_at ASC, id ASC`
	default:
		return `last_used_at ASC NULLS FIRST, usage_count ASC`
	}
}

// SelectEligibleUpstreams returns upstreams eligible to serve the given
// model, ordered per the strategy. The allowed-models filter is applied in
// Go so a malformed allowed_models blob fails open (treated as all models).
func (s *Store) SelectEligibleUpstreams(ctx context.Context, strategy, model string, includeExhausted bool) ([]*gateway.Upstream, error) {
	q := `SELECT ` + upstreamColumns + ` FROM upstreams
	 WHERE is_healthy = 1 AND is_disabled = 0`
	if !includeExhausted {
		q += ` AND usage_exhausted = 0`
	}
	q += ` ORDER BY ` + strategyOrder(strategy)

	ups, err := s.queryUpstreams(ctx, q)
	if err != nil {
		return nil, err
	}
	if model == "" {
		return ups, nil
	}
	filtered := ups[:0]
	for _, u := range ups {
		if u.AllowsModel(model) {
			filtered = append(filtered, u)
		}
	}
	return filtered, nil
}

// TouchUpstreamUsed sets last_used_at and increments usage_count.
func (s *Store) TouchUpstreamUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE upstreams SET last_used_at = ?, usage_count = usage_count + 1,
		 updated_at = ? WHERE id = ?`,
		nowStr(), nowStr(), id)
	return err
}

// MarkUpstreamUnhealthy increments error_count and records the failure.
// The health flag is cleared once error_count reaches maxErrorCount.
func (s *Store) MarkUpstreamUnhealthy(ctx context.Context, id, errMsg string, maxErrorCount int) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE upstreams SET error_count = error_count + 1,
		 last_error_time = ?, last_error_message = ?,
		 is_healthy = CASE WHEN error_count + 1 >= ? THEN 0 ELSE is_healthy END,
		 updated_at = ? WHERE id = ?`,
		nowStr(), errMsg, maxErrorCount, nowStr(), id)
	return err
}

// MarkUpstreamHealthy zeroes error_count, clears error fields, and restores
// the health flag. With resetUsage it also zeroes usage_count.
func (s *Store) MarkUpstreamHealthy(ctx context.Context, id string, resetUsage bool) error {
	q := `UPDATE upstreams SET is_healthy = 1, error_count = 0,
	 last_error_time = NULL, last_error_message = '', updated_at = ?`
	if resetUsage {
		q += `, usage_count = 0`
	}
	q += ` WHERE id = ?`
	_, err := s.write.ExecContext(ctx, q, nowStr(), id)
	return err
}

// UpdateUpstreamCredentials persists a rotated credential blob in place.
// The row's uuid stays stable across rotations.
func (s *Store) UpdateUpstreamCredentials(ctx context.Context, id string, creds *gateway.Credentials) error {
	blob, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE upstreams SET credentials = ?, updated_at = ? WHERE id = ?`,
		string(blob), nowStr(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream")
}

// UpdateUpstreamQuota writes the cached quota view from a usage probe.
func (s *Store) UpdateUpstreamQuota(ctx context.Context, id string, q gateway.Quota, email, accountType, rawJSON string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE upstreams SET usage_used=?, usage_limit=?, usage_percent=?,
		 usage_exhausted=?, account_email=?, account_type=?, usage_data=?,
		 last_usage_sync=?, updated_at=? WHERE id=?`,
		q.Used, q.Limit, q.Percent, boolToInt(q.Exhausted),
		email, orUnknown(accountType), rawJSON, nowStr(), nowStr(), id)
	return err
}

// ListUpstreamsForUsageSync returns upstreams never synced or synced before
// the cutoff.
func (s *Store) ListUpstreamsForUsageSync(ctx context.Context, cutoff time.Time) ([]*gateway.Upstream, error) {
	return s.queryUpstreams(ctx,
		`SELECT `+upstreamColumns+` FROM upstreams
		 WHERE is_disabled = 0 AND (last_usage_sync IS NULL OR last_usage_sync < ?)
		 ORDER BY last_usage_sync ASC NULLS FIRST`,
		cutoff.UTC().Format(time.RFC3339))
}

// ListUpstreamsForHealthCheck returns probe candidates.
func (s *Store) ListUpstreamsForHealthCheck(ctx context.Context, unhealthyOnly bool) ([]*gateway.Upstream, error) {
	q := `SELECT ` + upstreamColumns + ` FROM upstreams
	 WHERE check_health = 1 AND is_disabled = 0`
	if unhealthyOnly {
		q += ` AND is_healthy = 0`
	}
	q += ` ORDER BY id ASC`
	return s.queryUpstreams(ctx, q)
}

// TouchUpstreamHealthCheck records a completed probe.
func (s *Store) TouchUpstreamHealthCheck(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE upstreams SET last_health_check = ?, updated_at = ? WHERE id = ?`,
		nowStr(), nowStr(), id)
	return err
}

func (s *Store) queryUpstreams(ctx context.Context, query string, args ...any) ([]*gateway.Upstream, error) {
	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ups []*gateway.Upstream
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, err
		}
		ups = append(ups, u)
	}
	return ups, rows.Err()
}

func scanUpstream(sc scanner) (*gateway.Upstream, error) {
	var u gateway.Upstream
	var creds string
	var modelsJSON sql.NullString
	var lastErrTime, lastUsedAt, lastUsageSync, lastHealthCheck, createdAt, updatedAt sql.NullString
	var isHealthy, isDisabled, checkHealth, exhausted int

	err := sc.Scan(
		&u.ID, &u.UUID, &u.Name, &u.Region, &creds, &u.AccountEmail, &u.AccountType,
		&modelsJSON, &isHealthy, &isDisabled, &u.ErrorCount, &lastErrTime,
		&u.LastErrorMessage, &lastUsedAt, &u.UsageCount, &checkHealth,
		&u.Quota.Used, &u.Quota.Limit, &u.Quota.Percent, &exhausted,
		&u.UsageData, &lastUsageSync, &lastHealthCheck, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	u.IsHealthy = isHealthy != 0
	u.IsDisabled = isDisabled != 0
	u.CheckHealth = checkHealth != 0
	u.Quota.Exhausted = exhausted != 0

	var c gateway.Credentials
	if err := json.Unmarshal([]byte(creds), &c); err != nil {
		return nil, fmt.Errorf("unmarshal credentials for upstream %s: %w", u.ID, err)
	}
	u.Credentials = &c

	// Malformed allowed_models fails open: the upstream serves all models.
	if models, err := unmarshalStringSlice(modelsJSON); err != nil {
		slog.Warn("malformed allowed_models, treating as all models", "upstream", u.ID)
	} else {
		u.AllowedModels = models
	}

	u.LastErrorTime = parseTime(lastErrTime)
	u.LastUsedAt = parseTime(lastUsedAt)
	u.LastUsageSync = parseTime(lastUsageSync)
	u.LastHealthCheck = parseTime(lastHealthCheck)
	if t := parseTime(createdAt); t != nil {
		u.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		u.UpdatedAt = *t
	}
	return &u, nil
}

func orUnknown(accountType string) string {
	if accountType == "" {
		return gateway.AccountTypeUnknown
	}
	return accountType
}
