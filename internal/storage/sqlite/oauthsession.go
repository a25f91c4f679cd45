package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
)

const oauthSessionColumns = `id, type, provider, region, status, error, payload, credentials, created_at, updated_at`

// CreateOAuthSession inserts a new in-progress grant session.
func (s *Store) CreateOAuthSession(ctx context.Context, sess *gateway.OAuthSession) error {
	payload := "{}"
	if len(sess.Payload) > 0 {
		payload = string(sess.Payload)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO oauth_sessions (id, type, provider, region, status, error,
		 payload, credentials, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Type, sess.Provider, sess.Region, sess.Status, sess.Error,
		payload, credsToNull(sess.Credentials),
		sess.CreatedAt.UTC().Format(time.RFC3339), nowStr(),
	)
	return err
}

// GetOAuthSession retrieves a session by ID.
func (s *Store) GetOAuthSession(ctx context.Context, id string) (*gateway.OAuthSession, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+oauthSessionColumns+` FROM oauth_sessions WHERE id = ?`, id)
	return scanOAuthSession(row)
}

// UpdateOAuthSession persists session state changes.
func (s *Store) UpdateOAuthSession(ctx context.Context, sess *gateway.OAuthSession) error {
	payload := "{}"
	if len(sess.Payload) > 0 {
		payload = string(sess.Payload)
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE oauth_sessions SET status=?, error=?, payload=?, credentials=?,
		 updated_at=? WHERE id=?`,
		sess.Status, sess.Error, payload, credsToNull(sess.Credentials),
		nowStr(), sess.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "oauth session")
}

// DeleteOAuthSession removes a session.
func (s *Store) DeleteOAuthSession(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM oauth_sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "oauth session")
}

// DeleteOAuthSessionsBefore removes sessions created before the cutoff and
// returns the number deleted.
func (s *Store) DeleteOAuthSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM oauth_sessions WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanOAuthSession(sc scanner) (*gateway.OAuthSession, error) {
	var sess gateway.OAuthSession
	var payload string
	var creds sql.NullString
	var createdAt, updatedAt sql.NullString

	err := sc.Scan(
		&sess.ID, &sess.Type, &sess.Provider, &sess.Region, &sess.Status,
		&sess.Error, &payload, &creds, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	sess.Payload = json.RawMessage(payload)
	if creds.Valid {
		var c gateway.Credentials
		if err := json.Unmarshal([]byte(creds.String), &c); err != nil {
			return nil, fmt.Errorf("unmarshal session credentials: %w", err)
		}
		sess.Credentials = &c
	}
	if t := parseTime(createdAt); t != nil {
		sess.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		sess.UpdatedAt = *t
	}
	return &sess, nil
}

func credsToNull(c *gateway.Credentials) sql.NullString {
	if c == nil {
		return sql.NullString{}
	}
	b, _ := json.Marshal(c)
	return sql.NullString{String: string(b), Valid: true}
}
