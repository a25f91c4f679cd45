// Package gateway defines domain types and interfaces for the Shadowfax gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// --- API keys ---

// APIKey represents an inbound caller credential.
// The plaintext key is shown exactly once at creation; only the hash is stored.
type APIKey struct {
	ID            string     `json:"id"`
	KeyHash       string     `json:"-"`          // SHA-256 hex, never exposed
	KeyPrefix     string     `json:"key_prefix"` // first 12 chars for display
	Name          string     `json:"name"`
	UserID        string     `json:"user_id,omitempty"`
	DailyLimit    int64      `json:"daily_limit"` // -1 = unlimited
	TodayUsage    int64      `json:"today_usage"`
	TotalUsage    int64      `json:"total_usage"`
	LastResetDate string     `json:"last_reset_date"` // YYYY-MM-DD (UTC)
	IsActive      bool       `json:"is_active"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// DailyLimitExceeded reports whether the key has consumed its daily
// allotment. A non-positive limit means unlimited.
func (k *APIKey) DailyLimitExceeded() bool {
	return k.DailyLimit > 0 && k.TodayUsage >= k.DailyLimit
}

// --- Upstreams ---

// Account type classification derived from the quota probe's subscription string.
const (
	AccountTypeFree    = "FREE"
	AccountTypePro     = "PRO"
	AccountTypeUnknown = "UNKNOWN"
)

// Auth methods for upstream credentials.
const (
	AuthMethodSocial    = "social"
	AuthMethodBuilderID = "builder-id"
	AuthMethodIdC       = "IdC"
)

// Credentials is the token material held inside an Upstream.
// The snapshot is immutable: the credential manager swaps it wholesale on refresh.
type Credentials struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	AuthMethod   string    `json:"authMethod"` // social, builder-id, IdC
	Region       string    `json:"region"`
	StartURL     string    `json:"startUrl,omitempty"`
	SSORegion    string    `json:"ssoRegion,omitempty"`
	ProfileARN   string    `json:"profileArn,omitempty"`
	ClientID     string    `json:"clientId,omitempty"`
	ClientSecret string    `json:"clientSecret,omitempty"`
}

// Quota is the cached view of an upstream's remaining allotment.
type Quota struct {
	Used      float64 `json:"used"`
	Limit     float64 `json:"limit"`
	Percent   float64 `json:"percent"`
	Exhausted bool    `json:"exhausted"`
}

// Remaining returns limit - used. Callers decide how to treat an
// undefined (zero) limit.
func (q Quota) Remaining() float64 { return q.Limit - q.Used }

// Upstream is one pooled OAuth identity used as a backend credential.
type Upstream struct {
	ID               string       `json:"id"`
	UUID             string       `json:"uuid"` // stable across credential rotations
	Name             string       `json:"name"`
	Region           string       `json:"region"`
	Credentials      *Credentials `json:"-"` // opaque to most components
	AccountEmail     string       `json:"account_email,omitempty"`
	AccountType      string       `json:"account_type"`
	AllowedModels    []string     `json:"allowed_models,omitempty"` // nil = all models
	IsHealthy        bool         `json:"is_healthy"`
	IsDisabled       bool         `json:"is_disabled"`
	ErrorCount       int          `json:"error_count"`
	LastErrorTime    *time.Time   `json:"last_error_time,omitempty"`
	LastErrorMessage string       `json:"last_error_message,omitempty"`
	LastUsedAt       *time.Time   `json:"last_used_at,omitempty"`
	UsageCount       int64        `json:"usage_count"`
	CheckHealth      bool         `json:"check_health"`
	Quota            Quota        `json:"quota"`
	UsageData        string       `json:"-"` // raw quota JSON for the admin UI
	LastUsageSync    *time.Time   `json:"last_usage_sync,omitempty"`
	LastHealthCheck  *time.Time   `json:"last_health_check,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Eligible reports whether the upstream may serve traffic:
// healthy, not disabled, and not quota-exhausted.
func (u *Upstream) Eligible() bool {
	return u.IsHealthy && !u.IsDisabled && !u.Quota.Exhausted
}

// AllowsModel reports whether the upstream accepts the given model id.
// A nil AllowedModels set means all models are allowed.
func (u *Upstream) AllowsModel(model string) bool {
	if u.AllowedModels == nil {
		return true
	}
	for _, m := range u.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// Pool selection strategies.
const (
	StrategyLRU         = "lru"
	StrategyRoundRobin  = "round_robin"
	StrategyLeastUsage  = "least_usage"
	StrategyMostUsage   = "most_usage"
	StrategyOldestFirst = "oldest_first"
)

// --- OAuth sessions ---

// OAuth session flow types.
const (
	OAuthTypeSocial         = "social"
	OAuthTypeBuilderID      = "builder-id"
	OAuthTypeIdentityCenter = "identity-center"
)

// OAuth session states. A session starts pending and ends in exactly one
// terminal state.
const (
	OAuthStatusPending   = "pending"
	OAuthStatusCompleted = "completed"
	OAuthStatusError     = "error"
	OAuthStatusExpired   = "expired"
	OAuthStatusCancelled = "cancelled"
	OAuthStatusTimeout   = "timeout"
)

// OAuthSession is the transient state of one in-progress interactive grant.
type OAuthSession struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Provider    string          `json:"provider,omitempty"` // google|github for social
	Region      string          `json:"region"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Payload     json.RawMessage `json:"-"` // per-type state (PKCE or device-code)
	Credentials *Credentials    `json:"-"` // set on completion
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the session has reached a final state.
func (s *OAuthSession) Terminal() bool {
	return s.Status != OAuthStatusPending
}

// --- Canonical request form ---

// Message is one turn in the canonical, dialect-neutral conversation.
// Content is always flattened text; structured parts (tool_use,
// tool_result) are rendered into text markers by the dialect translators.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Request is the canonical internal form of an inbound chat request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature *float64
	Stream      bool
}

// --- Canonical stream ---

// EventType tags a canonical stream event.
type EventType int

const (
	// EventText is a text delta.
	EventText EventType = iota
	// EventToolStart opens a tool call (name + id, optional initial input).
	EventToolStart
	// EventToolDelta appends to the current tool call's argument JSON.
	EventToolDelta
	// EventToolStop closes the current tool call.
	EventToolStop
	// EventContextUsage is informational telemetry from the upstream.
	EventContextUsage
	// EventError terminates the stream with an error.
	EventError
)

// StreamEvent is one typed event in the canonical upstream stream.
type StreamEvent struct {
	Type       EventType
	Text       string  // EventText
	ToolID     string  // EventToolStart
	ToolName   string  // EventToolStart
	Input      string  // EventToolStart (initial fragment), EventToolDelta
	ContextPct float64 // EventContextUsage
	Err        error   // EventError
}

// ToolCall is a fully assembled tool invocation.
type ToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"` // raw JSON argument string
}

// Usage holds token counts for a completed exchange.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Completion is the aggregated result of a non-streaming exchange.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all Shadowfax API keys.
const APIKeyPrefix = "kp_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// SupportedModels lists the external model identifiers the gateway accepts
// and exposes via /v1/models.
var SupportedModels = []string{
	"claude-opus-4-5",
	"claude-opus-4-5-20251101",
	"claude-haiku-4-5",
	"claude-sonnet-4-5",
	"claude-sonnet-4-5-20250929",
	"claude-sonnet-4-20250514",
	"claude-3-7-sonnet-20250219",
}

// IsSupportedModel reports whether the model id is accepted on input.
func IsSupportedModel(model string) bool {
	for _, m := range SupportedModels {
		if m == model {
			return true
		}
	}
	return false
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Key field is set later by the handler's auth step via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Key       *APIKey
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// KeyFromContext extracts the authenticated API key from context.
func KeyFromContext(ctx context.Context) *APIKey {
	if m := metaFromContext(ctx); m != nil {
		return m.Key
	}
	return nil
}

// ContextWithKey stores the API key in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g., in tests).
func ContextWithKey(ctx context.Context, k *APIKey) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Key = k
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Key: k})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
