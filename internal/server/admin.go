package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/auth"
	"github.com/eugener/shadowfax/internal/oauth"
)

// mountAdminRoutes wires the management API. All routes sit behind adminAuth.
func (s *server) mountAdminRoutes(r chi.Router) {
	r.Route("/keys", func(r chi.Router) {
		r.Post("/", s.handleCreateKey)
		r.Get("/", s.handleListKeys)
		r.Get("/{id}", s.handleGetKey)
		r.Patch("/{id}", s.handleUpdateKey)
		r.Delete("/{id}", s.handleDeleteKey)
	})

	r.Route("/upstreams", func(r chi.Router) {
		r.Get("/", s.handleListUpstreams)
		r.Get("/{id}", s.handleGetUpstream)
		r.Patch("/{id}", s.handleUpdateUpstream)
		r.Delete("/{id}", s.handleDeleteUpstream)
		r.Post("/{id}/refresh-quota", s.handleRefreshQuota)
	})

	r.Route("/oauth", func(r chi.Router) {
		r.Post("/start", s.handleOAuthStart)
		r.Get("/{id}", s.handleOAuthStatus)
		r.Delete("/{id}", s.handleOAuthCancel)
	})
}

// adminError writes a plain {"error": ...} body; admin clients are not
// dialect-sensitive.
func adminError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), map[string]string{"error": err.Error()})
}

func adminDecode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		adminError(w, fmt.Errorf("%w: %v", gateway.ErrBadRequest, err))
		return false
	}
	return true
}

// --- API keys ---

type createKeyRequest struct {
	Name       string `json:"name"`
	UserID     string `json:"user_id"`
	DailyLimit int64  `json:"daily_limit"`
}

type createKeyResponse struct {
	Key    string          `json:"key"` // plaintext, shown exactly once
	Record *gateway.APIKey `json:"record"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !adminDecode(w, r, &req) {
		return
	}
	if req.Name == "" {
		adminError(w, fmt.Errorf("%w: name is required", gateway.ErrBadRequest))
		return
	}

	plaintext, key, err := s.keys.CreateKey(r.Context(), auth.CreateKeyOpts{
		Name:       req.Name,
		UserID:     req.UserID,
		DailyLimit: req.DailyLimit,
	})
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{Key: plaintext, Record: key})
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)
	keys, err := s.deps.Store.ListKeys(r.Context(), offset, limit)
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.deps.Store.GetKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

type updateKeyRequest struct {
	Name       *string `json:"name"`
	UserID     *string `json:"user_id"`
	DailyLimit *int64  `json:"daily_limit"`
	IsActive   *bool   `json:"is_active"`
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var req updateKeyRequest
	if !adminDecode(w, r, &req) {
		return
	}
	key, err := s.deps.Store.GetKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		adminError(w, err)
		return
	}
	if req.Name != nil {
		key.Name = *req.Name
	}
	if req.UserID != nil {
		key.UserID = *req.UserID
	}
	if req.DailyLimit != nil {
		key.DailyLimit = *req.DailyLimit
	}
	if req.IsActive != nil {
		key.IsActive = *req.IsActive
	}
	if err := s.deps.Store.UpdateKey(r.Context(), key); err != nil {
		adminError(w, err)
		return
	}
	s.invalidateKey(key.ID)
	writeJSON(w, http.StatusOK, key)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteKey(r.Context(), id); err != nil {
		adminError(w, err)
		return
	}
	s.invalidateKey(id)
	w.WriteHeader(http.StatusNoContent)
}

// invalidateKey evicts a cached key row so revocations and limit changes
// take effect before the cache TTL would expire them.
func (s *server) invalidateKey(id string) {
	if inv, ok := s.deps.Auth.(interface{ InvalidateByKeyID(string) }); ok {
		inv.InvalidateByKeyID(id)
	}
}

// --- Upstreams ---

func (s *server) handleListUpstreams(w http.ResponseWriter, r *http.Request) {
	ups, err := s.deps.Store.ListUpstreams(r.Context())
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ups)
}

func (s *server) handleGetUpstream(w http.ResponseWriter, r *http.Request) {
	u, err := s.deps.Store.GetUpstream(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type updateUpstreamRequest struct {
	Name          *string   `json:"name"`
	Region        *string   `json:"region"`
	AllowedModels *[]string `json:"allowed_models"` // empty slice clears the restriction
	IsDisabled    *bool     `json:"is_disabled"`
	CheckHealth   *bool     `json:"check_health"`
}

func (s *server) handleUpdateUpstream(w http.ResponseWriter, r *http.Request) {
	var req updateUpstreamRequest
	if !adminDecode(w, r, &req) {
		return
	}
	u, err := s.deps.Store.GetUpstream(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		adminError(w, err)
		return
	}
	if req.Name != nil {
		u.Name = *req.Name
	}
	if req.Region != nil {
		u.Region = *req.Region
	}
	if req.AllowedModels != nil {
		if len(*req.AllowedModels) == 0 {
			u.AllowedModels = nil
		} else {
			u.AllowedModels = *req.AllowedModels
		}
	}
	if req.IsDisabled != nil {
		u.IsDisabled = *req.IsDisabled
	}
	if req.CheckHealth != nil {
		u.CheckHealth = *req.CheckHealth
	}
	if err := s.deps.Store.UpdateUpstream(r.Context(), u); err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *server) handleDeleteUpstream(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteUpstream(r.Context(), chi.URLParam(r, "id")); err != nil {
		adminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRefreshQuota(w http.ResponseWriter, r *http.Request) {
	if s.deps.Quota == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "quota sync not configured"})
		return
	}
	u, err := s.deps.Store.GetUpstream(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		adminError(w, err)
		return
	}
	if err := s.deps.Quota.SyncUpstream(r.Context(), u); err != nil {
		adminError(w, fmt.Errorf("%w: %v", gateway.ErrUpstreamError, err))
		return
	}
	// Re-read so the response carries the freshly written quota.
	u, err = s.deps.Store.GetUpstream(r.Context(), u.ID)
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// --- OAuth flows ---

type oauthStartRequest struct {
	Type     string `json:"type"`               // social | builder-id | identity-center
	Provider string `json:"provider,omitempty"` // google | github (social only)
	Region   string `json:"region,omitempty"`
	StartURL string `json:"start_url,omitempty"` // identity-center only
}

func (s *server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.OAuth == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "oauth not configured"})
		return
	}
	var req oauthStartRequest
	if !adminDecode(w, r, &req) {
		return
	}

	var (
		res *oauth.StartResult
		err error
	)
	switch req.Type {
	case "social":
		res, err = s.deps.OAuth.StartSocial(r.Context(), req.Provider, req.Region)
	case "builder-id":
		res, err = s.deps.OAuth.StartBuilderID(r.Context())
	case "identity-center":
		res, err = s.deps.OAuth.StartIdentityCenter(r.Context(), req.StartURL, req.Region)
	default:
		err = fmt.Errorf("%w: unknown oauth type %q", gateway.ErrBadRequest, req.Type)
	}
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleOAuthStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.OAuth == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "oauth not configured"})
		return
	}
	sess, err := s.deps.OAuth.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleOAuthCancel(w http.ResponseWriter, r *http.Request) {
	if s.deps.OAuth == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "oauth not configured"})
		return
	}
	if err := s.deps.OAuth.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		adminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
