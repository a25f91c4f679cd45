package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/auth"
	"github.com/eugener/shadowfax/internal/dialect/openai"
)

// maxBodySize bounds inbound request bodies.
const maxBodySize = 10 << 20

// authenticate resolves the caller's API key and enforces the daily limit,
// writing a dialect-shaped error on failure.
func (s *server) authenticate(w http.ResponseWriter, r *http.Request, body errorBodyFunc) (*gateway.APIKey, bool) {
	key, err := s.deps.Auth.Authenticate(r.Context(), auth.ExtractKey(r))
	if err != nil {
		writeDialectError(w, err, body)
		return nil, false
	}
	if key.DailyLimitExceeded() {
		writeDialectError(w, fmt.Errorf("%w for key %s", gateway.ErrDailyLimitExceeded, key.KeyPrefix), body)
		return nil, false
	}
	return key, true
}

// decodeBody reads and translates the inbound request via decode, enforcing
// the supported-model list.
func (s *server) decodeBody(w http.ResponseWriter, r *http.Request, decode func([]byte) (*gateway.Request, error), errBody errorBodyFunc) (*gateway.Request, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeDialectError(w, fmt.Errorf("%w: %v", gateway.ErrBadRequest, err), errBody)
		return nil, false
	}
	req, err := decode(raw)
	if err != nil {
		writeDialectError(w, err, errBody)
		return nil, false
	}
	if !gateway.IsSupportedModel(req.Model) {
		writeDialectError(w, fmt.Errorf("%w: %q (supported: %s)",
			gateway.ErrModelNotSupported, req.Model, strings.Join(gateway.SupportedModels, ", ")), errBody)
		return nil, false
	}
	return req, true
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	key, ok := s.authenticate(w, r, openai.ErrorBody)
	if !ok {
		return
	}
	req, ok := s.decodeBody(w, r, openai.Decode, openai.ErrorBody)
	if !ok {
		return
	}
	if s.deps.Usage != nil {
		// Best-effort, not transactional with the upstream call.
		s.deps.Usage.Record(key.ID, 1)
	}

	if req.Stream {
		s.streamChat(w, r, req)
		return
	}

	comp, err := s.execute(r, req)
	if err != nil {
		writeDialectError(w, err, openai.ErrorBody)
		return
	}
	s.countTokens(req.Model, comp.Usage)
	writeRawJSON(w, http.StatusOK, openai.EncodeCompletion(req.Model, comp))
}

// execute drives a non-streaming request across the pool.
func (s *server) execute(r *http.Request, req *gateway.Request) (*gateway.Completion, error) {
	var comp *gateway.Completion
	err := s.deps.Pool.ExecuteWithRetry(r.Context(), req.Model, func(ctx context.Context, u *gateway.Upstream) error {
		start := time.Now()
		c, err := s.deps.Caller.Call(ctx, u, req)
		if m := s.deps.Metrics; m != nil {
			m.UpstreamDuration.WithLabelValues(u.Name, req.Model).Observe(time.Since(start).Seconds())
			if err != nil {
				m.UpstreamErrors.WithLabelValues(u.Name, errorType(err)).Inc()
			}
		}
		if err != nil {
			return err
		}
		comp = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return comp, nil
}

func (s *server) countTokens(model string, usage gateway.Usage) {
	if m := s.deps.Metrics; m != nil {
		m.TokensProcessed.WithLabelValues(model, "input").Add(float64(usage.InputTokens))
		m.TokensProcessed.WithLabelValues(model, "output").Add(float64(usage.OutputTokens))
	}
}

// streamChat drives an OpenAI-dialect SSE response. Once bytes have
// flowed there is no cross-upstream retry; mid-stream failures surface as
// a terminal error chunk.
func (s *server) streamChat(w http.ResponseWriter, r *http.Request, req *gateway.Request) {
	ctx := r.Context()
	u, err := s.deps.Pool.Acquire(ctx, req.Model)
	if err != nil {
		writeDialectError(w, err, openai.ErrorBody)
		return
	}
	events, err := s.deps.Caller.Stream(ctx, u, req)
	if err != nil {
		s.deps.Pool.ReportError(ctx, u.ID, err.Error())
		writeDialectError(w, err, openai.ErrorBody)
		return
	}

	if m := s.deps.Metrics; m != nil {
		m.StreamsActive.Inc()
		defer m.StreamsActive.Dec()
	}

	writeSSEHeaders(w)
	rc := http.NewResponseController(w)
	enc := openai.NewStreamEncoder(req.Model)
	writeSSEData(w, enc.Role())
	_ = rc.Flush()

	var text strings.Builder
	var streamErr error
	for ev := range events {
		switch ev.Type {
		case gateway.EventText:
			text.WriteString(ev.Text)
			writeSSEData(w, enc.Text(ev.Text))
			_ = rc.Flush()
		case gateway.EventError:
			streamErr = ev.Err
		}
	}

	usage := gateway.Usage{
		InputTokens:  s.deps.Counter.EstimateRequest(req),
		OutputTokens: s.deps.Counter.CountText(text.String()),
	}
	reason := "stop"
	if streamErr != nil {
		reason = "error"
		s.deps.Pool.ReportError(ctx, u.ID, streamErr.Error())
	} else {
		s.deps.Pool.ReportSuccess(ctx, u.ID)
	}
	s.countTokens(req.Model, usage)
	writeSSEData(w, enc.Finish(reason, usage))
	writeSSEDone(w)
	_ = rc.Flush()
}
