package server

import (
	"net/http"
	"strings"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/dialect"
	"github.com/eugener/shadowfax/internal/dialect/anthropic"
)

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	key, ok := s.authenticate(w, r, anthropic.ErrorBody)
	if !ok {
		return
	}
	req, ok := s.decodeBody(w, r, anthropic.Decode, anthropic.ErrorBody)
	if !ok {
		return
	}
	if s.deps.Usage != nil {
		s.deps.Usage.Record(key.ID, 1)
	}

	if req.Stream {
		s.streamMessages(w, r, req)
		return
	}

	comp, err := s.execute(r, req)
	if err != nil {
		writeDialectError(w, err, anthropic.ErrorBody)
		return
	}
	s.countTokens(req.Model, comp.Usage)
	writeRawJSON(w, http.StatusOK, anthropic.EncodeMessage(req.Model, comp))
}

// streamMessages drives an Anthropic-dialect SSE response. Text deltas
// stream as they arrive; tool calls (from codec events and from bracket
// markers in the accumulated text) are buffered and emitted after the text
// block, then the message closes with the appropriate stop_reason.
func (s *server) streamMessages(w http.ResponseWriter, r *http.Request, req *gateway.Request) {
	ctx := r.Context()
	u, err := s.deps.Pool.Acquire(ctx, req.Model)
	if err != nil {
		writeDialectError(w, err, anthropic.ErrorBody)
		return
	}
	events, err := s.deps.Caller.Stream(ctx, u, req)
	if err != nil {
		s.deps.Pool.ReportError(ctx, u.ID, err.Error())
		writeDialectError(w, err, anthropic.ErrorBody)
		return
	}

	if m := s.deps.Metrics; m != nil {
		m.StreamsActive.Inc()
		defer m.StreamsActive.Dec()
	}

	writeSSEHeaders(w)
	rc := http.NewResponseController(w)
	writeFrames := func(frames []anthropic.Frame) {
		for _, f := range frames {
			writeSSEEvent(w, f.Event, f.Data)
		}
		_ = rc.Flush()
	}

	inputTokens := s.deps.Counter.EstimateRequest(req)
	enc := anthropic.NewStreamEncoder(req.Model)
	writeFrames(enc.Start(inputTokens))

	var text strings.Builder
	var collector gateway.ToolCollector
	var streamErr error
	for ev := range events {
		collector.Observe(ev)
		switch ev.Type {
		case gateway.EventText:
			text.WriteString(ev.Text)
			writeFrames(enc.Text(ev.Text))
		case gateway.EventError:
			streamErr = ev.Err
		}
	}

	_, markerCalls := dialect.ParseMarkers(text.String())
	calls := dialect.MergeToolCalls(collector.Calls(), markerCalls)

	usage := gateway.Usage{
		InputTokens:  inputTokens,
		OutputTokens: s.deps.Counter.CountText(text.String()),
	}
	if streamErr != nil {
		s.deps.Pool.ReportError(ctx, u.ID, streamErr.Error())
	} else {
		s.deps.Pool.ReportSuccess(ctx, u.ID)
	}
	s.countTokens(req.Model, usage)
	writeFrames(enc.Finish(calls, usage, streamErr))
}
