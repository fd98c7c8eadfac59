package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"distillo/internal/pipeline"
	"distillo/internal/store"
)

type submitRequest struct {
	URL    string `json:"url,omitempty"`
	Text   string `json:"text,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

type outcomeReply struct {
	RequestID  string          `json:"request_id,omitempty"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Reused     bool            `json:"reused,omitempty"`
	Lang       string          `json:"lang,omitempty"`
	Summary    json.RawMessage `json:"summary,omitempty"`
	ErrorType  string          `json:"error_type,omitempty"`
	Error      string          `json:"error,omitempty"`
	Retryable  bool            `json:"retryable,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

type forwardReply struct {
	Outcomes  []outcomeReply `json:"outcomes"`
	Rejected  []string       `json:"rejected_urls,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
}

// handleSubmit processes a single URL or a forwarded message synchronously
// and returns the terminal outcome. Long jobs are bounded by the pipeline's
// request timeout.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, pipeline.FailValidation, "malformed JSON body")
		return
	}

	switch {
	case strings.TrimSpace(req.URL) != "":
		out := s.pipe.ProcessURL(r.Context(), pipeline.Submission{Raw: req.URL, UserID: req.UserID})
		writeJSON(w, statusFor(out.Failure), toReply(out))
	case strings.TrimSpace(req.Text) != "":
		res := s.pipe.ProcessForward(r.Context(), pipeline.Submission{Raw: req.Text, UserID: req.UserID})
		reply := forwardReply{Truncated: res.Truncated}
		for _, out := range res.Outcomes {
			reply.Outcomes = append(reply.Outcomes, toReply(out))
		}
		for _, rej := range res.Rejected {
			reply.Rejected = append(reply.Rejected, rej.Raw)
		}
		writeJSON(w, http.StatusOK, reply)
	default:
		writeError(w, http.StatusBadRequest, pipeline.FailValidation, "either url or text is required")
	}
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.pipe.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRequestSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.pipe.SummaryOf(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": sum.RequestID,
		"lang":       sum.Lang,
		"version":    sum.Version,
		"summary":    json.RawMessage(sum.JSONPayload),
	})
}

func (s *Server) handleRequestTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := s.pipe.Trail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": trail})
}

type batchRequest struct {
	URLs   []string `json:"urls"`
	UserID string   `json:"user_id,omitempty"`
}

// handleBatchCreate starts a batch in the background and returns its id for
// progress polling.
func (s *Server) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, pipeline.FailValidation, "malformed JSON body")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, pipeline.FailValidation, "urls is required")
		return
	}
	// The batch outlives this request; only process shutdown cancels it.
	id := s.batches.Start(context.WithoutCancel(r.Context()), req.URLs, req.UserID, nil)
	writeJSON(w, http.StatusAccepted, map[string]any{"batch_id": id, "total": len(req.URLs)})
}

func (s *Server) handleBatchProgress(w http.ResponseWriter, r *http.Request) {
	snap := s.batches.Get(chi.URLParam(r, "id"))
	if snap == nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown batch id")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) notFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown request id")
		return
	}
	s.logger.Error().Err(err).Msg("query failed")
	writeError(w, http.StatusInternalServerError, pipeline.FailInternal, "internal error")
}

func toReply(out pipeline.Outcome) outcomeReply {
	reply := outcomeReply{
		RequestID:  out.RequestID,
		Kind:       out.Kind,
		Status:     out.Status,
		Reused:     out.Reused,
		Lang:       out.Lang,
		DurationMS: out.DurationMS,
	}
	if out.SummaryJSON != "" {
		reply.Summary = json.RawMessage(out.SummaryJSON)
	}
	if out.Failure != nil {
		reply.ErrorType = out.Failure.Type
		reply.Error = out.Failure.Message
		reply.Retryable = out.Failure.Retryable
	}
	return reply
}

// statusFor maps a terminal pipeline failure onto an HTTP status. Successes
// are 200 even when the summary was reused.
func statusFor(f *pipeline.Failure) int {
	if f == nil {
		return http.StatusOK
	}
	switch f.Type {
	case pipeline.FailValidation:
		return http.StatusBadRequest
	case pipeline.FailLockHeld:
		return http.StatusConflict
	case pipeline.FailSkipCached:
		return http.StatusUnprocessableEntity
	case pipeline.FailCircuitOpen:
		return http.StatusServiceUnavailable
	case pipeline.FailCancelled:
		return http.StatusGatewayTimeout
	case "rate_limited":
		return http.StatusTooManyRequests
	case pipeline.FailInternal, pipeline.FailStorage:
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}
