package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-sandbox/pkg/policy"
	"github.com/polisai/polis-sandbox/pkg/sandbox"
)

// Error codes returned in the "code" field of error responses.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeInvocationFailed  = "INVOCATION_FAILED"
	CodeUndefinedFunction = "UNDEFINED_FUNCTION"
	CodeUnknownClass      = "UNKNOWN_CLASS"
	CodeUnencodableResult = "UNENCODABLE_RESULT"
	CodeRateLimited       = "RATE_LIMITED"
)

// InvokeRequest calls Value as a function name with Args.
type InvokeRequest struct {
	Value string `json:"value"`
	Args  []any  `json:"args,omitempty"`
}

// InvokeResponse carries the target's return value.
type InvokeResponse struct {
	Result any `json:"result"`
}

// CheckRequest asks for the policy decision on Name.
type CheckRequest struct {
	Name string `json:"name"`
}

// CheckResponse reports a policy decision.
type CheckResponse struct {
	Name    string `json:"name"`
	Allowed bool   `json:"allowed"`
	Source  string `json:"source"`
	Reason  string `json:"reason,omitempty"`
}

// OverrideRequest changes the override flag of one classification.
type OverrideRequest struct {
	Class   string `json:"class"`
	Enabled bool   `json:"enabled"`
}

// PolicyResponse describes the function policy currently in force.
type PolicyResponse struct {
	Whitelist       []string               `json:"whitelist"`
	Blacklist       []string               `json:"blacklist"`
	Overrides       map[sandbox.Class]bool `json:"overrides"`
	CachedDecisions int                    `json:"cached_decisions"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	if !s.decode(w, r, &req) {
		s.metrics.RecordInvocation("invalid")
		return
	}

	args := make([]any, len(req.Args))
	for i, arg := range req.Args {
		args[i] = s.engine.Wrap(arg)
	}

	result, err := s.engine.WrapString(req.Value).Invoke(r.Context(), args...)
	if err != nil {
		code := CodeInvocationFailed
		if errors.Is(err, sandbox.ErrUndefinedFunction) {
			code = CodeUndefinedFunction
		}
		s.metrics.RecordInvocation("error")
		s.logger.Info("invocation failed",
			"request_id", RequestID(r.Context()),
			"function", req.Value,
			"error", err,
		)
		s.writeError(w, r, http.StatusUnprocessableEntity, code, err.Error())
		return
	}

	s.metrics.RecordInvocation("ok")
	s.writeJSON(w, r, http.StatusOK, InvokeResponse{Result: result})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !s.decode(w, r, &req) {
		return
	}

	decision := s.engine.Decide(r.Context(), req.Name)
	s.metrics.RecordCheck(decision.Allowed)

	s.writeJSON(w, r, http.StatusOK, CheckResponse{
		Name:    decision.Name,
		Allowed: decision.Allowed,
		Source:  string(decision.Source),
		Reason:  decision.Reason,
	})
}

func (s *Server) handleGetOverrides(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.engine.Overrides())
}

func (s *Server) handlePutOverrides(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !s.decode(w, r, &req) {
		return
	}

	class, err := policy.ParseClass(req.Class)
	if err == nil {
		err = s.engine.SetOverride(class, req.Enabled)
	}
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, CodeUnknownClass, err.Error())
		return
	}

	s.logger.Info("override updated via API",
		"request_id", RequestID(r.Context()),
		"class", string(class),
		"enabled", req.Enabled,
	)
	s.writeJSON(w, r, http.StatusOK, s.engine.Overrides())
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	whitelist, blacklist := s.engine.FunctionLists()
	s.writeJSON(w, r, http.StatusOK, PolicyResponse{
		Whitelist:       whitelist,
		Blacklist:       blacklist,
		Overrides:       s.engine.Overrides(),
		CachedDecisions: s.engine.CachedDecisions(),
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, CodeUnencodableResult, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	resp := ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: RequestID(r.Context()),
	}
	if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
		resp.TraceID = sc.TraceID().String()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode error response", "error", err)
	}
}
