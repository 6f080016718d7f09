package api

import (
	"encoding/json"
	"net/http"

	"github.com/etnz/hodl"
	"github.com/etnz/hodl/ingest"
)

// InvalidRequest is the code of a malformed request.
const InvalidRequest = "invalid_request"

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Result is the progress of a failed import or sync.
	Result *ingest.Result `json:"result,omitempty"`
	// Results are the reports of a sync of every exchange.
	Results []ingest.Result `json:"results,omitempty"`
}

var statuses = map[hodl.Reason]int{
	hodl.UnrecognizedFormat:  http.StatusUnprocessableEntity,
	hodl.RecordParseError:    http.StatusUnprocessableEntity,
	hodl.UnsupportedCurrency: http.StatusUnprocessableEntity,
	hodl.CredentialInvalid:   http.StatusUnprocessableEntity,
	hodl.RateUnavailable:     http.StatusServiceUnavailable,
	hodl.NetworkFailure:      http.StatusBadGateway,
	hodl.MergeConflict:       http.StatusConflict,
	hodl.NotConfigured:       http.StatusConflict,
	hodl.UnknownExchange:     http.StatusNotFound,
	hodl.CredentialCorrupted: http.StatusInternalServerError,
	hodl.LedgerWrite:         http.StatusInternalServerError,
}

// statusOf returns the HTTP status of a failure.
func statusOf(reason hodl.Reason) int {
	if s, ok := statuses[reason]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// writeError reports err with the status of its reason.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeFailure(w, r, err, ErrorResponse{})
}

// writeRunError is writeError for a run, with its partial Result.
func (s *Server) writeRunError(w http.ResponseWriter, r *http.Request, err error, res ingest.Result) {
	s.writeFailure(w, r, err, ErrorResponse{Result: &res})
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error, body ErrorResponse) {
	reason := hodl.ReasonOf(err)
	status := statusOf(reason)
	message := err.Error()
	if reason == hodl.Internal {
		// internal messages are for the logs only
		message = "internal error"
	}
	if status >= http.StatusInternalServerError {
		s.logger().Error("request failed", "path", r.URL.Path, "reason", reason, "err", err)
	}
	body.Code, body.Message = string(reason), message
	writeJSON(w, status, body)
}
