package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"
	"github.com/snarg/sitevoice/internal/failure"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error     string   `json:"error"`
	Kind      string   `json:"kind,omitempty"`
	Detail    string   `json:"detail,omitempty"`
	Problems  []string `json:"problems,omitempty"`
	Retryable bool     `json:"retryable"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// WriteErrorDetail writes a JSON error response with detail.
func WriteErrorDetail(w http.ResponseWriter, status int, msg, detail string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Detail: detail})
}

// StatusFor maps an error's failure kind to an HTTP status.
func StatusFor(err error) int {
	switch failure.Kind(err) {
	case failure.KindValidation:
		return http.StatusUnprocessableEntity
	case failure.KindNotFound:
		return http.StatusNotFound
	case failure.KindPrecondition:
		return http.StatusConflict
	case failure.KindExhausted, failure.KindTransient:
		return http.StatusServiceUnavailable
	case failure.KindFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteFailure renders err with its kind, an operator-facing detail and
// whether resubmitting may help. Server-side failures are logged.
func WriteFailure(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{
		Error:     msg,
		Kind:      failure.Kind(err),
		Detail:    failure.Message(err),
		Retryable: failure.Retryable(err),
	}
	var ve *failure.ValidationError
	if errors.As(err, &ve) {
		resp.Problems = ve.Problems
	}
	if status >= 500 {
		hlog.FromRequest(r).Error().Err(err).Str("kind", resp.Kind).Msg(msg)
	}
	WriteJSON(w, status, resp)
}

// DecodeJSON reads and decodes a JSON request body into v.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("missing request body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// QueryStringList extracts a comma-separated list of strings from a query param.
func QueryStringList(r *http.Request, name string) []string {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
