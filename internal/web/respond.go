package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/daprelay/daprelay/internal/logger"
	"github.com/daprelay/daprelay/internal/relayerr"
)

// envelope is the wrapper every API response uses. Warnings carry
// non-fatal degradation (persistence failures) alongside a successful
// result.
type envelope struct {
	OK       bool       `json:"ok"`
	Data     any        `json:"data,omitempty"`
	Warnings []string   `json:"warnings,omitempty"`
	Error    *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("writing response failed", "error", err)
	}
}

func respond(w http.ResponseWriter, status int, data any, warnings []string) {
	writeJSON(w, status, envelope{OK: true, Data: data, Warnings: warnings})
}

// respondError maps the error taxonomy onto a status code and a stable
// kind the caller can branch on.
func respondError(w http.ResponseWriter, err error) {
	body := &errorBody{Kind: string(relayerr.KindInvalidRequest), Message: err.Error()}
	var re *relayerr.Error
	if errors.As(err, &re) {
		body.Kind = string(re.Kind)
		body.Message = re.Message
		body.Details = re.Details
	} else {
		body.Kind = "INTERNAL"
	}
	writeJSON(w, relayerr.HTTPStatus(err), envelope{OK: false, Error: body})
}

// decodeBody decodes the JSON request body, writing INVALID_REQUEST on
// failure. An empty body decodes into the zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		respondError(w, relayerr.Wrap(relayerr.KindInvalidRequest, err, "invalid request body"))
		return false
	}
	return true
}
