package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/sandarb-ai/sandarb/internal/errs"
)

// envelope is the wire shape of every REST response.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// writeError maps a kinded error to its status and stable code. The
// wrapped cause is logged, never returned to the caller.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	if kind == errs.Internal {
		fmt.Fprintf(os.Stderr, "sandarb: internal error: %v\n", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(kind))
	json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   &wireError{Code: string(kind), Message: errs.MessageOf(err)},
	})
}

// decodeJSON reads a request body into v, rejecting unknown shapes
// with a validation error.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.Validation, err, "invalid JSON request body")
	}
	return nil
}
