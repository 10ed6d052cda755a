package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ChuLiYu/ci-dispatch/internal/api"
	"github.com/ChuLiYu/ci-dispatch/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, api.ErrorResponse{Status: "ERROR", Code: code, Message: msg})
}

// writeError maps the error taxonomy onto HTTP. Unauthorized and NotFound are
// reported as 400 like any other protocol violation; the code tells them apart.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := api.ErrorCode(err)
	status := http.StatusBadRequest
	msg := err.Error()

	switch code {
	case api.CodeMethodNotAllowed:
		status = http.StatusMethodNotAllowed
	case api.CodeInternal:
		status = http.StatusInternalServerError
		msg = "internal server error"
		slog.Error("internal error", "path", r.URL.Path, "error", err, "requestID", requestID(r.Context()))
	}
	writeCode(w, status, code, msg)
}

var errEmptyBody = fmt.Errorf("%w: request body required", store.ErrBadRequest)

// decodeBody requires a JSON object body.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("%w: malformed JSON: %v", store.ErrBadRequest, err)
	}
	return nil
}

// intParam parses a positive integer path parameter.
func intParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", store.ErrBadRequest, name, raw)
	}
	return n, nil
}
