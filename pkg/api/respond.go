package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/log"
)

// maxJSONBody bounds every JSON request body. Large payloads travel
// through the blob upload route, never through JSON.
const maxJSONBody = 2 << 20

type errorBody struct {
	Error errorInfo `json:"error"`
}

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a coded error to the envelope. Uncoded errors become a
// 500 with a generic message; the cause is logged, never sent.
func writeError(w http.ResponseWriter, err error) {
	code := errdefs.CodeOf(err)
	if code == "" {
		lg := log.WithComponent("api")
		lg.Error().Err(err).Msg("internal error")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorInfo{
			Code:    "internal",
			Message: "internal error",
		}})
		return
	}
	writeJSON(w, errdefs.HTTPStatus(err), errorBody{Error: errorInfo{
		Code:    string(code),
		Message: errdefs.MessageOf(err),
	}})
}

func writeBadRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorInfo{
		Code:    "bad_request",
		Message: fmt.Sprintf(format, args...),
	}})
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: errorInfo{
		Code:    "not_found",
		Message: "not found",
	}})
}

// decodeJSON reads one JSON document from the request body, rejecting
// bodies over maxJSONBody and trailing garbage.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeBadRequest(w, "request body exceeds %d bytes", tooLarge.Limit)
			return false
		}
		writeBadRequest(w, "malformed JSON body")
		return false
	}
	if dec.More() {
		writeBadRequest(w, "trailing data after JSON body")
		return false
	}
	return true
}

// readLimited slurps a raw body up to limit bytes, failing when the body
// is longer.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return data, nil
}
