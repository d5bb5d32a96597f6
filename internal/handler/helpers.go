package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/faucetdb/keyward/internal/config"
	"github.com/faucetdb/keyward/internal/model"
	"github.com/faucetdb/keyward/internal/service"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// classifyServiceError maps service and store errors to an HTTP status.
// Returns (httpStatus, cleanMessage).
func classifyServiceError(err error, fallbackMsg string) (int, string) {
	switch {
	case errors.Is(err, service.ErrKeyNotFound), errors.Is(err, config.ErrNotFound):
		return http.StatusNotFound, "API key not found"
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrNotRotatable):
		return http.StatusConflict, "API key is not rotatable"
	case errors.Is(err, config.ErrConflict):
		return http.StatusConflict, fallbackMsg + ": concurrent modification, retry"
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid credentials"
	case errors.Is(err, service.ErrTokenExpired):
		return http.StatusUnauthorized, "Token expired"
	default:
		return http.StatusInternalServerError, fallbackMsg + ": " + err.Error()
	}
}

func writeServiceError(w http.ResponseWriter, err error, fallbackMsg string) {
	status, msg := classifyServiceError(err, fallbackMsg)
	writeError(w, status, msg)
}
