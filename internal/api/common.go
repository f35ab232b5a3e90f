package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/finsync/internal/conflict"
)

// WriteJSONResponse writes a JSON response with the given data
func WriteJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// WriteErrorResponse writes a standardized error response
func WriteErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	WriteJSONResponse(w, map[string]string{"error": message}, statusCode)
}

// writeConflictError maps the conflict error taxonomy onto HTTP status codes.
func writeConflictError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conflict.ErrNotFound):
		WriteErrorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, conflict.ErrInvalidStrategy), errors.Is(err, conflict.ErrIncompleteMerge):
		WriteErrorResponse(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, conflict.ErrPersistenceFailed):
		WriteErrorResponse(w, err.Error(), http.StatusServiceUnavailable)
	default:
		logrus.WithError(err).Error("Request failed")
		WriteErrorResponse(w, "internal server error", http.StatusInternalServerError)
	}
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logrus.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}
