package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/bus-booking/internal/reservation"
)

const (
	dateLayout = "2006-01-02"
	maxBody    = 1 << 20
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

// writeEngineError maps reservation errors to HTTP responses.
// notFound is the message used for ErrNotFound.
func writeEngineError(w http.ResponseWriter, err error, notFound string) {
	var conflict *reservation.SeatConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": conflict.Error(),
			"seats":   conflict.Seats,
		})
	case errors.Is(err, reservation.ErrNotFound):
		writeError(w, http.StatusNotFound, notFound)
	case errors.Is(err, reservation.ErrInvalidRequest),
		errors.Is(err, reservation.ErrInsufficientCapacity),
		errors.Is(err, reservation.ErrAlreadyCancelled):
		writeError(w, http.StatusBadRequest, capitalize(err.Error()))
	case errors.Is(err, reservation.ErrBusy):
		writeError(w, http.StatusConflict, capitalize(err.Error()))
	case errors.Is(err, reservation.ErrUnavailable):
		log.WithError(err).Error("Storage unavailable")
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable, please retry")
	default:
		log.WithError(err).Error("Unexpected error")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeStoreError(w http.ResponseWriter, err error, op string) {
	log.WithError(err).WithField("op", op).Error("Store operation failed")
	writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable, please retry")
}

func decodeJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// parseDay parses "YYYY-MM-DD" (or RFC 3339) and returns the start of that day in loc.
func parseDay(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(dateLayout, s, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc), nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
