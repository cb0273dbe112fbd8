package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/bus-booking/internal/db"
	"github.com/ukydev/bus-booking/internal/lock"
	"github.com/ukydev/bus-booking/internal/models"
	"github.com/ukydev/bus-booking/internal/reservation"
)

const defaultTotalSeats = 40

// TripHandler serves the trip catalog.
type TripHandler struct {
	trips    db.TripCollection
	bookings db.BookingCollection
	locker   lock.Locker
	loc      *time.Location
}

// NewTripHandler creates a trip handler. Dates are interpreted in loc.
func NewTripHandler(trips db.TripCollection, bookings db.BookingCollection, locker lock.Locker, loc *time.Location) *TripHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &TripHandler{trips: trips, bookings: bookings, locker: locker, loc: loc}
}

// List returns every active trip.
func (h *TripHandler) List(w http.ResponseWriter, r *http.Request) {
	trips, err := h.trips.FindTrips(r.Context(), true)
	if err != nil {
		writeStoreError(w, err, "list trips")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(trips),
		"trips":   trips,
	})
}

// Search finds active trips on a route for one travel day.
func (h *TripHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, date := strings.TrimSpace(q.Get("from")), strings.TrimSpace(q.Get("to")), q.Get("date")
	if from == "" || to == "" || date == "" {
		writeError(w, http.StatusBadRequest, "Please provide from, to and date")
		return
	}
	day, err := parseDay(date, h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	trips, err := h.trips.FindTripsByRouteAndDate(r.Context(), from, to, day)
	if err != nil {
		writeStoreError(w, err, "search trips")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(trips),
		"trips":   trips,
	})
}

// Get returns one trip.
func (h *TripHandler) Get(w http.ResponseWriter, r *http.Request) {
	trip, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"trip":    trip,
	})
}

// Seats returns the seat availability of a trip.
func (h *TripHandler) Seats(w http.ResponseWriter, r *http.Request) {
	trip, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"seats": models.SeatMap{
			TotalSeats:     trip.TotalSeats,
			AvailableSeats: trip.AvailableSeats,
			BookedSeats:    trip.OccupiedSeatNumbers(),
		},
	})
}

func (h *TripHandler) load(w http.ResponseWriter, r *http.Request) (*models.Trip, bool) {
	trip, err := h.trips.FindTripByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Trip not found")
		return nil, false
	}
	if err != nil {
		writeStoreError(w, err, "find trip")
		return nil, false
	}
	return trip, true
}

// Create adds a trip to the catalog (admin).
func (h *TripHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.TripRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	trip, err := h.newTrip(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.trips.InsertTrip(r.Context(), trip); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			writeError(w, http.StatusConflict, "Bus number already exists")
			return
		}
		writeStoreError(w, err, "insert trip")
		return
	}

	log.WithFields(log.Fields{"trip_id": trip.ID.Hex(), "bus_number": trip.BusNumber}).Info("Trip created")
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"trip":    trip,
	})
}

// Update edits catalog fields of a trip (admin). Occupancy is never touched here.
func (h *TripHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.TripRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.BusNumber != "" {
		writeError(w, http.StatusBadRequest, "bus_number cannot be changed")
		return
	}
	update, err := h.tripUpdate(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if emptyUpdate(update) {
		writeError(w, http.StatusBadRequest, "No fields to update")
		return
	}

	trip, err := h.trips.UpdateTrip(r.Context(), chi.URLParam(r, "id"), update)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "Trip not found")
	case errors.Is(err, db.ErrTripOccupied):
		writeError(w, http.StatusConflict, "Seat total cannot change while seats are booked")
	case err != nil:
		writeStoreError(w, err, "update trip")
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"trip":    trip,
		})
	}
}

// Delete deactivates a trip, or removes it with ?purge=true when no
// confirmed booking references it (admin).
func (h *TripHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("purge") != "true" {
		inactive := false
		trip, err := h.trips.UpdateTrip(r.Context(), id, models.TripUpdate{IsActive: &inactive})
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Trip not found")
			return
		}
		if err != nil {
			writeStoreError(w, err, "deactivate trip")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "Trip deactivated",
			"trip":    trip,
		})
		return
	}

	// Hold the trip lock so no reservation lands between the count and the delete.
	unlock, err := h.locker.Acquire(r.Context(), reservation.LockKey(id))
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			writeError(w, http.StatusConflict, "Trip is busy, try again")
			return
		}
		writeStoreError(w, err, "lock trip")
		return
	}
	defer unlock()

	active, err := h.bookings.CountActiveBookingsForTrip(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Trip not found")
		return
	}
	if err != nil {
		writeStoreError(w, err, "count bookings")
		return
	}
	if active > 0 {
		writeError(w, http.StatusConflict, "Trip has confirmed bookings; deactivate it instead")
		return
	}

	if err := h.trips.DeleteTrip(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Trip not found")
			return
		}
		writeStoreError(w, err, "delete trip")
		return
	}
	log.WithField("trip_id", id).Info("Trip purged")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Trip deleted",
	})
}

func (h *TripHandler) newTrip(req models.TripRequest) (*models.Trip, error) {
	required := map[string]string{
		"bus_number":     req.BusNumber,
		"bus_name":       req.BusName,
		"from":           req.From,
		"to":             req.To,
		"departure_time": req.DepartureTime,
		"arrival_time":   req.ArrivalTime,
		"date":           req.Date,
	}
	for _, field := range []string{"bus_number", "bus_name", "from", "to", "departure_time", "arrival_time", "date"} {
		if strings.TrimSpace(required[field]) == "" {
			return nil, errors.New(field + " is required")
		}
	}
	if req.Price == nil {
		return nil, errors.New("price is required")
	}

	trip := &models.Trip{
		BusNumber:  strings.TrimSpace(req.BusNumber),
		TotalSeats: defaultTotalSeats,
		BusType:    models.BusTypeAC,
		IsActive:   true,
		Amenities:  req.Amenities,
	}
	if req.TotalSeats != nil {
		trip.TotalSeats = *req.TotalSeats
	}
	if req.BusType != "" {
		trip.BusType = req.BusType
	}
	if req.IsActive != nil {
		trip.IsActive = *req.IsActive
	}

	update, err := h.tripUpdate(req)
	if err != nil {
		return nil, err
	}
	applyUpdate(trip, update)
	if trip.TotalSeats <= 0 {
		return nil, errors.New("total_seats must be positive")
	}
	return trip, nil
}

// tripUpdate validates the provided fields of req. Empty strings mean "unchanged".
func (h *TripHandler) tripUpdate(req models.TripRequest) (models.TripUpdate, error) {
	var u models.TripUpdate
	if s := strings.TrimSpace(req.BusName); s != "" {
		u.BusName = &s
	}
	if req.BusType != "" {
		if !models.IsValidBusType(req.BusType) {
			return u, errors.New("bus_type must be one of AC, Non-AC, Sleeper, Semi-Sleeper")
		}
		bt := req.BusType
		u.BusType = &bt
	}
	if s := strings.TrimSpace(req.From); s != "" {
		u.From = &s
	}
	if s := strings.TrimSpace(req.To); s != "" {
		u.To = &s
	}
	if s := strings.TrimSpace(req.DepartureTime); s != "" {
		if _, err := time.Parse("15:04", s); err != nil {
			return u, errors.New("departure_time must be HH:MM")
		}
		u.DepartureTime = &s
	}
	if s := strings.TrimSpace(req.ArrivalTime); s != "" {
		if _, err := time.Parse("15:04", s); err != nil {
			return u, errors.New("arrival_time must be HH:MM")
		}
		u.ArrivalTime = &s
	}
	if req.Date != "" {
		day, err := parseDay(req.Date, h.loc)
		if err != nil {
			return u, errors.New("date must be YYYY-MM-DD")
		}
		u.Date = &day
	}
	if req.Price != nil {
		if *req.Price < 0 {
			return u, errors.New("price cannot be negative")
		}
		u.Price = req.Price
	}
	if req.TotalSeats != nil {
		if *req.TotalSeats <= 0 {
			return u, errors.New("total_seats must be positive")
		}
		u.TotalSeats = req.TotalSeats
	}
	u.Amenities = req.Amenities
	u.IsActive = req.IsActive
	return u, nil
}

func emptyUpdate(u models.TripUpdate) bool {
	return u.BusName == nil && u.BusType == nil && u.From == nil && u.To == nil &&
		u.DepartureTime == nil && u.ArrivalTime == nil && u.Date == nil &&
		u.Price == nil && u.TotalSeats == nil && u.Amenities == nil && u.IsActive == nil
}

func applyUpdate(t *models.Trip, u models.TripUpdate) {
	if u.BusName != nil {
		t.BusName = *u.BusName
	}
	if u.BusType != nil {
		t.BusType = *u.BusType
	}
	if u.From != nil {
		t.From = *u.From
	}
	if u.To != nil {
		t.To = *u.To
	}
	if u.DepartureTime != nil {
		t.DepartureTime = *u.DepartureTime
	}
	if u.ArrivalTime != nil {
		t.ArrivalTime = *u.ArrivalTime
	}
	if u.Date != nil {
		t.Date = *u.Date
	}
	if u.Price != nil {
		t.Price = *u.Price
	}
}
