package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ukydev/bus-booking/internal/db"
	"github.com/ukydev/bus-booking/internal/middleware"
	"github.com/ukydev/bus-booking/internal/models"
	"github.com/ukydev/bus-booking/internal/reservation"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Reserver is the part of the reservation engine the booking handler drives.
type Reserver interface {
	Reserve(ctx context.Context, req reservation.ReserveRequest) (*models.Booking, error)
	Release(ctx context.Context, bookingID string) (*models.Booking, error)
}

// BookingHandler serves the booking ledger.
type BookingHandler struct {
	engine   Reserver
	bookings db.BookingCollection
	loc      *time.Location
}

// NewBookingHandler creates a booking handler.
func NewBookingHandler(engine Reserver, bookings db.BookingCollection, loc *time.Location) *BookingHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &BookingHandler{engine: engine, bookings: bookings, loc: loc}
}

// Create reserves seats. Unauthenticated callers book as guests.
func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.BookingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	payer := models.GuestRef()
	if claims, ok := middleware.GetUserFromContext(r.Context()); ok {
		id, err := primitive.ObjectIDFromHex(claims.UserID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Not authorized, token failed")
			return
		}
		payer = models.UserRefFor(id)
	}

	rr := reservation.ReserveRequest{
		TripID:        strings.TrimSpace(req.TripID),
		Seats:         req.SeatNumbers,
		Passengers:    req.Passengers,
		PickupPoint:   strings.TrimSpace(req.PickupPoint),
		DropPoint:     strings.TrimSpace(req.DropPoint),
		Payer:         payer,
		PaymentMethod: strings.TrimSpace(req.PaymentMethod),
	}
	if req.TravelDate != "" {
		day, err := parseDay(req.TravelDate, h.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "travel_date must be YYYY-MM-DD")
			return
		}
		rr.TravelDate = &day
	}

	booking, err := h.engine.Reserve(r.Context(), rr)
	if err != nil {
		writeEngineError(w, err, "Trip not found")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"booking": booking,
		"payment": booking.Payment,
	})
}

// MyBookings lists the caller's bookings, newest first.
func (h *BookingHandler) MyBookings(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "User context not found")
		return
	}
	bookings, err := h.bookings.FindBookingsByUser(r.Context(), claims.UserID)
	if err != nil {
		writeStoreError(w, err, "list user bookings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"count":    len(bookings),
		"bookings": bookings,
	})
}

// All lists every booking (admin).
func (h *BookingHandler) All(w http.ResponseWriter, r *http.Request) {
	bookings, err := h.bookings.FindAllBookings(r.Context())
	if err != nil {
		writeStoreError(w, err, "list bookings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"count":    len(bookings),
		"bookings": bookings,
	})
}

// Get returns one booking.
func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	booking, err := h.bookings.FindBookingByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Booking not found")
		return
	}
	if err != nil {
		writeStoreError(w, err, "find booking")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"booking": booking,
	})
}

// Cancel releases a booking. A booking owned by a user may only be
// cancelled by that user or an admin; guest bookings by anyone.
func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	booking, err := h.bookings.FindBookingByID(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Booking not found")
		return
	}
	if err != nil {
		writeStoreError(w, err, "find booking")
		return
	}

	if _, owned := booking.User.Get(); owned {
		claims, ok := middleware.GetUserFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Not authorized, no token")
			return
		}
		if claims.Role != models.RoleAdmin && !booking.OwnedBy(claims.UserID) {
			writeError(w, http.StatusForbidden, "Not authorized to cancel this booking")
			return
		}
	}

	cancelled, err := h.engine.Release(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, "Booking not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Booking cancelled successfully",
		"booking": cancelled,
	})
}
