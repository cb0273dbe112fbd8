package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/bus-booking/internal/db"
	"github.com/ukydev/bus-booking/internal/lock"
	"github.com/ukydev/bus-booking/internal/middleware"
	"github.com/ukydev/bus-booking/internal/models"
	"github.com/ukydev/bus-booking/internal/reservation"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type testServer struct {
	t       *testing.T
	handler http.Handler
	store   *db.MemoryStore
	locker  *lock.LocalLocker

	adminToken string
	userToken  string
	userID     primitive.ObjectID
	otherToken string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithPing(t, nil)
}

func newTestServerWithPing(t *testing.T, ping func(context.Context) error) *testServer {
	t.Helper()
	authService := newAuthService(t)
	store := db.NewMemoryStore()
	locker := lock.NewLocalLocker(200 * time.Millisecond)
	engine := reservation.NewEngine(store, store, locker, nil, nil, reservation.Options{MaxRetries: 3})

	token := func(role models.Role) (string, primitive.ObjectID) {
		user := &models.User{ID: primitive.NewObjectID(), Email: string(role) + "@example.com", Role: role}
		tok, err := authService.GenerateToken(user)
		require.NoError(t, err)
		return tok, user.ID
	}

	s := &testServer{t: t, store: store, locker: locker}
	s.adminToken, _ = token(models.RoleAdmin)
	s.userToken, s.userID = token(models.RoleUser)
	s.otherToken, _ = token(models.RoleUser)

	s.handler = NewRouter(RouterConfig{
		Auth:            NewAuthHandler(authService, store),
		Trips:           NewTripHandler(store, store, locker, time.UTC),
		Bookings:        NewBookingHandler(engine, store, time.UTC),
		AuthMiddleware:  middleware.NewAuthMiddleware(authService),
		RateLimiter:     middleware.NewRateLimitMiddleware(),
		RateLimitMax:    1000,
		RateLimitWindow: time.Minute,
		Ping:            ping,
	})
	return s
}

// do sends a request and decodes the JSON response body into a map.
func (s *testServer) do(method, path, token string, body interface{}) (int, map[string]interface{}) {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

// post is safe to call from several goroutines; it reports only the status.
func (s *testServer) post(path string, body interface{}) int {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw)))
	return w.Code
}

func (s *testServer) createTrip(busNumber string, totalSeats int) string {
	s.t.Helper()
	code, body := s.do(http.MethodPost, "/api/trips", s.adminToken, tripPayload(busNumber, totalSeats))
	require.Equal(s.t, http.StatusCreated, code, body)
	return body["trip"].(map[string]interface{})["id"].(string)
}

func tripPayload(busNumber string, totalSeats int) map[string]interface{} {
	return map[string]interface{}{
		"bus_number":     busNumber,
		"bus_name":       "Volvo Multi-Axle",
		"bus_type":       "Sleeper",
		"from":           "Bangalore",
		"to":             "Mysore",
		"departure_time": "22:30",
		"arrival_time":   "05:45",
		"date":           "2026-03-01",
		"price":          650,
		"total_seats":    totalSeats,
		"amenities":      []string{"WiFi", "Water"},
	}
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "Bus Booking API is running", body["message"])
}

func TestRouter_HealthStorageDown(t *testing.T) {
	s := newTestServerWithPing(t, func(context.Context) error { return errors.New("no reachable servers") })
	code, body := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", body["status"])
}

func TestRouter_Welcome(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
}

func TestRouter_UnknownRoute(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(http.MethodGet, "/api/nothing-here", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])
}

func TestRouter_RequestID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(middleware.RequestIDHeader))
}

func TestRouter_RateLimit(t *testing.T) {
	authService := newAuthService(t)
	store := db.NewMemoryStore()
	locker := lock.NewLocalLocker(time.Second)
	h := NewRouter(RouterConfig{
		Auth:            NewAuthHandler(authService, store),
		Trips:           NewTripHandler(store, store, locker, time.UTC),
		Bookings:        NewBookingHandler(reservation.NewEngine(store, store, locker, nil, nil, reservation.Options{}), store, time.UTC),
		AuthMiddleware:  middleware.NewAuthMiddleware(authService),
		RateLimiter:     middleware.NewRateLimitMiddleware(),
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/trips", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Health is outside the limited /api subtree.
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_AuthFlow(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "Asha", "email": "asha@example.com", "password": "secret123", "phone": "9876543210",
	})
	require.Equal(t, http.StatusCreated, code, body)
	token := body["token"].(string)

	code, _ = s.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "Asha", "email": "ASHA@example.com", "password": "secret123",
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.do(http.MethodPost, "/api/auth/login", "", map[string]string{"email": "asha@example.com", "password": "secret123"})
	require.Equal(t, http.StatusOK, code, body)
	assert.NotEmpty(t, body["token"])

	code, body = s.do(http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "asha@example.com", body["user"].(map[string]interface{})["email"])

	code, _ = s.do(http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = s.do(http.MethodGet, "/api/auth/logout", token, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Logged out successfully", body["message"])
}
