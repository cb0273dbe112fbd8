// Command loadgen hammers one trip with concurrent bookings and cancellations,
// then checks that the trip's seat map matches the bookings that succeeded.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Passenger mirrors the booking API passenger payload.
type Passenger struct {
	Name   string `json:"name"`
	Age    int    `json:"age"`
	Gender string `json:"gender"`
	Phone  string `json:"phone,omitempty"`
}

type bookingRequest struct {
	TripID      string      `json:"trip_id"`
	SeatNumbers []int       `json:"seat_numbers"`
	Passengers  []Passenger `json:"passengers"`
	PickupPoint string      `json:"pickup_point"`
	DropPoint   string      `json:"drop_point"`
}

type seatMap struct {
	TotalSeats     int   `json:"total_seats"`
	AvailableSeats int   `json:"available_seats"`
	BookedSeats    []int `json:"booked_seats"`
}

var names = []string{"Asha", "Ravi", "Meera", "Arjun", "Kavya", "Imran", "Divya", "Rahul"}

// Config controls one load run.
type Config struct {
	APIURL      string
	AuthToken   string // admin token; needed to create the trip
	TripID      string // reuse an existing trip instead of creating one
	Clients     int
	Rounds      int
	TotalSeats  int
	MaxSeats    int     // seats per booking, 1..MaxSeats
	CancelRatio float64 // share of successful bookings cancelled again
}

// Report summarises a run.
type Report struct {
	TripID    string
	Created   int
	Cancelled int
	Conflicts int
	Busy      int
	Failed    int
	Held      []int // seats held by bookings still confirmed
	SeatMap   seatMap
}

// Consistent reports whether the server's seat map equals the seats held by live bookings.
func (r *Report) Consistent() error {
	booked := append([]int(nil), r.SeatMap.BookedSeats...)
	sort.Ints(booked)
	if len(booked) != len(r.Held) {
		return fmt.Errorf("server books %d seats, clients hold %d", len(booked), len(r.Held))
	}
	for i := range booked {
		if booked[i] != r.Held[i] {
			return fmt.Errorf("seat map %v differs from held seats %v", booked, r.Held)
		}
	}
	if r.SeatMap.AvailableSeats+len(booked) != r.SeatMap.TotalSeats {
		return fmt.Errorf("available %d + booked %d != total %d", r.SeatMap.AvailableSeats, len(booked), r.SeatMap.TotalSeats)
	}
	return nil
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *apiClient) createTrip(ctx context.Context, totalSeats int) (string, error) {
	trip := map[string]interface{}{
		"bus_number":     "LOAD-" + uuid.NewString()[:8],
		"bus_name":       "Load Test Coach",
		"from":           "Bangalore",
		"to":             "Mysore",
		"departure_time": "06:00",
		"arrival_time":   "09:30",
		"date":           time.Now().AddDate(0, 0, 7).Format("2006-01-02"),
		"price":          650,
		"total_seats":    totalSeats,
	}
	var out struct {
		Message string `json:"message"`
		Trip    struct {
			ID string `json:"id"`
		} `json:"trip"`
	}
	code, err := c.do(ctx, http.MethodPost, "/trips", trip, &out)
	if err != nil {
		return "", err
	}
	if code != http.StatusCreated {
		return "", fmt.Errorf("trip creation failed with status %d: %s", code, out.Message)
	}
	return out.Trip.ID, nil
}

func (c *apiClient) seatMap(ctx context.Context, tripID string) (seatMap, error) {
	var out struct {
		Seats seatMap `json:"seats"`
	}
	code, err := c.do(ctx, http.MethodGet, "/trips/"+tripID+"/seats", nil, &out)
	if err != nil {
		return seatMap{}, err
	}
	if code != http.StatusOK {
		return seatMap{}, fmt.Errorf("seat map failed with status %d", code)
	}
	return out.Seats, nil
}

type outcome int

const (
	booked outcome = iota
	conflict
	busy
	failed
)

func (c *apiClient) reserve(ctx context.Context, tripID string, seats []int) (string, outcome) {
	passengers := make([]Passenger, len(seats))
	for i := range seats {
		passengers[i] = Passenger{Name: names[rand.Intn(len(names))], Age: 18 + rand.Intn(60), Gender: "Other"}
	}
	var out struct {
		Booking struct {
			ID string `json:"id"`
		} `json:"booking"`
	}
	code, err := c.do(ctx, http.MethodPost, "/bookings", bookingRequest{
		TripID:      tripID,
		SeatNumbers: seats,
		Passengers:  passengers,
		PickupPoint: "Majestic",
		DropPoint:   "Mysore Palace",
	}, &out)
	switch {
	case err != nil:
		log.WithError(err).Warn("Booking request failed")
		return "", failed
	case code == http.StatusCreated:
		return out.Booking.ID, booked
	case code == http.StatusBadRequest:
		return "", conflict
	case code == http.StatusConflict:
		return "", busy
	default:
		log.WithField("status", code).Warn("Unexpected booking status")
		return "", failed
	}
}

func (c *apiClient) cancel(ctx context.Context, bookingID string) error {
	code, err := c.do(ctx, http.MethodPut, "/bookings/"+bookingID+"/cancel", nil, nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("cancel failed with status %d", code)
	}
	return nil
}

func pickSeats(total, maxSeats int) []int {
	n := 1 + rand.Intn(maxSeats)
	perm := rand.Perm(total)[:n]
	seats := make([]int, n)
	for i, p := range perm {
		seats[i] = p + 1
	}
	return seats
}

// Run executes the load described by cfg.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if cfg.Clients < 1 || cfg.Rounds < 1 || cfg.MaxSeats < 1 {
		return nil, errors.New("clients, rounds and max seats must be positive")
	}
	api := &apiClient{baseURL: cfg.APIURL, token: cfg.AuthToken, http: &http.Client{Timeout: 10 * time.Second}}

	tripID := cfg.TripID
	if tripID == "" {
		id, err := api.createTrip(ctx, cfg.TotalSeats)
		if err != nil {
			return nil, err
		}
		tripID = id
		log.WithField("trip_id", tripID).Info("Created load test trip")
	}
	initial, err := api.seatMap(ctx, tripID)
	if err != nil {
		return nil, err
	}

	report := &Report{TripID: tripID}
	held := make(map[int]string, initial.TotalSeats)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, seat := range initial.BookedSeats {
		held[seat] = "existing"
	}
	maxSeats := cfg.MaxSeats
	if maxSeats > initial.TotalSeats {
		maxSeats = initial.TotalSeats
	}

	for i := 0; i < cfg.Clients; i++ {
		wg.Add(1)
		go func(client int) {
			defer wg.Done()
			for round := 0; round < cfg.Rounds && ctx.Err() == nil; round++ {
				seats := pickSeats(initial.TotalSeats, maxSeats)
				id, result := api.reserve(ctx, tripID, seats)

				mu.Lock()
				switch result {
				case booked:
					report.Created++
					for _, s := range seats {
						held[s] = id
					}
				case conflict:
					report.Conflicts++
				case busy:
					report.Busy++
				default:
					report.Failed++
				}
				mu.Unlock()

				if result != booked || rand.Float64() >= cfg.CancelRatio {
					continue
				}
				if err := api.cancel(ctx, id); err != nil {
					log.WithError(err).WithField("booking_id", id).Warn("Cancel failed")
					continue
				}
				mu.Lock()
				report.Cancelled++
				for _, s := range seats {
					if held[s] == id {
						delete(held, s)
					}
				}
				mu.Unlock()
			}
			log.WithField("client", client).Debug("Client finished")
		}(i)
	}
	wg.Wait()

	for seat := range held {
		report.Held = append(report.Held, seat)
	}
	sort.Ints(report.Held)
	if report.SeatMap, err = api.seatMap(ctx, tripID); err != nil {
		return report, err
	}
	return report, nil
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.WithField(key, v).Warn("Ignoring invalid value")
	}
	return fallback
}

func main() {
	cfg := Config{
		APIURL:      os.Getenv("API_BASE_URL"),
		AuthToken:   os.Getenv("LOADGEN_AUTH_TOKEN"),
		TripID:      os.Getenv("LOADGEN_TRIP_ID"),
		Clients:     envInt("LOADGEN_CLIENTS", 20),
		Rounds:      envInt("LOADGEN_ROUNDS", 5),
		TotalSeats:  envInt("LOADGEN_TOTAL_SEATS", 40),
		MaxSeats:    envInt("LOADGEN_MAX_SEATS", 3),
		CancelRatio: 0.3,
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080/api"
	}
	if v := os.Getenv("LOADGEN_CANCEL_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.CancelRatio = f
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.WithFields(log.Fields{
		"api_url": cfg.APIURL,
		"clients": cfg.Clients,
		"rounds":  cfg.Rounds,
	}).Info("Starting booking load")

	report, err := Run(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Load run failed")
	}
	fields := log.Fields{
		"trip_id":   report.TripID,
		"created":   report.Created,
		"cancelled": report.Cancelled,
		"conflicts": report.Conflicts,
		"busy":      report.Busy,
		"failed":    report.Failed,
		"held":      len(report.Held),
	}
	if err := report.Consistent(); err != nil {
		log.WithFields(fields).WithError(err).Fatal("Seat map is inconsistent")
	}
	log.WithFields(fields).Info("Seat map consistent")
}
