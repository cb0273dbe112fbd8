package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/bus-booking/internal/auth"
	"github.com/ukydev/bus-booking/internal/config"
	"github.com/ukydev/bus-booking/internal/db"
	"github.com/ukydev/bus-booking/internal/events"
	"github.com/ukydev/bus-booking/internal/handlers"
	"github.com/ukydev/bus-booking/internal/lock"
	"github.com/ukydev/bus-booking/internal/middleware"
	"github.com/ukydev/bus-booking/internal/reservation"
)

// app is the wired service plus the cleanups for its external connections.
type app struct {
	handler http.Handler
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

type stores struct {
	trips    db.TripCollection
	bookings db.BookingCollection
	users    db.UserCollection
	tx       db.Transactor
	ping     func(ctx context.Context) error
}

func openStores(ctx context.Context, cfg *config.Config, a *app) (*stores, error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("Using in-memory store; data is lost on restart")
		m := db.NewMemoryStore()
		return &stores{trips: m, bookings: m, users: m}, nil
	}

	client, err := db.ConnectMongo(ctx, cfg.MongoURI)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.WithError(err).Warn("MongoDB disconnect failed")
		}
	})
	log.WithField("database", cfg.MongoDB).Info("Connected to MongoDB")

	store := db.NewMongoStore(client, cfg.MongoDB)
	if err := store.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	s := &stores{
		trips:    store.Trips,
		bookings: store.Bookings,
		users:    store.Users,
		ping:     func(ctx context.Context) error { return client.Ping(ctx, nil) },
	}
	if cfg.MongoTransactions {
		s.tx = &db.MongoTransactor{Client: client}
	}
	return s, nil
}

func newLocker(cfg *config.Config, a *app) lock.Locker {
	if cfg.RedisAddr == "" {
		return lock.NewLocalLocker(cfg.LockTimeout)
	}
	client := lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
	a.closers = append(a.closers, func() { _ = client.Close() })
	log.WithField("addr", cfg.RedisAddr).Info("Using Redis trip locks")
	return lock.NewRedisLocker(client, cfg.LockTimeout, cfg.LockTTL)
}

func newPublisher(cfg *config.Config, a *app) (events.Publisher, error) {
	if cfg.MQTTBroker == "" {
		return events.NopPublisher{}, nil
	}
	client, err := events.ConnectMQTT(cfg.MQTTBroker, cfg.MQTTClientID)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { client.Disconnect(250) })
	log.WithField("broker", cfg.MQTTBroker).Info("Publishing booking events over MQTT")
	return events.NewMQTTPublisher(client, cfg.MQTTTopicPrefix), nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	st, err := openStores(ctx, cfg, a)
	if err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}
	publisher, err := newPublisher(cfg, a)
	if err != nil {
		return fail(fmt.Errorf("connect mqtt: %w", err))
	}
	locker := newLocker(cfg, a)

	authService, err := auth.NewService(cfg.JWTSecret, cfg.JWTExpiry)
	if err != nil {
		return fail(err)
	}
	if err := authService.EnsureAdmin(ctx, st.users, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		return fail(err)
	}

	engine := reservation.NewEngine(st.trips, st.bookings, locker, publisher, st.tx, reservation.Options{
		MaxRetries: cfg.ReserveMaxRetries,
		Backoff:    10 * time.Millisecond,
	})

	a.handler = handlers.NewRouter(handlers.RouterConfig{
		Auth:            handlers.NewAuthHandler(authService, st.users),
		Trips:           handlers.NewTripHandler(st.trips, st.bookings, locker, cfg.TripLocation),
		Bookings:        handlers.NewBookingHandler(engine, st.bookings, cfg.TripLocation),
		AuthMiddleware:  middleware.NewAuthMiddleware(authService).WithUserCheck(st.users),
		RateLimiter:     middleware.NewRateLimitMiddleware(),
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		Ping:            st.ping,
	})
	return a, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	cfg.ConfigureLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to start")
	}
	defer a.close()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Graceful shutdown failed")
	}
}
