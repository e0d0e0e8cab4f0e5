package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hanibalsk/geohook/internal/clock"
	"github.com/hanibalsk/geohook/internal/delivery"
	"github.com/hanibalsk/geohook/internal/dispatch"
	"github.com/hanibalsk/geohook/internal/domain"
	"github.com/hanibalsk/geohook/internal/kafka"
	"github.com/hanibalsk/geohook/internal/observability"
	"github.com/hanibalsk/geohook/internal/repository/postgres"
	"github.com/hanibalsk/geohook/internal/resilience"
	"github.com/hanibalsk/geohook/internal/retry"
	"github.com/hanibalsk/geohook/internal/signature"
	"github.com/hanibalsk/geohook/internal/worker"
)

// startNow is the mock clock's epoch. All retry and breaker arithmetic runs
// off this clock, so tests walk the 60s/300s/900s backoff by advancing it
// instead of sleeping.
var startNow = time.Date(2025, 7, 10, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	pgContainer    *tcpostgres.PostgresContainer
	redisContainer *tcredis.RedisContainer
	pool           *pgxpool.Pool
	redisClient    *redis.Client

	webhooks   *postgres.WebhookRepository
	deliveries *postgres.DeliveryRepository
	breaker    *resilience.CircuitBreaker
	attempter  *delivery.Attempter
	clock      *clock.MockClock
	logger     *slog.Logger
	metrics    *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)

	// Start PostgreSQL container
	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("geohook_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		cancel()
		t.Fatalf("failed to start postgres container: %v", err)
	}

	// Start Redis container
	redisContainer, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to start redis container: %v", err)
	}

	// Get connection strings
	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	redisConnStr, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to get redis connection string: %v", err)
	}

	// Connect to PostgreSQL
	pool, err := pgxpool.New(ctx, pgConnStr)
	if err != nil {
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to connect to postgres: %v", err)
	}

	// Apply the shipped migration, not a test copy of the schema
	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to run migrations: %v", err)
	}

	// Connect to Redis
	redisOpt, err := redis.ParseURL(redisConnStr)
	if err != nil {
		pool.Close()
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to parse redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpt)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	webhookRepo := postgres.NewWebhookRepository(pool)
	deliveryRepo := postgres.NewDeliveryRepository(pool)

	// Use unique namespace to avoid duplicate metric registration across tests
	metricsNamespace := fmt.Sprintf("geohook_test_%d", rand.Int63())
	metrics := observability.NewMetrics(metricsNamespace)

	clk := clock.NewMockClock(startNow)
	breaker := resilience.NewCircuitBreaker(webhookRepo, resilience.DefaultBreakerConfig(), clk, logger)
	attempter := delivery.NewAttempter(
		http.DefaultClient,
		deliveryRepo,
		breaker,
		retry.NewSchedule(),
		clk,
		5*time.Second,
		logger,
	).WithMetrics(metrics)

	return &testEnv{
		pgContainer:    pgContainer,
		redisContainer: redisContainer,
		pool:           pool,
		redisClient:    redisClient,
		webhooks:       webhookRepo,
		deliveries:     deliveryRepo,
		breaker:        breaker,
		attempter:      attempter,
		clock:          clk,
		logger:         logger,
		metrics:        metrics,
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (e *testEnv) teardown(t *testing.T) {
	t.Helper()
	e.pool.Close()
	e.redisClient.Close()
	_ = e.redisContainer.Terminate(e.ctx)
	_ = e.pgContainer.Terminate(e.ctx)
	e.cancel()
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	ddl, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_init.sql"))
	if err != nil {
		return fmt.Errorf("reading migration: %w", err)
	}
	if _, err := pool.Exec(ctx, string(ddl)); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func (e *testEnv) newDispatcher(cfg dispatch.Config) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(e.webhooks, e.deliveries, e.attempter, e.breaker, e.clock, cfg, e.logger).
		WithMetrics(e.metrics)
}

// startWorker runs a pool with a fast real-time poll against the mock clock,
// wired to the Redis-backed limiter and semaphore like a production worker.
func (e *testEnv) startWorker(cfg worker.Config) *worker.Pool {
	rateLimiter := resilience.NewRedisRateLimiter(e.redisClient, resilience.DefaultRedisRateLimiterConfig(), e.logger)
	semaphore := resilience.NewRedisSemaphore(e.redisClient, resilience.DefaultRedisSemaphoreConfig(), e.logger)

	pool := worker.NewPool(cfg, e.deliveries, e.webhooks, e.attempter, e.breaker, e.clock, e.logger).
		WithMetrics(e.metrics).
		WithResilience(rateLimiter, semaphore)
	pool.Start(e.ctx)
	return pool
}

func workerConfig() worker.Config {
	return worker.Config{
		Workers:       2,
		PollInterval:  25 * time.Millisecond,
		BatchSize:     10,
		ClaimLease:    30 * time.Second,
		ThrottleDelay: time.Second,
		RateLimit:     100,
	}
}

func (e *testEnv) createWebhook(t *testing.T, id, targetURL string) *domain.Webhook {
	t.Helper()
	now := e.clock.Now()
	webhook := &domain.Webhook{
		ID:         id,
		OwnerID:    "acct_itest",
		TargetURL:  targetURL,
		Secret:     "whsec_integration",
		EventTypes: []string{"*"},
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.webhooks.Create(e.ctx, webhook); err != nil {
		t.Fatalf("failed to create webhook: %v", err)
	}
	return webhook
}

func geofenceEvent(id string, ts time.Time) *domain.GeofenceEvent {
	return &domain.GeofenceEvent{
		ID:        id,
		Type:      domain.EventGeofenceEnter,
		OwnerID:   "acct_itest",
		Timestamp: ts,
		Data: domain.EventData{
			DeviceID:     "dev_42",
			GeofenceID:   "gf_warehouse",
			GeofenceName: "Warehouse",
			Latitude:     48.1486,
			Longitude:    17.1077,
		},
	}
}

// waitUntil polls cond at worker cadence until it holds or the deadline hits.
func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func (e *testEnv) deliveryFor(t *testing.T, webhookID string) *domain.Delivery {
	t.Helper()
	recs, err := e.deliveries.ListByWebhook(e.ctx, webhookID, 10)
	if err != nil {
		t.Fatalf("failed to list deliveries: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("deliveries for %s = %d, want 1", webhookID, len(recs))
	}
	return recs[0]
}

// TestEndToEndSignedDelivery drives one event from the consumer's handler to
// a destination and back into the store:
//  1. Handler validates and dispatches the event
//  2. Destination receives the exact stored payload bytes, signed
//  3. Record finalizes as success; redelivery of the event inserts nothing
func TestEndToEndSignedDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	type capture struct {
		body    []byte
		headers http.Header
	}
	received := make(chan capture, 4)
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- capture{body: body, headers: r.Header.Clone()}
		w.WriteHeader(http.StatusOK)
	}))
	defer mockServer.Close()

	webhook := env.createWebhook(t, "wh_e2e", mockServer.URL)
	dispatcher := env.newDispatcher(dispatch.DefaultConfig())
	handler := kafka.NewDispatchHandler(dispatcher, env.logger).WithMetrics(env.metrics)

	msg := &kafka.EventMessage{
		ID:        "evt_e2e_001",
		Type:      domain.EventGeofenceEnter,
		OwnerID:   "acct_itest",
		Timestamp: startNow,
		Data: domain.EventData{
			DeviceID:   "dev_42",
			GeofenceID: "gf_warehouse",
			Latitude:   48.1486,
			Longitude:  17.1077,
		},
	}
	if err := handler.Handle(env.ctx, msg); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	var got capture
	select {
	case got = <-received:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for webhook delivery")
	}

	// The signature must verify against the raw body with the shared secret
	if !signature.Verify(webhook.Secret, got.body, got.headers.Get(delivery.HeaderSignature)) {
		t.Errorf("signature %q does not verify against delivered body", got.headers.Get(delivery.HeaderSignature))
	}
	if got.headers.Get(delivery.HeaderEvent) != "evt_e2e_001" {
		t.Errorf("event header = %q, want evt_e2e_001", got.headers.Get(delivery.HeaderEvent))
	}
	if got.headers.Get(delivery.HeaderEventType) != domain.EventGeofenceEnter {
		t.Errorf("event type header = %q, want %s", got.headers.Get(delivery.HeaderEventType), domain.EventGeofenceEnter)
	}
	if got.headers.Get(delivery.HeaderTimestamp) != strconv.FormatInt(startNow.Unix(), 10) {
		t.Errorf("timestamp header = %q, want %d", got.headers.Get(delivery.HeaderTimestamp), startNow.Unix())
	}

	var payload struct {
		ID        string           `json:"id"`
		Type      string           `json:"type"`
		OwnerID   string           `json:"owner_id"`
		Timestamp string           `json:"timestamp"`
		Data      domain.EventData `json:"data"`
	}
	if err := json.Unmarshal(got.body, &payload); err != nil {
		t.Fatalf("failed to parse delivered payload: %v", err)
	}
	if payload.ID != "evt_e2e_001" || payload.Type != domain.EventGeofenceEnter || payload.OwnerID != "acct_itest" {
		t.Errorf("payload = %+v, want event identity preserved", payload)
	}
	if payload.Data.DeviceID != "dev_42" || payload.Data.GeofenceID != "gf_warehouse" {
		t.Errorf("payload data = %+v, want device and geofence preserved", payload.Data)
	}

	rec := env.deliveryFor(t, webhook.ID)
	if rec.Status != domain.DeliveryStatusSuccess {
		t.Errorf("status = %v, want success", rec.Status)
	}
	if rec.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", rec.Attempts)
	}
	if rec.NextRetryAt != nil {
		t.Errorf("next_retry_at = %v, want nil", rec.NextRetryAt)
	}
	if rec.ResponseCode == nil || *rec.ResponseCode != http.StatusOK {
		t.Errorf("response_code = %v, want 200", rec.ResponseCode)
	}
	if string(rec.Payload) != string(got.body) {
		t.Errorf("stored payload differs from delivered body")
	}

	// Redelivered event: the lineage already exists, nothing is attempted
	if err := handler.Handle(env.ctx, msg); err != nil {
		t.Fatalf("Handle() redelivery error = %v", err)
	}
	select {
	case <-received:
		t.Error("redelivered event reached the destination again")
	case <-time.After(300 * time.Millisecond):
	}
	if rec := env.deliveryFor(t, webhook.ID); rec.Attempts != 1 {
		t.Errorf("attempts after redelivery = %d, want 1", rec.Attempts)
	}
}

// TestEndToEndRetryAfterFailure walks a delivery through the backoff table
// against a destination that recovers on its third attempt.
func TestEndToEndRetryAfterFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	var mu sync.Mutex
	hits := 0
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer mockServer.Close()

	webhook := env.createWebhook(t, "wh_retry", mockServer.URL)
	dispatcher := env.newDispatcher(dispatch.DefaultConfig())

	workerPool := env.startWorker(workerConfig())
	defer workerPool.Stop()

	if _, err := dispatcher.Dispatch(env.ctx, geofenceEvent("evt_retry_001", startNow)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	// Inline attempt failed; the first backoff step is booked
	rec := env.deliveryFor(t, webhook.ID)
	if rec.Attempts != 1 || rec.Status != domain.DeliveryStatusPending {
		t.Fatalf("after inline attempt: attempts = %d, status = %v, want 1 pending", rec.Attempts, rec.Status)
	}
	wantNext := startNow.Add(60 * time.Second)
	if rec.NextRetryAt == nil || !rec.NextRetryAt.Equal(wantNext) {
		t.Fatalf("next_retry_at = %v, want %v", rec.NextRetryAt, wantNext)
	}

	// Cross the first backoff boundary: attempt 2 fails, second step booked
	env.clock.Set(startNow.Add(61 * time.Second))
	waitUntil(t, 10*time.Second, "second attempt", func() bool {
		return env.deliveryFor(t, webhook.ID).Attempts == 2
	})
	rec = env.deliveryFor(t, webhook.ID)
	wantNext = startNow.Add(61 * time.Second).Add(300 * time.Second)
	if rec.NextRetryAt == nil || !rec.NextRetryAt.Equal(wantNext) {
		t.Fatalf("next_retry_at after attempt 2 = %v, want %v", rec.NextRetryAt, wantNext)
	}

	// Cross the second boundary: attempt 3 succeeds
	env.clock.Set(wantNext.Add(time.Second))
	waitUntil(t, 10*time.Second, "successful delivery", func() bool {
		return env.deliveryFor(t, webhook.ID).Status == domain.DeliveryStatusSuccess
	})

	rec = env.deliveryFor(t, webhook.ID)
	if rec.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", rec.Attempts)
	}
	if rec.NextRetryAt != nil {
		t.Errorf("next_retry_at = %v, want nil", rec.NextRetryAt)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 3 {
		t.Errorf("destination hits = %d, want 3", hits)
	}
}

// TestEndToEndRetriesExhausted drives a delivery against a dead destination
// through all four attempts and verifies it finalizes as failed.
func TestEndToEndRetriesExhausted(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	var mu sync.Mutex
	hits := 0
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer mockServer.Close()

	webhook := env.createWebhook(t, "wh_exhaust", mockServer.URL)
	dispatcher := env.newDispatcher(dispatch.DefaultConfig())

	workerPool := env.startWorker(workerConfig())
	defer workerPool.Stop()

	if _, err := dispatcher.Dispatch(env.ctx, geofenceEvent("evt_exhaust_001", startNow)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	// Attempt 1 happened inline. Walk the rest of the backoff table.
	now := startNow
	for attempt, delay := 2, 60*time.Second; attempt <= 4; attempt++ {
		rec := env.deliveryFor(t, webhook.ID)
		if rec.Attempts != attempt-1 {
			t.Fatalf("before attempt %d: attempts = %d", attempt, rec.Attempts)
		}
		now = now.Add(delay + time.Second)
		env.clock.Set(now)
		waitUntil(t, 10*time.Second, fmt.Sprintf("attempt %d", attempt), func() bool {
			return env.deliveryFor(t, webhook.ID).Attempts == attempt
		})
		switch attempt {
		case 2:
			delay = 300 * time.Second
		case 3:
			delay = 900 * time.Second
		}
	}

	rec := env.deliveryFor(t, webhook.ID)
	if rec.Status != domain.DeliveryStatusFailed {
		t.Errorf("status = %v, want failed", rec.Status)
	}
	if rec.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", rec.Attempts)
	}
	if rec.NextRetryAt != nil {
		t.Errorf("next_retry_at = %v, want nil after finalization", rec.NextRetryAt)
	}
	if rec.ErrorMessage == nil || *rec.ErrorMessage != "destination responded 503" {
		t.Errorf("error_message = %v, want destination responded 503", rec.ErrorMessage)
	}
	mu.Lock()
	if hits != 4 {
		t.Errorf("destination hits = %d, want 4", hits)
	}
	mu.Unlock()

	// Four consecutive failures stay below the five-failure threshold
	got, err := env.webhooks.GetByID(env.ctx, webhook.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.ConsecutiveFailures != 4 {
		t.Errorf("consecutive_failures = %d, want 4", got.ConsecutiveFailures)
	}
	if got.CircuitOpenUntil != nil {
		t.Errorf("circuit_open_until = %v, want nil", got.CircuitOpenUntil)
	}
}

// TestEndToEndCircuitOpensAfterConsecutiveFailures feeds five events into a
// failing destination and verifies the fifth failure opens the circuit, after
// which new deliveries are created deferred instead of attempted.
func TestEndToEndCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	var mu sync.Mutex
	hits := 0
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer mockServer.Close()

	webhook := env.createWebhook(t, "wh_breaker", mockServer.URL)
	dispatcher := env.newDispatcher(dispatch.DefaultConfig())

	for i := 1; i <= 5; i++ {
		event := geofenceEvent(fmt.Sprintf("evt_breaker_%03d", i), startNow)
		if _, err := dispatcher.Dispatch(env.ctx, event); err != nil {
			t.Fatalf("Dispatch(%d) error = %v", i, err)
		}
	}

	mu.Lock()
	if hits != 5 {
		t.Fatalf("destination hits = %d, want 5", hits)
	}
	mu.Unlock()

	got, err := env.webhooks.GetByID(env.ctx, webhook.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.ConsecutiveFailures != 5 {
		t.Errorf("consecutive_failures = %d, want 5", got.ConsecutiveFailures)
	}
	wantOpenUntil := startNow.Add(5 * time.Minute)
	if got.CircuitOpenUntil == nil || !got.CircuitOpenUntil.Equal(wantOpenUntil) {
		t.Fatalf("circuit_open_until = %v, want %v", got.CircuitOpenUntil, wantOpenUntil)
	}

	// Sixth event arrives while the circuit is open: its record is created
	// and parked until the circuit closes, with no request made
	if _, err := dispatcher.Dispatch(env.ctx, geofenceEvent("evt_breaker_006", startNow)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	mu.Lock()
	if hits != 5 {
		t.Errorf("destination hits after open-circuit dispatch = %d, want 5", hits)
	}
	mu.Unlock()

	recs, err := env.deliveries.ListByWebhook(env.ctx, webhook.ID, 10)
	if err != nil {
		t.Fatalf("ListByWebhook() error = %v", err)
	}
	var parked *domain.Delivery
	for _, rec := range recs {
		if rec.EventID != nil && *rec.EventID == "evt_breaker_006" {
			parked = rec
		}
	}
	if parked == nil {
		t.Fatal("no delivery record for the open-circuit event")
	}
	if parked.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", parked.Attempts)
	}
	if parked.Status != domain.DeliveryStatusPending {
		t.Errorf("status = %v, want pending", parked.Status)
	}
	if parked.NextRetryAt == nil || !parked.NextRetryAt.Equal(wantOpenUntil) {
		t.Errorf("next_retry_at = %v, want circuit close at %v", parked.NextRetryAt, wantOpenUntil)
	}
}

// TestEndToEndWorkerDefersWhileCircuitOpen seeds a due record behind an open
// circuit and verifies the worker pushes it to the close instant untouched.
func TestEndToEndWorkerDefersWhileCircuitOpen(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	var mu sync.Mutex
	hits := 0
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer mockServer.Close()

	openUntil := startNow.Add(5 * time.Minute)
	webhook := &domain.Webhook{
		ID:                  "wh_open",
		OwnerID:             "acct_itest",
		TargetURL:           mockServer.URL,
		Secret:              "whsec_integration",
		EventTypes:          []string{"*"},
		Enabled:             true,
		ConsecutiveFailures: 5,
		CircuitOpenUntil:    &openUntil,
		CreatedAt:           startNow,
		UpdatedAt:           startNow,
	}
	if err := env.webhooks.Create(env.ctx, webhook); err != nil {
		t.Fatalf("failed to create webhook: %v", err)
	}

	rec := domain.NewDelivery(webhook.ID, geofenceEvent("evt_open_001", startNow), []byte(`{"id":"evt_open_001"}`), startNow)
	due := startNow.Add(-time.Minute)
	rec.NextRetryAt = &due
	if err := env.deliveries.Create(env.ctx, rec); err != nil {
		t.Fatalf("failed to create delivery: %v", err)
	}

	workerPool := env.startWorker(workerConfig())
	defer workerPool.Stop()

	waitUntil(t, 10*time.Second, "deferral to circuit close", func() bool {
		got := env.deliveryFor(t, webhook.ID)
		return got.NextRetryAt != nil && got.NextRetryAt.Equal(openUntil)
	})

	got := env.deliveryFor(t, webhook.ID)
	if got.Status != domain.DeliveryStatusPending {
		t.Errorf("status = %v, want pending", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0, deferral must not consume an attempt", got.Attempts)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 0 {
		t.Errorf("destination hits = %d, want 0 while circuit open", hits)
	}
}

// TestEndToEndSuccessClosesCircuit verifies one successful delivery wipes the
// accumulated failure count.
func TestEndToEndSuccessClosesCircuit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer mockServer.Close()

	webhook := &domain.Webhook{
		ID:                  "wh_recovering",
		OwnerID:             "acct_itest",
		TargetURL:           mockServer.URL,
		Secret:              "whsec_integration",
		EventTypes:          []string{"*"},
		Enabled:             true,
		ConsecutiveFailures: 4,
		CreatedAt:           startNow,
		UpdatedAt:           startNow,
	}
	if err := env.webhooks.Create(env.ctx, webhook); err != nil {
		t.Fatalf("failed to create webhook: %v", err)
	}

	dispatcher := env.newDispatcher(dispatch.DefaultConfig())
	if _, err := dispatcher.Dispatch(env.ctx, geofenceEvent("evt_recover_001", startNow)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	rec := env.deliveryFor(t, webhook.ID)
	if rec.Status != domain.DeliveryStatusSuccess {
		t.Fatalf("status = %v, want success", rec.Status)
	}

	got, err := env.webhooks.GetByID(env.ctx, webhook.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("consecutive_failures = %d, want 0 after success", got.ConsecutiveFailures)
	}
	if got.CircuitOpenUntil != nil {
		t.Errorf("circuit_open_until = %v, want nil", got.CircuitOpenUntil)
	}
}

// TestEndToEndCancelsOrphanedDeliveries removes one webhook and disables
// another while their deliveries await retry, then verifies the worker
// finalizes both records without another request.
func TestEndToEndCancelsOrphanedDeliveries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	var mu sync.Mutex
	hits := 0
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer mockServer.Close()

	deleted := env.createWebhook(t, "wh_deleted", mockServer.URL)
	disabled := env.createWebhook(t, "wh_disabled", mockServer.URL)
	dispatcher := env.newDispatcher(dispatch.DefaultConfig())

	// Both inline attempts fail and book the 60s retry
	if _, err := dispatcher.Dispatch(env.ctx, geofenceEvent("evt_orphan_001", startNow)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	mu.Lock()
	if hits != 2 {
		t.Fatalf("destination hits = %d, want 2", hits)
	}
	mu.Unlock()

	// The webhooks go away mid-retry
	if _, err := env.pool.Exec(env.ctx, `DELETE FROM webhooks WHERE id = $1`, deleted.ID); err != nil {
		t.Fatalf("failed to delete webhook: %v", err)
	}
	if _, err := env.pool.Exec(env.ctx, `UPDATE webhooks SET enabled = FALSE WHERE id = $1`, disabled.ID); err != nil {
		t.Fatalf("failed to disable webhook: %v", err)
	}

	workerPool := env.startWorker(workerConfig())
	defer workerPool.Stop()

	env.clock.Set(startNow.Add(61 * time.Second))
	waitUntil(t, 10*time.Second, "both records finalized", func() bool {
		return env.deliveryFor(t, deleted.ID).Terminal() && env.deliveryFor(t, disabled.ID).Terminal()
	})

	recDeleted := env.deliveryFor(t, deleted.ID)
	if recDeleted.Status != domain.DeliveryStatusFailed {
		t.Errorf("deleted webhook record status = %v, want failed", recDeleted.Status)
	}
	if recDeleted.ErrorMessage == nil || *recDeleted.ErrorMessage != "webhook deleted" {
		t.Errorf("error_message = %v, want webhook deleted", recDeleted.ErrorMessage)
	}
	if recDeleted.Attempts != 1 {
		t.Errorf("attempts = %d, want 1, cancellation must not consume an attempt", recDeleted.Attempts)
	}

	recDisabled := env.deliveryFor(t, disabled.ID)
	if recDisabled.Status != domain.DeliveryStatusFailed {
		t.Errorf("disabled webhook record status = %v, want failed", recDisabled.Status)
	}
	if recDisabled.ErrorMessage == nil || *recDisabled.ErrorMessage != "webhook disabled" {
		t.Errorf("error_message = %v, want webhook disabled", recDisabled.ErrorMessage)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 2 {
		t.Errorf("destination hits = %d, want 2, no request after cancellation", hits)
	}
}

// TestEndToEndRateLimitDefersExcess dispatches a burst through the Redis
// rate limiter and verifies excess deliveries are deferred, not attempted.
func TestEndToEndRateLimitDefersExcess(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	var mu sync.Mutex
	hits := 0
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer mockServer.Close()

	webhook := env.createWebhook(t, "wh_limited", mockServer.URL)

	// A wide window keeps the whole burst inside one sliding frame
	rateLimiter := resilience.NewRedisRateLimiter(
		env.redisClient,
		resilience.RedisRateLimiterConfig{Window: 30 * time.Second},
		env.logger,
	)
	dispatcher := env.newDispatcher(dispatch.Config{
		InlineLease:   30 * time.Second,
		ThrottleDelay: time.Second,
		RateLimit:     3,
	}).WithRateLimiter(rateLimiter)

	const totalEvents = 6
	for i := 0; i < totalEvents; i++ {
		event := geofenceEvent(fmt.Sprintf("evt_limited_%03d", i), startNow)
		if _, err := dispatcher.Dispatch(env.ctx, event); err != nil {
			t.Fatalf("Dispatch(%d) error = %v", i, err)
		}
	}

	mu.Lock()
	if hits != 3 {
		t.Errorf("destination hits = %d, want 3", hits)
	}
	mu.Unlock()

	var succeeded, throttled int
	recs, err := env.deliveries.ListByWebhook(env.ctx, webhook.ID, 20)
	if err != nil {
		t.Fatalf("ListByWebhook() error = %v", err)
	}
	throttleUntil := startNow.Add(time.Second)
	for _, rec := range recs {
		switch rec.Status {
		case domain.DeliveryStatusSuccess:
			succeeded++
		case domain.DeliveryStatusPending:
			throttled++
			if rec.Attempts != 0 {
				t.Errorf("throttled record %s attempts = %d, want 0", rec.ID, rec.Attempts)
			}
			if rec.NextRetryAt == nil || !rec.NextRetryAt.Equal(throttleUntil) {
				t.Errorf("throttled record %s next_retry_at = %v, want %v", rec.ID, rec.NextRetryAt, throttleUntil)
			}
		default:
			t.Errorf("record %s status = %v, want success or pending", rec.ID, rec.Status)
		}
	}
	if succeeded != 3 || throttled != 3 {
		t.Errorf("succeeded = %d, throttled = %d, want 3 and 3", succeeded, throttled)
	}
}
