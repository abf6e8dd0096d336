package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/mkanal/item-relationship-service/pkg/events"
	"github.com/mkanal/item-relationship-service/pkg/hardening"
	"github.com/mkanal/item-relationship-service/pkg/httpx"
	"github.com/mkanal/item-relationship-service/pkg/metrics"
	"github.com/mkanal/item-relationship-service/pkg/policystore"
	"github.com/mkanal/item-relationship-service/pkg/ratelimit"
	"github.com/mkanal/item-relationship-service/pkg/store"
	"github.com/mkanal/item-relationship-service/pkg/telemetry"
)

type Server struct {
	Store               *policystore.Service
	Hub                 *events.Hub
	Metrics             *metrics.Registry
	Limiter             ratelimit.Limiter
	RateLimit           int
	APIKeyHeader        string
	APIKeySecret        string
	MaxRequestBodyBytes int64
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openRepoFn      func(context.Context) (policystore.Repository, func(), error)
	openPublisherFn func() (events.Publisher, error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := run(initTelemetryFn, openRepoFn, openPublisherFn, listenFn); err != nil {
		logFatalf("policy-store: %v", err)
	}
}

func run(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openRepo func(context.Context) (policystore.Repository, func(), error),
	openPublisher func() (events.Publisher, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openRepo == nil {
		openRepo = func(ctx context.Context) (policystore.Repository, func(), error) {
			if os.Getenv("DATABASE_URL") == "" {
				log.Printf("policy-store: DATABASE_URL not set, using in-memory repository")
				return policystore.NewMemoryRepository(), nil, nil
			}
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return policystore.NewPostgresRepository(pool), pool.Close, nil
		}
	}
	if openPublisher == nil {
		openPublisher = func() (events.Publisher, error) {
			brokers := env("KAFKA_BROKERS", "")
			if brokers == "" {
				return events.NopPublisher{}, nil
			}
			return events.NewKafkaPublisher(events.KafkaConfig{
				Brokers: strings.Split(brokers, ","),
				Topic:   env("KAFKA_POLICY_TOPIC", "policy-changes"),
			})
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "policy-store")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	repo, closeRepo, err := openRepo(ctx)
	if err != nil {
		return err
	}
	if closeRepo != nil {
		defer closeRepo()
	}

	publisher, err := openPublisher()
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	hub := events.NewHub()
	s := &Server{
		Store:               policystore.NewService(repo, hub, publisher),
		Hub:                 hub,
		Metrics:             metrics.NewRegistry(),
		RateLimit:           envInt("RATE_LIMIT_PER_MINUTE", 120),
		APIKeyHeader:        env("API_KEY_HEADER", "X-Api-Key"),
		APIKeySecret:        env("API_KEY_SECRET", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "policy-store",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "API_KEY_SECRET", Value: s.APIKeySecret},
		},
	}); err != nil {
		return err
	}
	if s.RateLimit > 0 {
		if env("REDIS_ADDR", "") != "" {
			client, err := store.NewRedis(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			s.Limiter = ratelimit.NewRedis(client, time.Minute)
		} else {
			s.Limiter = ratelimit.NewInMemory(time.Minute)
		}
	}

	// Change counters feed off the hub so every mutation path is counted.
	changes := hub.Subscribe(64)
	defer hub.Unsubscribe(changes)
	go func() {
		for change := range changes {
			s.Metrics.IncPolicyChange(change.Type)
		}
	}()

	addr := env("ADDR", ":8083")
	log.Printf("policy-store service listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("policy-store"))
	r.Use(httpx.MaxBytesMiddleware(s.MaxRequestBodyBytes))
	if s.Metrics != nil {
		r.Use(s.Metrics.Middleware)
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "policy-store"})
	})
	if s.Metrics != nil {
		r.Get("/metrics", s.Metrics.PrometheusHandler())
		r.Get("/metricsz", s.Metrics.Handler())
	}

	authed := chi.NewRouter()
	if s.Limiter != nil {
		authed.Use(ratelimit.Middleware(s.Limiter, s.RateLimit, s.APIKeyHeader))
	}
	authed.Use(httpx.APIKeyMiddleware(s.APIKeyHeader, s.APIKeySecret))
	authed.Post("/irs/policies", s.registerPolicy)
	authed.Get("/irs/policies", s.getPolicies)
	authed.Get("/irs/policies/paged", s.getPoliciesPaged)
	authed.Put("/irs/policies", s.updatePolicies)
	authed.Delete("/irs/policies/{policyId}", s.deletePolicy)
	authed.Delete("/irs/policies/{policyId}/bpnl/{bpnl}", s.deletePolicyForBPN)
	authed.Get("/irs/policies/events", s.streamPolicyChanges)
	r.Mount("/", authed)
	return r
}

type registerPayload struct {
	PolicyID               string          `json:"policyId"`
	BusinessPartnerNumbers []string        `json:"businessPartnerNumbers"`
	ValidUntil             string          `json:"validUntil"`
	Payload                json.RawMessage `json:"payload"`
}

func (s *Server) registerPolicy(w http.ResponseWriter, r *http.Request) {
	var req registerPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	validUntil, err := parseTime(req.ValidUntil)
	if err != nil {
		httpx.Error(w, 400, "validUntil must be RFC3339")
		return
	}
	p, err := s.Store.Register(r.Context(), policystore.RegisterRequest{
		PolicyID:               req.PolicyID,
		BusinessPartnerNumbers: req.BusinessPartnerNumbers,
		ValidUntil:             validUntil,
		Payload:                req.Payload,
	})
	if err != nil {
		writeStoreError(w, "register policy", err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]string{"policyId": p.PolicyID})
}

func (s *Server) getPolicies(w http.ResponseWriter, r *http.Request) {
	grouped, err := s.Store.GetPolicies(r.Context(), queryList(r, "businessPartnerNumbers"))
	if err != nil {
		writeStoreError(w, "get policies", err)
		return
	}
	httpx.WriteJSON(w, 200, grouped)
}

func (s *Server) getPoliciesPaged(w http.ResponseWriter, r *http.Request) {
	req := policystore.PageRequest{
		Page: queryInt(r, "page", 0),
		Size: queryInt(r, "size", policystore.DefaultPageSize),
	}
	for _, raw := range r.URL.Query()["sort"] {
		order, err := policystore.ParseSortParameter(raw)
		if err != nil {
			writeStoreError(w, "parse sort", err)
			return
		}
		req.Sort = append(req.Sort, order)
	}
	criteria, err := policystore.ParseSearchParameters(r.URL.Query()["search"])
	if err != nil {
		writeStoreError(w, "parse search", err)
		return
	}
	page, err := s.Store.GetPoliciesPaged(r.Context(), queryList(r, "businessPartnerNumbers"), req, criteria)
	if err != nil {
		writeStoreError(w, "get policies paged", err)
		return
	}
	httpx.WriteJSON(w, 200, page)
}

func (s *Server) updatePolicies(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PolicyIDs              []string `json:"policyIds"`
		BusinessPartnerNumbers []string `json:"businessPartnerNumbers"`
		ValidUntil             string   `json:"validUntil"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	validUntil, err := parseTime(req.ValidUntil)
	if err != nil {
		httpx.Error(w, 400, "validUntil must be RFC3339")
		return
	}
	if err := s.Store.Update(r.Context(), policystore.UpdateRequest{
		PolicyIDs:              req.PolicyIDs,
		BusinessPartnerNumbers: req.BusinessPartnerNumbers,
		ValidUntil:             validUntil,
	}); err != nil {
		writeStoreError(w, "update policies", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Delete(r.Context(), chi.URLParam(r, "policyId")); err != nil {
		writeStoreError(w, "delete policy", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deletePolicyForBPN(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteForBPN(r.Context(), chi.URLParam(r, "policyId"), chi.URLParam(r, "bpnl")); err != nil {
		writeStoreError(w, "delete policy for bpn", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) streamPolicyChanges(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Hub.Subscribe(64)
	defer s.Hub.Unsubscribe(sub)

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case change, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, change)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, policystore.ErrInvalidRequest):
		httpx.Error(w, 400, err.Error())
	case errors.Is(err, policystore.ErrNotFound):
		httpx.Error(w, 404, err.Error())
	default:
		log.Printf("policy-store %s: %v", op, err)
		httpx.Error(w, 500, "internal error")
	}
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func queryList(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func queryInt(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return def
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
