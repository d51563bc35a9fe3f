package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/camrenhall/luceron-ai-backend-server/pkg/audit"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/auth"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/contracts"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/eventbus"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/executor"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/hardening"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/httpx"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/llm"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/metrics"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/planner"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/ratelimit"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/router"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/store"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/stream"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Server wires the pipeline stages together. All fields are set once at
// startup; per-request state lives on the stack of each handler.
type Server struct {
	DB                  gatewayDB
	Cache               store.Cache
	Contracts           *contracts.Registry
	ContractDir         string
	Router              *router.Router
	Planner             *planner.Planner
	Executor            *executor.Executor
	Audit               auditStore
	Events              *stream.Hub
	Decisions           eventbus.Publisher
	Metrics             *metrics.Registry
	Redis               *redis.Client
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	PlanCacheTTL        time.Duration
	PlanCacheEnabled    bool
	AuditSalt           []byte
	AuthMode            string
	AuthSecret          string
	PipelineTimeout     time.Duration
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, requestID string) (audit.Record, error)
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	contractDir := env("CONTRACTS_DIR", "")
	registry, err := contracts.NewRegistry(contractDir)
	if err != nil {
		return fmt.Errorf("contracts: %w", err)
	}

	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	planCacheTTL := time.Second * time.Duration(envInt("PLAN_CACHE_TTL_SEC", 300))
	if planCacheTTL <= 0 {
		planCacheTTL = 5 * time.Minute
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	llmClient := &llm.HTTPClient{
		Client:     telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("LLM_TIMEOUT_MS", 20000))}),
		BaseURL:    env("LLM_BASE_URL", "https://api.openai.com"),
		APIKey:     env("LLM_API_KEY", ""),
		Retries:    envInt("LLM_RETRIES", 1),
		RetryDelay: time.Millisecond * time.Duration(envInt("LLM_RETRY_DELAY_MS", 250)),
	}
	writeConfidence := envFloat("ROUTER_WRITE_CONFIDENCE", router.DefaultWriteConfidence)

	s := &Server{
		DB:                  pool,
		Cache:               cache,
		Contracts:           registry,
		ContractDir:         contractDir,
		Router:              router.New(llmClient, env("ROUTER_MODEL", "gpt-4o-mini"), writeConfidence),
		Planner:             planner.New(llmClient, env("PLANNER_MODEL", "gpt-4o")),
		Executor:            executor.New(pool),
		Audit:               &audit.Writer{DB: pool, HashSalt: []byte(env("AUDIT_HASH_SALT", "")), Redact: env("AUDIT_REDACT", "true") == "true"},
		Events:              stream.NewHub(),
		Decisions:           eventbus.NopPublisher{},
		Metrics:             metrics.NewRegistry(),
		Redis:               redisClient,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		RateLimitWindow:     rateLimitWindow,
		PlanCacheTTL:        planCacheTTL,
		PlanCacheEnabled:    env("PLAN_CACHE_ENABLED", "true") == "true",
		AuditSalt:           []byte(env("AUDIT_HASH_SALT", "")),
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		PipelineTimeout:     time.Millisecond * time.Duration(envInt("PIPELINE_TIMEOUT_MS", 30000)),
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}

	if brokers := splitTrimmed(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		pub, err := eventbus.NewKafkaPublisher(eventbus.KafkaConfig{
			Brokers: brokers,
			Topic:   env("KAFKA_DECISIONS_TOPIC", "gateway.decisions"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer pub.Close()
		s.Decisions = pub
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		LLMBaseURL:            llmClient.BaseURL,
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "LLM_API_KEY", Value: llmClient.APIKey},
			{Name: "AUDIT_HASH_SALT", Value: string(s.AuditSalt)},
		},
	}); err != nil {
		return err
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}
	s.Metrics.SetGauge("contracts_loaded", float64(len(registry.Snapshot().Resources())))

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/agent/db", s.handleAgentDB)
	authRouter.Get("/v1/contracts", s.withRoles(s.listContracts, "admin", "manager_agent"))
	authRouter.Post("/v1/contracts/reload", s.withRoles(s.reloadContracts, "admin"))
	authRouter.Get("/v1/audit/{request_id}", s.withRoles(s.getAudit, "admin"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "admin"))
	r.Mount("/", authRouter)

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 60),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) checkRateLimit(r *http.Request, subject string) (bool, int) {
	if !s.RateLimitEnabled || s.RateLimiter == nil {
		return false, 0
	}
	if subject == "" {
		subject = "anonymous"
	}
	key := "agentdb:" + strings.ToLower(subject) + ":" + s.clientIP(r)
	decision := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
	if decision.Allowed {
		return false, 0
	}
	retryAfter := int(decision.RetryAfter(time.Now()).Milliseconds())
	if retryAfter == 0 {
		retryAfter = int(s.RateLimitWindow.Milliseconds())
	}
	return true, retryAfter
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	var out []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(part); err == nil {
			out = append(out, cidr)
		}
	}
	return out
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func splitTrimmed(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
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
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
