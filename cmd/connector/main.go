package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"dataspace/pkg/audit"
	"dataspace/pkg/auth"
	"dataspace/pkg/bus"
	"dataspace/pkg/catalog"
	"dataspace/pkg/events"
	"dataspace/pkg/hardening"
	"dataspace/pkg/httpx"
	"dataspace/pkg/ledger"
	"dataspace/pkg/metrics"
	"dataspace/pkg/models"
	"dataspace/pkg/negotiation"
	"dataspace/pkg/policy"
	"dataspace/pkg/ratelimit"
	"dataspace/pkg/store"
	"dataspace/pkg/telemetry"
	"dataspace/pkg/transport"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Server holds the connector's wired collaborators.
type Server struct {
	DB       connectorDB
	Redis    *redis.Client
	Cache    store.Cache
	Ledger   *ledger.Store
	Catalog  *catalog.Store
	Audit    *audit.Writer
	Metrics  *metrics.Registry
	Events   *events.Hub
	Bus      *bus.KafkaPublisher
	Consumer *negotiation.Consumer
	Dispatch *negotiation.Dispatcher

	DescriptionCacheTTL time.Duration

	AuthMode            string
	AuthSecret          string
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimiter         ratelimit.Limiter
	MaxRequestBodyBytes int64
}

type connectorDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type connectorDBCloser interface {
	connectorDB
	Close()
}

type connectorInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type connectorOpenDBFunc func(ctx context.Context) (connectorDBCloser, error)
type connectorOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type connectorListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryC = telemetry.Init
	openDBFnC      = func(ctx context.Context) (connectorDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnC   = store.NewRedis
	listenFnC      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runConnector(initTelemetryC, openDBFnC, openRedisFnC, listenFnC, nil); err != nil {
		logFatalf("connector: %v", err)
	}
}

func runConnector(
	initTelemetry connectorInitTelemetryFunc,
	openDB connectorOpenDBFunc,
	openRedis connectorOpenRedisFunc,
	listen connectorListenFunc,
	capture func(*Server),
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "dataspace-connector")
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
		log.Printf("redis unavailable, falling back to in-process gate/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	identity := env("CONNECTOR_ID", "https://localhost:8080")
	modelVersion := env("MODEL_VERSION", "4.2.7")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	authMode := env("AUTH_MODE", "daps_hs256")
	tokenSecret := env("DAPS_TOKEN_SECRET", "")

	if strings.EqualFold(authMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "dataspace-connector",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		AuthMode:              authMode,
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredSecrets: []hardening.EnvRequirement{
			{Name: "DAPS_TOKEN_SECRET", Value: tokenSecret},
		},
	}); err != nil {
		return err
	}

	tokens := &auth.TokenIssuer{
		Secret:          tokenSecret,
		Subject:         identity,
		Issuer:          env("DAPS_ISSUER", ""),
		Audience:        env("DAPS_AUDIENCE", "idsc:IDS_CONNECTORS_ALL"),
		SecurityProfile: env("SECURITY_PROFILE", "BASE_SECURITY_PROFILE"),
		TTL:             envDurationSec("DAPS_TOKEN_TTL_SEC", 300),
	}

	ledgerStore := &ledger.Store{DB: pool}
	catalogStore := &catalog.Store{DB: pool}
	auditWriter := &audit.Writer{
		DB:       pool,
		HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
		Redact:   strings.EqualFold(env("AUDIT_REDACT", "false"), "true"),
	}
	registry := metrics.NewRegistry()
	hub := events.NewHub()

	var gate ledger.Gate
	if redisClient != nil {
		gate = ledger.NewRedisGate(redisClient)
	} else {
		gate = ledger.NewKeyedGate()
	}

	sinks := eventFanout{hub}
	var publisher *bus.KafkaPublisher
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		publisher, err = bus.NewKafkaPublisher(bus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_AGREEMENTS_TOPIC", "dataspace.agreements"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	httpTimeout := time.Millisecond * time.Duration(envInt("OUTBOUND_TIMEOUT_MS", 10000))
	outbound := transport.NewClient(httpTimeout, tokens)
	outbound.HTTPClient = telemetry.InstrumentClient(outbound.HTTPClient)

	provider := &negotiation.Provider{
		Config: negotiation.ProviderConfig{
			Identity:           identity,
			ModelVersion:       modelVersion,
			NegotiationEnabled: env("NEGOTIATION_ENABLED", "true") == "true",
			ContractValidity:   envDurationSec("CONTRACT_VALIDITY_SEC", 0),
		},
		Catalog:   catalogStore,
		Ledger:    ledgerStore,
		Gate:      gate,
		Verifier:  &policy.Verifier{PIP: transport.NewPIP(httpTimeout, tokens)},
		Transport: outbound,
		Audit:     auditWriter,
		Events:    sinks,
	}
	consumer := &negotiation.Consumer{
		Identity:     identity,
		ModelVersion: modelVersion,
		Transport:    outbound,
		Catalog:      catalogStore,
		Ledger:       ledgerStore,
		Tokens:       tokens,
	}

	dispatcher := negotiation.NewDispatcher(identity, modelVersion, parseList(env("INBOUND_MODEL_VERSIONS", ""))...)
	dispatcher.Recorder = registryRecorder{registry}
	provider.Register(dispatcher)

	s := &Server{
		DB:                  pool,
		Redis:               redisClient,
		Cache:               store.NewCache(ctx, redisClient),
		DescriptionCacheTTL: envDurationSec("DESCRIPTION_CACHE_TTL_SEC", 60),
		Ledger:              ledgerStore,
		Catalog:             catalogStore,
		Audit:               auditWriter,
		Metrics:             registry,
		Events:              hub,
		Bus:                 publisher,
		Consumer:            consumer,
		Dispatch:            dispatcher,
		AuthMode:            authMode,
		AuthSecret:          tokenSecret,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if s.RateLimitEnabled {
		window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, window)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(window)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("dataspace-connector"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "dataspace-connector"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("DAPS_JWKS_URL", "")),
		auth.WithIssuer(env("DAPS_ISSUER", "")),
		auth.WithAudience(env("DAPS_AUDIENCE", "")),
		auth.WithTimeout(time.Millisecond*time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/api/ids/data", s.handleMessage)
	authRouter.Get("/api/ids/events", s.streamEvents)

	authRouter.Get("/api/admin/resources", s.withRoles(s.listResources, "operator", "admin"))
	authRouter.Post("/api/admin/resources", s.withRoles(s.createResource, "operator", "admin"))
	authRouter.Post("/api/admin/resources/{resource_id}/offers", s.withRoles(s.createOffer, "operator", "admin"))
	authRouter.Get("/api/admin/agreements/{agreement_id}", s.withRoles(s.getAgreement, "operator", "admin", "auditor"))
	authRouter.Get("/api/admin/agreements/{agreement_id}/access/{artifact_id}", s.withRoles(s.getAccess, "operator", "admin", "auditor"))
	authRouter.Get("/api/admin/agreements/{agreement_id}/usage", s.withRoles(s.getUsage, "operator", "admin", "auditor"))
	authRouter.Get("/api/admin/artifacts/{artifact_id}/agreements", s.withRoles(s.agreementsByArtifact, "operator", "admin", "auditor"))

	authRouter.Post("/api/admin/negotiation/description", s.withRoles(s.requestDescription, "operator", "admin"))
	authRouter.Post("/api/admin/negotiation/contract", s.withRoles(s.requestContract, "operator", "admin"))
	authRouter.Post("/api/admin/negotiation/artifact", s.withRoles(s.requestArtifact, "operator", "admin"))
	r.Mount("/", authRouter)

	if capture != nil {
		capture(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("connector %s listening on %s", identity, addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// eventFanout forwards each negotiation outcome to every sink.
type eventFanout []negotiation.EventSink

func (f eventFanout) AgreementCreated(ctx context.Context, ag models.ContractAgreement) {
	for _, sink := range f {
		sink.AgreementCreated(ctx, ag)
	}
}

func (f eventFanout) AccessGranted(ctx context.Context, agreementID, artifactID string, count int64) {
	for _, sink := range f {
		sink.AccessGranted(ctx, agreementID, artifactID, count)
	}
}

// registryRecorder feeds dispatcher counts into the metrics registry.
type registryRecorder struct {
	registry *metrics.Registry
}

func (r registryRecorder) Message(msgType string)  { r.registry.IncMessageType(msgType) }
func (r registryRecorder) Rejection(reason string) { r.registry.IncRejection(reason) }

// handleMessage is the single IDS endpoint: every protocol message
// arrives here and is answered with exactly one envelope.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if blocked, retryAfter := s.checkRateLimit(r); blocked {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter/1000+1))
		httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var env models.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid message envelope")
		return
	}
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Connector != "" {
		// The verified DAT wins over the self-declared issuer.
		env.IssuerConnector = principal.Connector
	}
	resp := s.Dispatch.Handle(r.Context(), env)
	if resp.Type == models.MsgContractAgreement {
		s.Metrics.IncAgreement("created")
	}
	if resp.Type == models.MsgArtifactResponse {
		s.Metrics.IncAccess("granted")
	} else if resp.RejectionReason == models.RejectNotAuthorized {
		s.Metrics.IncAccess("denied")
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) listResources(w http.ResponseWriter, r *http.Request) {
	list, err := s.Catalog.List(r.Context())
	if err != nil {
		log.Printf("list resources: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "could not list resources")
		return
	}
	if list == nil {
		list = []catalog.Resource{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"resources": list})
}

type createResourceRequest struct {
	Description models.Description `json:"description"`
	Payload     string             `json:"payload,omitempty"` // base64
}

func (s *Server) createResource(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req createResourceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid resource request")
		return
	}
	var payload []byte
	if req.Payload != "" {
		var err error
		payload, err = base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "payload must be base64")
			return
		}
	}
	id, err := s.Catalog.Save(r.Context(), req.Description, payload)
	if err != nil {
		log.Printf("create resource: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "could not save resource")
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) createOffer(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resource_id")
	if _, err := s.Catalog.Resolve(r.Context(), resourceID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "resource not found")
			return
		}
		log.Printf("resolve resource: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "could not resolve resource")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var offer models.ContractOffer
	if err := json.Unmarshal(body, &offer); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid contract offer")
		return
	}
	if err := policy.ValidateRules(offer.Rules); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.Catalog.SaveOffer(r.Context(), resourceID, offer)
	if err != nil {
		log.Printf("save offer: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "could not save offer")
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getAgreement(w http.ResponseWriter, r *http.Request) {
	ag, err := s.Ledger.Get(r.Context(), chi.URLParam(r, "agreement_id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			httpx.Error(w, http.StatusNotFound, "agreement not found")
			return
		}
		log.Printf("get agreement: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "could not load agreement")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ag)
}

func (s *Server) getAccess(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Ledger.Access(r.Context(), chi.URLParam(r, "agreement_id"), chi.URLParam(r, "artifact_id"))
	if err != nil {
		log.Printf("get access: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "could not load access record")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	records, err := s.Audit.ByAgreement(r.Context(), chi.URLParam(r, "agreement_id"))
	if err != nil {
		log.Printf("get usage: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "could not load usage records")
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"usage": records})
}

func (s *Server) agreementsByArtifact(w http.ResponseWriter, r *http.Request) {
	ags, err := s.Ledger.ByArtifact(r.Context(), chi.URLParam(r, "artifact_id"))
	if err != nil {
		log.Printf("agreements by artifact: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "could not load agreements")
		return
	}
	if ags == nil {
		ags = []models.ContractAgreement{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"agreements": ags})
}

type describeRequest struct {
	Recipient string `json:"recipient"`
	ElementID string `json:"element_id,omitempty"`
}

func (s *Server) requestDescription(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req describeRequest
	if err := json.Unmarshal(body, &req); err != nil || !auth.IsValidURL(req.Recipient) {
		httpx.Error(w, http.StatusBadRequest, "recipient url required")
		return
	}
	cacheKey := "desc:" + req.Recipient + "|" + req.ElementID
	if s.Cache != nil && s.DescriptionCacheTTL > 0 {
		if cached, err := s.Cache.Get(r.Context(), cacheKey); err == nil && cached != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(cached))
			return
		}
	}
	localID, desc, err := s.Consumer.Describe(r.Context(), req.Recipient, req.ElementID)
	if err != nil {
		writeNegotiationError(w, err)
		return
	}
	out := map[string]any{"local_id": localID, "description": desc}
	if s.Cache != nil && s.DescriptionCacheTTL > 0 {
		if raw, err := json.Marshal(out); err == nil {
			_ = s.Cache.Set(r.Context(), cacheKey, string(raw), s.DescriptionCacheTTL)
		}
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

type contractRequest struct {
	Recipient string        `json:"recipient"`
	Rules     []models.Rule `json:"rules"`
	Targets   []string      `json:"targets"`
}

func (s *Server) requestContract(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req contractRequest
	if err := json.Unmarshal(body, &req); err != nil || !auth.IsValidURL(req.Recipient) {
		httpx.Error(w, http.StatusBadRequest, "recipient url required")
		return
	}
	agreementID, err := s.Consumer.RequestContract(r.Context(), req.Recipient, req.Rules, req.Targets)
	if err != nil {
		writeNegotiationError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"agreement_id": agreementID})
}

type artifactRequest struct {
	Recipient   string `json:"recipient"`
	AgreementID string `json:"agreement_id"`
	ArtifactID  string `json:"artifact_id"`
}

func (s *Server) requestArtifact(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req artifactRequest
	if err := json.Unmarshal(body, &req); err != nil || !auth.IsValidURL(req.Recipient) {
		httpx.Error(w, http.StatusBadRequest, "recipient url required")
		return
	}
	if err := s.Consumer.FetchArtifact(r.Context(), req.Recipient, req.AgreementID, req.ArtifactID); err != nil {
		writeNegotiationError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func writeNegotiationError(w http.ResponseWriter, err error) {
	var rej *negotiation.RejectionError
	switch {
	case errors.As(err, &rej):
		status := http.StatusBadGateway
		if rej.Reason == models.RejectNotAuthorized {
			status = http.StatusForbidden
		}
		httpx.WriteJSON(w, status, map[string]string{
			"rejection_reason": string(rej.Reason),
			"rejection_text":   rej.Text,
		})
	case errors.Is(err, negotiation.ErrContractMismatch):
		httpx.Error(w, http.StatusConflict, err.Error())
	default:
		log.Printf("negotiation request failed: %v", err)
		httpx.Error(w, http.StatusBadGateway, "negotiation request failed")
	}
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := parseList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, events.NewEvent("ready", nil))
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
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) checkRateLimit(r *http.Request) (bool, int) {
	if !s.RateLimitEnabled || s.RateLimiter == nil {
		return false, 0
	}
	limit := s.RateLimitPerMinute
	if limit <= 0 {
		return false, 0
	}
	key := clientIP(r)
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		if principal.Connector != "" {
			key = principal.Connector
		} else if principal.Subject != "" {
			key = principal.Subject
		}
	}
	decision := s.RateLimiter.Allow("ids:"+key, limit)
	if decision.Allowed {
		return false, 0
	}
	retryAfter := int(time.Until(decision.ResetAt).Milliseconds())
	if retryAfter < 0 {
		retryAfter = 0
	}
	return true, retryAfter
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
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r)
	}
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr)); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func parseList(raw string) []string {
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

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
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

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
