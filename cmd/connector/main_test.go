package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dataspace/pkg/audit"
	"dataspace/pkg/auth"
	"dataspace/pkg/catalog"
	"dataspace/pkg/events"
	"dataspace/pkg/ledger"
	"dataspace/pkg/metrics"
	"dataspace/pkg/models"
	"dataspace/pkg/negotiation"
	"dataspace/pkg/ratelimit"
	"dataspace/pkg/store"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeConnectorDB struct {
	execErr  error
	queryErr error
	rowErr   error
}

func (f *fakeConnectorDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeConnectorDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, f.queryErr
}

func (f *fakeConnectorDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return errRow{err: f.rowErr}
}

type errRow struct {
	err error
}

func (r errRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return errors.New("no fixture row")
}

func validEnvelope(msgType models.MessageType) models.Envelope {
	return models.Envelope{
		ID:              "msg-1",
		Type:            msgType,
		ModelVersion:    "4.2.7",
		Issued:          time.Now().UTC(),
		IssuerConnector: "https://consumer.example",
	}
}

func newTestServer() *Server {
	d := negotiation.NewDispatcher("https://provider.example", "4.2.7")
	d.Register(models.MsgDescriptionRequest, func(ctx context.Context, nc *negotiation.Context, env models.Envelope) models.Envelope {
		return models.Envelope{
			Type:            models.MsgDescriptionResponse,
			ModelVersion:    "4.2.7",
			IssuerConnector: "https://provider.example",
			CorrelationID:   env.ID,
			Payload:         json.RawMessage(`{"issuer":"` + env.IssuerConnector + `"}`),
		}
	})
	return &Server{
		Dispatch: d,
		Metrics:  metrics.NewRegistry(),
		AuthMode: "daps_hs256",
	}
}

func TestHandleMessageDispatches(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(validEnvelope(models.MsgDescriptionRequest))
	req := httptest.NewRequest(http.MethodPost, "/api/ids/data", strings.NewReader(string(body)))
	w := httptest.NewRecorder()

	s.handleMessage(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	var resp models.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Type != models.MsgDescriptionResponse {
		t.Fatalf("unexpected response type: %s", resp.Type)
	}
	if resp.CorrelationID != "msg-1" {
		t.Fatalf("expected correlation msg-1, got %s", resp.CorrelationID)
	}
}

func TestHandleMessageInvalidJSON(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/ids/data", strings.NewReader("{"))
	w := httptest.NewRecorder()

	s.handleMessage(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleMessagePrincipalOverridesIssuer(t *testing.T) {
	s := newTestServer()
	env := validEnvelope(models.MsgDescriptionRequest)
	env.IssuerConnector = "https://spoofed.example"
	body, _ := json.Marshal(env)

	req := httptest.NewRequest(http.MethodPost, "/api/ids/data", strings.NewReader(string(body)))
	principal := auth.Principal{Subject: "sub-1", Connector: "https://verified.example"}
	req = req.WithContext(auth.WithPrincipal(req.Context(), principal))
	w := httptest.NewRecorder()

	s.handleMessage(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp models.Envelope
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	var payload map[string]string
	_ = json.Unmarshal(resp.Payload, &payload)
	if payload["issuer"] != "https://verified.example" {
		t.Fatalf("expected verified DAT issuer to win, got %s", payload["issuer"])
	}
}

func TestHandleMessageRateLimited(t *testing.T) {
	s := newTestServer()
	s.RateLimitEnabled = true
	s.RateLimitPerMinute = 1
	s.RateLimiter = ratelimit.NewInMemory(time.Minute)

	body, _ := json.Marshal(validEnvelope(models.MsgDescriptionRequest))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/ids/data", strings.NewReader(string(body)))
		req.RemoteAddr = "10.0.0.9:1234"
		w := httptest.NewRecorder()
		s.handleMessage(w, req)
		if i == 0 && w.Code != http.StatusOK {
			t.Fatalf("first request should pass, got %d", w.Code)
		}
		if i == 1 {
			if w.Code != http.StatusTooManyRequests {
				t.Fatalf("second request should be limited, got %d", w.Code)
			}
			if w.Header().Get("Retry-After") == "" {
				t.Fatal("expected Retry-After header")
			}
		}
	}
}

func TestCheckRateLimitKeyedByConnector(t *testing.T) {
	s := &Server{
		RateLimitEnabled:   true,
		RateLimitPerMinute: 1,
		RateLimiter:        ratelimit.NewInMemory(time.Minute),
	}
	mkReq := func(connector string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/ids/data", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{Subject: "s", Connector: connector}))
		return req
	}
	if blocked, _ := s.checkRateLimit(mkReq("https://a.example")); blocked {
		t.Fatal("first request for connector a should pass")
	}
	if blocked, _ := s.checkRateLimit(mkReq("https://b.example")); blocked {
		t.Fatal("different connector must have its own budget")
	}
	if blocked, _ := s.checkRateLimit(mkReq("https://a.example")); !blocked {
		t.Fatal("second request for connector a should be limited")
	}
}

func TestCheckRateLimitDisabled(t *testing.T) {
	s := &Server{RateLimitEnabled: false}
	req := httptest.NewRequest(http.MethodPost, "/api/ids/data", nil)
	if blocked, _ := s.checkRateLimit(req); blocked {
		t.Fatal("disabled limiter must not block")
	}
	s = &Server{RateLimitEnabled: true, RateLimiter: ratelimit.NewInMemory(time.Minute), RateLimitPerMinute: 0}
	if blocked, _ := s.checkRateLimit(req); blocked {
		t.Fatal("zero limit disables the check")
	}
}

func TestHandleMessageAgreementAndAccessCounters(t *testing.T) {
	s := newTestServer()
	s.Dispatch.Register(models.MsgContractRequest, func(ctx context.Context, nc *negotiation.Context, env models.Envelope) models.Envelope {
		return models.Envelope{Type: models.MsgContractAgreement, ModelVersion: "4.2.7", IssuerConnector: "https://provider.example"}
	})
	s.Dispatch.Register(models.MsgArtifactRequest, func(ctx context.Context, nc *negotiation.Context, env models.Envelope) models.Envelope {
		return models.Envelope{Type: models.MsgArtifactResponse, ModelVersion: "4.2.7", IssuerConnector: "https://provider.example"}
	})

	for _, msgType := range []models.MessageType{models.MsgContractRequest, models.MsgArtifactRequest} {
		body, _ := json.Marshal(validEnvelope(msgType))
		w := httptest.NewRecorder()
		s.handleMessage(w, httptest.NewRequest(http.MethodPost, "/api/ids/data", strings.NewReader(string(body))))
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", msgType, w.Code)
		}
	}
	snap := s.Metrics.Snapshot()
	if snap.Agreements["created"] != 1 {
		t.Fatalf("expected one created agreement, got %v", snap.Agreements)
	}
	if snap.Access["granted"] != 1 {
		t.Fatalf("expected one granted access, got %v", snap.Access)
	}
}

func TestRegistryRecorder(t *testing.T) {
	registry := metrics.NewRegistry()
	rec := registryRecorder{registry}
	rec.Message("DescriptionRequestMessage")
	rec.Message("DescriptionRequestMessage")
	rec.Rejection("NOT_FOUND")

	snap := registry.Snapshot()
	if snap.MessageTypes["DescriptionRequestMessage"] != 2 {
		t.Fatalf("unexpected message counts: %v", snap.MessageTypes)
	}
	if snap.Rejections["NOT_FOUND"] != 1 {
		t.Fatalf("unexpected rejection counts: %v", snap.Rejections)
	}
}

type countingSink struct {
	agreements int
	accesses   int
}

func (c *countingSink) AgreementCreated(ctx context.Context, ag models.ContractAgreement) {
	c.agreements++
}

func (c *countingSink) AccessGranted(ctx context.Context, agreementID, artifactID string, count int64) {
	c.accesses++
}

func TestEventFanout(t *testing.T) {
	first := &countingSink{}
	second := &countingSink{}
	fan := eventFanout{first, second}

	fan.AgreementCreated(context.Background(), models.ContractAgreement{ID: "ag-1"})
	fan.AccessGranted(context.Background(), "ag-1", "art-1", 3)

	for i, sink := range []*countingSink{first, second} {
		if sink.agreements != 1 || sink.accesses != 1 {
			t.Fatalf("sink %d missed events: %+v", i, sink)
		}
	}
}

func TestGetAgreementNotFound(t *testing.T) {
	s := &Server{Ledger: &ledger.Store{DB: &fakeConnectorDB{rowErr: pgx.ErrNoRows}}}
	req := httptest.NewRequest(http.MethodGet, "/api/admin/agreements/ag-404", nil)
	w := httptest.NewRecorder()

	s.getAgreement(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", w.Code, w.Body.String())
	}
}

func TestListResourcesQueryError(t *testing.T) {
	s := &Server{Catalog: &catalog.Store{DB: &fakeConnectorDB{queryErr: errors.New("db down")}}}
	w := httptest.NewRecorder()
	s.listResources(w, httptest.NewRequest(http.MethodGet, "/api/admin/resources", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestGetUsageQueryError(t *testing.T) {
	s := &Server{Audit: &audit.Writer{DB: &fakeConnectorDB{queryErr: errors.New("db down")}}}
	w := httptest.NewRecorder()
	s.getUsage(w, httptest.NewRequest(http.MethodGet, "/api/admin/agreements/ag-1/usage", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestCreateResourceRejectsBadBase64(t *testing.T) {
	s := &Server{}
	body := `{"description":{"id":"r1"},"payload":"%%%not-base64%%%"}`
	w := httptest.NewRecorder()
	s.createResource(w, httptest.NewRequest(http.MethodPost, "/api/admin/resources", strings.NewReader(body)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRequestDescriptionServesCached(t *testing.T) {
	cache := store.NewMemoryCache()
	key := "desc:https://peer.example|art-1"
	cached := `{"local_id":"local-1","description":{"id":"art-1"}}`
	if err := cache.Set(context.Background(), key, cached, time.Minute); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	s := &Server{Cache: cache, DescriptionCacheTTL: time.Minute}

	body := `{"recipient":"https://peer.example","element_id":"art-1"}`
	w := httptest.NewRecorder()
	s.requestDescription(w, httptest.NewRequest(http.MethodPost, "/api/admin/negotiation/description", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from cache, got %d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"local_id":"local-1"`) {
		t.Fatalf("expected cached body, got %s", w.Body.String())
	}
}

func TestRequestContractRejectsBadRecipient(t *testing.T) {
	s := &Server{}
	for _, body := range []string{"{", `{"recipient":"not a url"}`, `{"recipient":""}`} {
		w := httptest.NewRecorder()
		s.requestContract(w, httptest.NewRequest(http.MethodPost, "/api/admin/negotiation/contract", strings.NewReader(body)))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for body %q, got %d", body, w.Code)
		}
	}
}

func TestWriteNegotiationError(t *testing.T) {
	t.Run("not_authorized_maps_to_403", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeNegotiationError(w, &negotiation.RejectionError{Reason: models.RejectNotAuthorized, Text: "denied"})
		if w.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "NOT_AUTHORIZED") {
			t.Fatalf("expected rejection reason in body, got %s", w.Body.String())
		}
	})
	t.Run("other_rejection_maps_to_502", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeNegotiationError(w, &negotiation.RejectionError{Reason: models.RejectNotFound})
		if w.Code != http.StatusBadGateway {
			t.Fatalf("expected 502, got %d", w.Code)
		}
	})
	t.Run("contract_mismatch_maps_to_409", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeNegotiationError(w, negotiation.ErrContractMismatch)
		if w.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", w.Code)
		}
	})
	t.Run("generic_maps_to_502", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeNegotiationError(w, errors.New("connection refused"))
		if w.Code != http.StatusBadGateway {
			t.Fatalf("expected 502, got %d", w.Code)
		}
	})
}

func TestWithRoles(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }

	t.Run("auth_off_bypasses", func(t *testing.T) {
		s := &Server{AuthMode: "off"}
		w := httptest.NewRecorder()
		s.withRoles(handler, "operator")(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusNoContent {
			t.Fatalf("expected bypass, got %d", w.Code)
		}
	})
	t.Run("missing_principal_401", func(t *testing.T) {
		s := &Server{AuthMode: "daps_hs256"}
		w := httptest.NewRecorder()
		s.withRoles(handler, "operator")(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})
	t.Run("wrong_role_403", func(t *testing.T) {
		s := &Server{AuthMode: "daps_hs256"}
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{Subject: "s", Roles: []string{"viewer"}}))
		w := httptest.NewRecorder()
		s.withRoles(handler, "operator", "admin")(w, req)
		if w.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", w.Code)
		}
	})
	t.Run("matching_role_passes", func(t *testing.T) {
		s := &Server{AuthMode: "daps_hs256"}
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{Subject: "s", Roles: []string{"admin"}}))
		w := httptest.NewRecorder()
		s.withRoles(handler, "operator", "admin")(w, req)
		if w.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", w.Code)
		}
	})
}

func TestMetricsMiddleware(t *testing.T) {
	s := &Server{Metrics: metrics.NewRegistry()}
	h := s.metricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/brew", nil))
	if w.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", w.Code)
	}
	snap := s.Metrics.Snapshot()
	stat, ok := snap.Endpoints["GET /brew"]
	if !ok {
		t.Fatalf("expected endpoint stat, got %v", snap.Endpoints)
	}
	if stat.LastStatusCode != http.StatusTeapot {
		t.Fatalf("expected 418 recorded, got %d", stat.LastStatusCode)
	}
}

func TestLimitRequestBodyMiddleware(t *testing.T) {
	s := &Server{MaxRequestBodyBytes: 8}
	h := s.limitRequestBodyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := readRequestBody(w, r); !ok {
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("well over eight bytes")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("tiny")))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 under limit, got %d", w.Code)
	}
}

func TestStreamEventsWithoutHub(t *testing.T) {
	s := &Server{}
	w := httptest.NewRecorder()
	s.streamEvents(w, httptest.NewRequest(http.MethodGet, "/api/ids/events", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestStreamEventsDeliversPublished(t *testing.T) {
	hub := events.NewHub()
	s := &Server{Events: hub}
	srv := httptest.NewServer(http.HandlerFunc(s.streamEvents))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var ready events.Event
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Type != "ready" {
		t.Fatalf("expected ready event first, got %s", ready.Type)
	}

	hub.AgreementCreated(ctx, models.ContractAgreement{ID: "ag-1"})
	var evt events.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != events.TypeAgreementCreated {
		t.Fatalf("expected agreement event, got %s", evt.Type)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4433"
	if got := clientIP(req); got != "192.0.2.7" {
		t.Fatalf("expected host only, got %s", got)
	}
	req.RemoteAddr = "192.0.2.7"
	if got := clientIP(req); got != "192.0.2.7" {
		t.Fatalf("expected raw addr, got %s", got)
	}
	req.RemoteAddr = ""
	if got := clientIP(req); got != "unknown" {
		t.Fatalf("expected unknown, got %s", got)
	}
}

func TestParseList(t *testing.T) {
	if got := parseList(""); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
	got := parseList(" a, ,b ,c")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected parse: %v", got)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CONNECTOR_TEST_STR", "value")
	if env("CONNECTOR_TEST_STR", "fallback") != "value" {
		t.Fatal("expected env value")
	}
	if env("CONNECTOR_TEST_MISSING", "fallback") != "fallback" {
		t.Fatal("expected fallback")
	}
	t.Setenv("CONNECTOR_TEST_INT", "42")
	if envInt("CONNECTOR_TEST_INT", 7) != 42 {
		t.Fatal("expected parsed int")
	}
	t.Setenv("CONNECTOR_TEST_INT", "not-a-number")
	if envInt("CONNECTOR_TEST_INT", 7) != 7 {
		t.Fatal("expected fallback on parse error")
	}
	if envDurationSec("CONNECTOR_TEST_MISSING", 30) != 30*time.Second {
		t.Fatal("expected duration fallback")
	}
}

func TestEnvironmentClassifiers(t *testing.T) {
	for _, v := range []string{"prod", "Production", " staging ", "stage"} {
		if !isProductionLikeEnv(v) {
			t.Fatalf("expected %q to be production-like", v)
		}
	}
	for _, v := range []string{"dev", "development", "LOCAL", "test", "testing"} {
		if !isExplicitNonProductionEnv(v) {
			t.Fatalf("expected %q to be explicit non-production", v)
		}
	}
	if isProductionLikeEnv("dev") || isExplicitNonProductionEnv("prod") {
		t.Fatal("classifier overlap")
	}
	if !isTestBinaryProcess() {
		t.Fatal("test binaries end in .test")
	}
}
