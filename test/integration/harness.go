// Package integration provides a reusable test harness for end-to-end
// integration testing of the batchflow server. It starts a full HTTP server
// with the built-in catalog, real token verification and optional Redis and
// NATS backends running in process.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/batchflow/internal/capability"
	"github.com/pitabwire/batchflow/internal/catalog"
	"github.com/pitabwire/batchflow/internal/config"
	"github.com/pitabwire/batchflow/internal/events"
	"github.com/pitabwire/batchflow/internal/idempotency"
	"github.com/pitabwire/batchflow/internal/observability"
	"github.com/pitabwire/batchflow/internal/transport"
	"github.com/pitabwire/batchflow/internal/workflow"
	"github.com/pitabwire/batchflow/model"
)

// TestHarness encapsulates a fully wired batchflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Catalog       *catalog.Catalog
	Policy        *capability.Policy
	WorkflowStore *workflow.MemoryStore
	Engine        *workflow.Engine
	Idempotency   idempotency.Store
	Metrics       *observability.Metrics
	Registry      *prometheus.Registry

	// Redis is set when the harness runs with WithRedisIdempotency.
	Redis *miniredis.Miniredis
	// NATS is set when the harness runs with WithNATSEvents.
	NATS *natsserver.Server

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	redisIdempotency bool
	noIdempotency    bool
	natsEvents       bool
	handlerTimeout   time.Duration
	logger           *zap.Logger
}

// WithRedisIdempotency backs the idempotency store with an in-process Redis.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.redisIdempotency = true
	}
}

// WithoutIdempotency disables idempotency key handling.
func WithoutIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.noIdempotency = true
	}
}

// WithNATSEvents publishes phase events to an embedded NATS server.
func WithNATSEvents() HarnessOption {
	return func(c *harnessConfig) {
		c.natsEvents = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithLogger sets the logger shared by the engine and the router.
func WithLogger(logger *zap.Logger) HarnessOption {
	return func(c *harnessConfig) {
		c.logger = logger
	}
}

// NewTestHarness creates and starts a full batchflow test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:             t,
		issuer:        newTokenIssuer(t),
		Catalog:       catalog.Default(),
		Policy:        capability.DefaultPolicy(),
		WorkflowStore: workflow.NewMemoryStore(),
		Registry:      prometheus.NewRegistry(),
	}
	h.Metrics = observability.InitMetrics(h.Registry)

	// Step 1: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.PublicKeyFile = h.issuer.PublicKeyFile()
	h.cfg.Idempotency.Enabled = !hc.noIdempotency

	// Step 2: Idempotency store.
	if hc.redisIdempotency {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { client.Close() })
		h.Idempotency = idempotency.NewRedisStore(client)
	} else {
		h.Idempotency = idempotency.NewMemoryStore()
	}

	// Step 3: Event publisher.
	var publisher events.Publisher = events.NopPublisher{}
	var publisherCheck observability.HealthChecker
	if hc.natsEvents {
		h.NATS = runNATS(t)
		pub, err := events.ConnectNATS(events.NATSOptions{
			URL:           h.NATS.ClientURL(),
			Name:          "batchflow-integration",
			SubjectPrefix: h.cfg.Events.SubjectPrefix,
			MaxReconnects: 1,
			ReconnectWait: 10 * time.Millisecond,
		}, hc.logger)
		if err != nil {
			t.Fatalf("connect NATS: %v", err)
		}
		t.Cleanup(pub.Close)
		publisher = pub
		publisherCheck = pub
	}

	// Step 4: Engine.
	h.Engine = workflow.NewEngine(h.Catalog, h.Policy, h.WorkflowStore,
		workflow.WithLogger(hc.logger),
		workflow.WithMetrics(h.Metrics),
		workflow.WithPublisher(publisher),
	)

	// Step 5: Build router with full middleware chain.
	key, err := transport.LoadPublicKey(h.issuer.PublicKeyFile())
	if err != nil {
		t.Fatalf("load public key: %v", err)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Engine:       h.Engine,
		Policy:       h.Policy,
		Idempotency:  h.Idempotency,
		Metrics:      h.Metrics,
		Logger:       hc.logger,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, key),
		Readiness: observability.ReadinessChecks{
			CatalogLoaded:    func() bool { return len(h.Catalog.ProductTypes()) > 0 },
			RolesLoaded:      func() bool { return len(h.Policy.Roles()) > 0 },
			WorkflowStore:    h.WorkflowStore,
			IdempotencyStore: h.Idempotency,
			EventPublisher:   publisherCheck,
		},
		MetricsHandler: observability.Handler(h.Registry),
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

func runNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("start NATS: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// TokenFor returns a token for an operator named after the role.
func (h *TestHarness) TokenFor(role string) string {
	return h.GenerateToken(OperatorClaims(role))
}

// TokenForPhase returns a token for an operator holding a role authorized
// for phase.
func (h *TestHarness) TokenForPhase(phase model.Phase) string {
	h.t.Helper()
	role, ok := h.Policy.FirstAuthorized(h.Policy.Roles(), phase)
	if !ok {
		h.t.Fatalf("no role authorized for %s", phase)
	}
	return h.TokenFor(role)
}

// SubscribeEvents opens a subscription on the embedded NATS server.
func (h *TestHarness) SubscribeEvents(subject string) *nats.Subscription {
	h.t.Helper()
	if h.NATS == nil {
		h.t.Fatal("harness started without WithNATSEvents")
	}
	nc, err := nats.Connect(h.NATS.ClientURL())
	if err != nil {
		h.t.Fatalf("connect NATS subscriber: %v", err)
	}
	h.t.Cleanup(nc.Close)
	sub, err := nc.SubscribeSync(subject)
	if err != nil {
		h.t.Fatalf("subscribe %s: %v", subject, err)
	}
	if err := nc.Flush(); err != nil {
		h.t.Fatalf("flush subscription: %v", err)
	}
	return sub
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// Do sends a raw request with the given headers and no authentication.
func (h *TestHarness) Do(method, path string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, nil, "", headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			bodyReader = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				h.t.Fatalf("marshal request body: %v", err)
			}
			bodyReader = strings.NewReader(string(data))
		}
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, expected int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}

// --- Workflow helpers ---

// Instantiate creates the batch workflow and returns the initial report.
func (h *TestHarness) Instantiate(t *testing.T, batchID string, product model.Product) model.StatusReport {
	t.Helper()
	var report model.StatusReport
	h.AssertJSON(t, h.POST(PhasePath(batchID, "")+"workflow", product, h.TokenFor(capability.RoleQAManager)), http.StatusCreated, &report)
	return report
}

// StartPhase starts phase as an operator authorized for it.
func (h *TestHarness) StartPhase(t *testing.T, batchID string, phase model.Phase) model.PhaseExecution {
	t.Helper()
	var exec model.PhaseExecution
	h.AssertJSON(t, h.POST(PhasePath(batchID, phase)+"/start", nil, h.TokenForPhase(phase)), http.StatusOK, &exec)
	return exec
}

// CompletePhase completes phase as an operator authorized for it and
// returns the activated execution, if any.
func (h *TestHarness) CompletePhase(t *testing.T, batchID string, phase model.Phase, comments string) *model.PhaseExecution {
	t.Helper()
	var resp transport.CompleteResponse
	body := map[string]string{"comments": comments}
	h.AssertJSON(t, h.POST(PhasePath(batchID, phase)+"/complete", body, h.TokenForPhase(phase)), http.StatusOK, &resp)
	return resp.Activated
}

// Run starts and completes each phase in turn.
func (h *TestHarness) Run(t *testing.T, batchID string, phases ...model.Phase) {
	t.Helper()
	for _, p := range phases {
		h.StartPhase(t, batchID, p)
		h.CompletePhase(t, batchID, p, "")
	}
}

// Status fetches the batch status report.
func (h *TestHarness) Status(t *testing.T, batchID string) model.StatusReport {
	t.Helper()
	var report model.StatusReport
	h.AssertJSON(t, h.GET(PhasePath(batchID, "")+"status", h.TokenFor(capability.RoleQAManager)), http.StatusOK, &report)
	return report
}

// Executions fetches the batch's phase executions keyed by phase.
func (h *TestHarness) Executions(t *testing.T, batchID string) map[model.Phase]model.PhaseExecution {
	t.Helper()
	var body struct {
		Data []model.PhaseExecution `json:"data"`
	}
	h.AssertJSON(t, h.GET(PhasePath(batchID, "")+"phases", h.TokenFor(capability.RoleQAManager)), http.StatusOK, &body)
	out := make(map[model.Phase]model.PhaseExecution, len(body.Data))
	for _, e := range body.Data {
		out[e.Phase] = e
	}
	return out
}

// --- Default test claims ---

// OperatorClaims returns TestClaims for an operator holding a single role.
func OperatorClaims(role string) TestClaims {
	return TestClaims{
		OperatorID: "op-" + strings.ReplaceAll(role, "_", "-"),
		Roles:      []string{role},
	}
}

// PhasePath returns the batch route prefix, or the phase route when phase is
// set.
func PhasePath(batchID string, phase model.Phase) string {
	if phase == "" {
		return fmt.Sprintf("/batches/%s/", batchID)
	}
	return fmt.Sprintf("/batches/%s/phases/%s", batchID, phase)
}
