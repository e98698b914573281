// Package integration provides a reusable test harness for end-to-end
// integration testing of the approvals server. It starts a full HTTP server
// with in-memory stores and a test JWT issuer.
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

	"go.uber.org/zap"

	"github.com/medlar/approvals/internal/capability"
	"github.com/medlar/approvals/internal/config"
	"github.com/medlar/approvals/internal/definition"
	"github.com/medlar/approvals/internal/notify"
	"github.com/medlar/approvals/internal/observability"
	"github.com/medlar/approvals/internal/scheduling"
	"github.com/medlar/approvals/internal/transport"
	"github.com/medlar/approvals/internal/verification"
	"github.com/medlar/approvals/internal/workflow"
)

// TestHarness encapsulates a fully wired approvals server with in-memory
// stores for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry         *definition.Registry
	WorkflowStore    *workflow.MemoryWorkflowStore
	WorkflowEngine   *workflow.Engine
	IdempotencyStore *workflow.MemoryIdempotencyStore
	Gate             *verification.Gate
	RecordStore      *verification.MemoryRecordStore
	Directory        *scheduling.MemoryDirectory
	Book             *scheduling.MemoryBook
	Solicitations    *scheduling.MemorySolicitations

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	policyFile     string
	handlerTimeout time.Duration
	autoScheduling bool
	idempotencyTTL time.Duration
}

// WithDefinitions adds YAML definition directories; loaded kinds override
// the built-in graphs with the same name.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithPolicyFile sets the static policy YAML file for visibility scope
// resolution. The default policy is used when unset.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithAutoScheduling toggles the automatic fallback scheduling attempt on
// exception rejection.
func WithAutoScheduling(enabled bool) HarnessOption {
	return func(c *harnessConfig) {
		c.autoScheduling = enabled
	}
}

// NewTestHarness creates and starts a full approvals server instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		autoScheduling: true,
		idempotencyTTL: time.Hour,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}
	logger := zap.NewNop()

	// Step 1: Load workflow definitions. Built-in graphs first, then YAML
	// overrides merged by kind.
	defs := definition.Builtin()
	if len(hc.definitionDirs) > 0 {
		loaded, err := definition.NewLoader().LoadAll(hc.definitionDirs)
		if err != nil {
			t.Fatalf("load definitions: %v", err)
		}
		byKind := make(map[string]int, len(defs))
		for i, d := range defs {
			byKind[d.Kind] = i
		}
		for _, d := range loaded {
			if i, ok := byKind[d.Kind]; ok {
				defs[i] = d
			} else {
				defs = append(defs, d)
			}
		}
	}
	h.Registry = definition.NewRegistry(defs)

	// Step 2: Build the visibility scope resolver. No caching in tests.
	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	scopes := capability.NewResolver(evaluator, 0)

	// Step 3: Build in-memory stores and domain services.
	h.WorkflowStore = workflow.NewMemoryWorkflowStore()
	h.IdempotencyStore = workflow.NewMemoryIdempotencyStore()
	h.RecordStore = verification.NewMemoryRecordStore()
	h.Gate = verification.NewGate(h.RecordStore, nil)

	h.Directory = scheduling.NewMemoryDirectory()
	h.Book = scheduling.NewMemoryBook()
	h.Solicitations = scheduling.NewMemorySolicitations()
	scheduler := scheduling.NewService(h.Directory, h.Book, h.Solicitations, nil, logger)

	// Step 4: Build the engine and the idempotent executor.
	h.WorkflowEngine = workflow.NewEngine(
		h.Registry,
		h.WorkflowStore,
		h.Gate,
		workflow.NewHookSet(h.Gate, scheduler),
		scopes,
		nil,
		logger,
		workflow.Options{AutoSchedulingEnabled: hc.autoScheduling},
	)
	executor := workflow.NewIdempotentExecutor(h.WorkflowEngine, h.IdempotencyStore, hc.idempotencyTTL)

	// Step 5: Create JWT issuer and build config around it.
	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Scheduling.AutoSchedulingEnabled = hc.autoScheduling

	// Step 6: Build the router with the full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour, logger)

	handlers := transport.NewHandlers(
		h.Registry,
		h.WorkflowEngine,
		executor,
		h.Gate,
		notify.NewLogNotifier(logger),
		nil,
		logger,
	)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Handlers:     handlers,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return true },
		},
	})

	// Step 7: Start the test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
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

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
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

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
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

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

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

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
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

// --- Default test claims ---

// CommercialClaims returns TestClaims for a commercial user.
func CommercialClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-commercial",
		EntityID:  "plan-acme",
		Email:     "commercial@medlar.example.com",
		Roles:     []string{"commercial"},
	}
}

// LegalClaims returns TestClaims for a legal reviewer.
func LegalClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-legal",
		EntityID:  "plan-acme",
		Email:     "legal@medlar.example.com",
		Roles:     []string{"legal"},
	}
}

// DirectorClaims returns TestClaims for a director.
func DirectorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-director",
		EntityID:  "plan-acme",
		Email:     "director@medlar.example.com",
		Roles:     []string{"director"},
	}
}

// NetworkManagerClaims returns TestClaims for a network manager.
func NetworkManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-netmgr",
		EntityID:  "plan-acme",
		Email:     "netmgr@medlar.example.com",
		Roles:     []string{"network_manager"},
	}
}

// OperatorClaims returns TestClaims for a plan operator.
func OperatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-operator",
		EntityID:  "plan-acme",
		Email:     "operator@medlar.example.com",
		Roles:     []string{"operator"},
	}
}

// AdminClaims returns TestClaims for an administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		EntityID:  "plan-acme",
		Email:     "admin@medlar.example.com",
		Roles:     []string{"admin"},
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
