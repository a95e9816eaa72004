package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/batchflow/internal/capability"
	"github.com/pitabwire/batchflow/model"
)

// ==========================================================================
// Authentication Tests
// ==========================================================================

func TestSecurity_NoAuthHeader_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	endpoints := []struct{ method, path string }{
		{"POST", "/batches/B-1/workflow"},
		{"GET", "/batches/B-1/status"},
		{"GET", "/batches/B-1/phases"},
		{"GET", "/batches/B-1/phases/mixing"},
		{"GET", "/products/ointment/phases"},
		{"GET", "/batches/B-1/events"},
		{"GET", "/batches/B-1/tasks?role=qa_manager"},
		{"POST", "/batches/B-1/phases/mixing/start"},
		{"POST", "/batches/B-1/phases/mixing/complete"},
		{"POST", "/batches/B-1/phases/post_mixing_qc/fail"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			resp := h.Do(ep.method, ep.path, nil)
			h.AssertErrorCode(t, resp, http.StatusUnauthorized, model.ErrUnauthorized)
		})
	}
}

func TestSecurity_ExpiredJWT_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateExpiredToken(OperatorClaims(capability.RoleQAManager))

	resp := h.GET("/batches/B-1/status", token)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_InvalidSignature_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	// Sign with a key the server does not trust.
	differentKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	claims := jwt.MapClaims{
		"iss":   h.issuer.Issuer(),
		"aud":   h.issuer.Audience(),
		"sub":   "op-1",
		"exp":   jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"roles": []any{capability.RoleQAManager},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(differentKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	resp := h.GET("/batches/B-1/status", signed)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_NoneAlgorithm_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"admin","iss":"https://auth.plant.test","aud":"batchflow-test","roles":["qa_manager"]}`))
	noneToken := header + "." + payload + "."

	resp := h.GET("/batches/B-1/status", noneToken)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_MalformedToken_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	for _, token := range []string{"not-a-jwt", "a.b.c", strings.Repeat("x", 4096)} {
		resp := h.GET("/batches/B-1/status", token)
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	}
}

func TestSecurity_TokenWithoutSubject_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(TestClaims{Roles: []string{capability.RoleQAManager}})

	resp := h.GET("/batches/B-1/status", token)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

// ==========================================================================
// Authorization Tests
// ==========================================================================

func TestSecurity_OperatorCannotActOutsideRole(t *testing.T) {
	h := NewTestHarness(t)
	h.Instantiate(t, "B-1", model.Product{Type: model.ProductOintment})

	// A mixing operator may not start BMR creation.
	resp := h.POST(PhasePath("B-1", model.PhaseBMRCreation)+"/start", nil, h.TokenFor(capability.RoleMixingOperator))
	h.AssertErrorCode(t, resp, http.StatusForbidden, model.ErrForbidden)

	// A QC analyst may not complete BMR creation started by the QA manager.
	h.StartPhase(t, "B-1", model.PhaseBMRCreation)
	resp = h.POST(PhasePath("B-1", model.PhaseBMRCreation)+"/complete", nil, h.TokenFor(capability.RoleQCAnalyst))
	h.AssertErrorCode(t, resp, http.StatusForbidden, model.ErrForbidden)

	exec := h.Executions(t, "B-1")[model.PhaseBMRCreation]
	if exec.Status != model.StatusInProgress {
		t.Errorf("bmr_creation = %s, want still in_progress", exec.Status)
	}
}

func TestSecurity_RolesComeFromTokenNotHeaders(t *testing.T) {
	h := NewTestHarness(t)
	h.Instantiate(t, "B-1", model.Product{Type: model.ProductOintment})

	resp := h.POSTWithHeaders(PhasePath("B-1", model.PhaseBMRCreation)+"/start", nil,
		h.TokenFor(capability.RoleMixingOperator),
		map[string]string{"X-Roles": capability.RoleQAManager},
	)
	h.AssertStatus(t, resp, http.StatusForbidden)
}

func TestSecurity_TasksLimitedToHeldRoles(t *testing.T) {
	h := NewTestHarness(t)
	h.Instantiate(t, "B-1", model.Product{Type: model.ProductOintment})

	resp := h.GET(PhasePath("B-1", "")+"tasks?role="+capability.RoleQAManager, h.TokenFor(capability.RoleMixingOperator))
	h.AssertErrorCode(t, resp, http.StatusForbidden, model.ErrForbidden)
}

func TestSecurity_MultiRoleOperator(t *testing.T) {
	h := NewTestHarness(t)
	h.Instantiate(t, "B-1", model.Product{Type: model.ProductOintment})

	token := h.GenerateToken(TestClaims{
		OperatorID: "op-supervisor",
		Roles:      []string{capability.RoleMixingOperator, capability.RoleQAManager},
	})
	h.AssertStatus(t, h.POST(PhasePath("B-1", model.PhaseBMRCreation)+"/start", nil, token), http.StatusOK)
	h.AssertStatus(t, h.POST(PhasePath("B-1", model.PhaseBMRCreation)+"/complete", nil, token), http.StatusOK)

	exec := h.Executions(t, "B-1")[model.PhaseBMRCreation]
	if exec.StartedBy != "op-supervisor" || exec.CompletedBy != "op-supervisor" {
		t.Errorf("operators = %q/%q, want op-supervisor", exec.StartedBy, exec.CompletedBy)
	}
}

// ==========================================================================
// Information Leakage Tests
// ==========================================================================

func TestSecurity_ErrorResponseNoStackTrace(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.POST(PhasePath("B-missing", model.PhaseMixing)+"/start", nil, h.TokenFor(capability.RoleMixingOperator))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	bodyStr := string(h.ReadBody(resp))

	sensitivePatterns := []string{
		"goroutine",
		".go:",
		"panic",
		"runtime.",
		"/internal/",
	}

	for _, pattern := range sensitivePatterns {
		if strings.Contains(bodyStr, pattern) {
			t.Errorf("error response contains sensitive pattern %q: %s", pattern, bodyStr)
		}
	}
}

// ==========================================================================
// Security Headers Tests
// ==========================================================================

func TestSecurity_HeadersOnAuthenticatedResponse(t *testing.T) {
	h := NewTestHarness(t)
	h.Instantiate(t, "B-1", model.Product{Type: model.ProductOintment})

	resp := h.GET("/batches/B-1/status", h.TokenFor(capability.RoleQAManager))
	h.AssertStatus(t, resp, http.StatusOK)

	expectedHeaders := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}

	for name, expected := range expectedHeaders {
		actual := resp.Header.Get(name)
		if actual != expected {
			t.Errorf("header %s = %q, want %q", name, actual, expected)
		}
	}
}

func TestSecurity_HeadersOnErrorResponse(t *testing.T) {
	h := NewTestHarness(t)

	// Even 401 responses should have security headers.
	resp := h.GET("/batches/B-1/status", "")
	h.AssertStatus(t, resp, http.StatusUnauthorized)

	requiredHeaders := []string{
		"Strict-Transport-Security",
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Cache-Control",
		"Referrer-Policy",
	}

	for _, name := range requiredHeaders {
		if resp.Header.Get(name) == "" {
			t.Errorf("security header %s missing on error response", name)
		}
	}
}

func TestSecurity_CorrelationIDReturned(t *testing.T) {
	h := NewTestHarness(t)

	resp1 := h.Do("GET", "/health", nil)
	h.AssertStatus(t, resp1, http.StatusOK)
	if resp1.Header.Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id not set in response")
	}

	resp2 := h.Do("GET", "/health", map[string]string{"X-Correlation-Id": "line-3-shift-b"})
	h.AssertStatus(t, resp2, http.StatusOK)
	if got := resp2.Header.Get("X-Correlation-Id"); got != "line-3-shift-b" {
		t.Errorf("X-Correlation-Id = %q, want %q", got, "line-3-shift-b")
	}
}

// ==========================================================================
// CORS Tests
// ==========================================================================

func TestSecurity_CORSAllowedOrigin(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.Do("GET", "/health", map[string]string{"Origin": "http://localhost:3000"})
	h.AssertStatus(t, resp, http.StatusOK)

	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS not set for allowed origin")
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Expose-Headers"), "X-Idempotent-Replay") {
		t.Error("replay header not exposed to browsers")
	}
}

func TestSecurity_CORSDisallowedOrigin(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.Do("GET", "/health", map[string]string{"Origin": "https://evil.example.com"})
	h.AssertStatus(t, resp, http.StatusOK)

	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers should not be set for disallowed origin")
	}
}

func TestSecurity_CORSPreflightSkipsAuth(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.Do("OPTIONS", "/batches/B-1/phases/mixing/start", map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": "POST",
	})
	h.AssertStatus(t, resp, http.StatusNoContent)
}
