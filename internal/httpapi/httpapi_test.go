package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/sentrygate/sentrygate/internal/authn"
	"github.com/sentrygate/sentrygate/internal/autoscaler"
	"github.com/sentrygate/sentrygate/internal/event"
	"github.com/sentrygate/sentrygate/internal/processing"
	"github.com/sentrygate/sentrygate/internal/registry"
	"github.com/sentrygate/sentrygate/internal/supervisor"
)

func testSecret() []byte {
	return []byte(strings.Repeat("k", 32))
}

func newTestSupervisor(t *testing.T) *supervisor.Supervisor {
	t.Helper()
	sup := supervisor.New(supervisor.Config{
		Autoscaler: autoscaler.Config{MinInstances: 1, MaxInstances: 2},
		Clock:      clock.NewMock(),
	}, processing.ProcessorFunc(func(ctx context.Context, evt *event.Event, instanceID string) processing.Result {
		return processing.Result{Status: processing.Success}
	}))
	for _, inst := range sup.Registry().List() {
		sup.Registry().UpdateHealth(inst.ID, registry.Healthy)
	}
	return sup
}

func newTestIssuer(t *testing.T) *authn.Issuer {
	t.Helper()
	issuer, err := authn.New(authn.Config{Secret: testSecret()}, nil)
	if err != nil {
		t.Fatalf("building issuer: %v", err)
	}
	return issuer
}

func bearerToken(t *testing.T, issuer *authn.Issuer) string {
	t.Helper()
	tok, err := issuer.Issue("tenant-a", "operator")
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}
	return tok
}

func TestHealthEndpointIsUnauthenticated(t *testing.T) {
	srv := New(newTestSupervisor(t), newTestIssuer(t), nil, nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestEventSubmissionRequiresAuth(t *testing.T) {
	srv := New(newTestSupervisor(t), newTestIssuer(t), nil, nil)

	body := bytes.NewBufferString(`{"id":"1","priority":1}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/events", body)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without Authorization header, got %d", rr.Code)
	}
}

func TestEventSubmissionAcceptedWithValidToken(t *testing.T) {
	issuer := newTestIssuer(t)
	srv := New(newTestSupervisor(t), issuer, nil, nil)

	body := bytes.NewBufferString(`{"id":"1","priority":1}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/events", body)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, issuer))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestEventSubmissionRejectsMalformedAuthHeader(t *testing.T) {
	issuer := newTestIssuer(t)
	srv := New(newTestSupervisor(t), issuer, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString(`{"id":"1"}`))
	req.Header.Set("Authorization", bearerToken(t, issuer)) // missing "Bearer " prefix
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed header, got %d", rr.Code)
	}
}

func TestAdmissionModeRoundTrip(t *testing.T) {
	issuer := newTestIssuer(t)
	sup := newTestSupervisor(t)
	srv := New(sup, issuer, nil, nil)
	token := bearerToken(t, issuer)

	getReq := httptest.NewRequest(http.MethodGet, "/v1/admission-mode", nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRR := httptest.NewRecorder()
	srv.Handler().ServeHTTP(getRR, getReq)
	if getRR.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getRR.Code)
	}
	var got struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(getRR.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.Mode != "normal" {
		t.Fatalf("expected initial mode normal, got %q", got.Mode)
	}

	postReq := httptest.NewRequest(http.MethodPost, "/v1/admission-mode", bytes.NewBufferString(`{"mode":"freeze"}`))
	postReq.Header.Set("Authorization", "Bearer "+token)
	postRR := httptest.NewRecorder()
	srv.Handler().ServeHTTP(postRR, postReq)
	if postRR.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", postRR.Code, postRR.Body.String())
	}
	if sup.AdmissionMode() != supervisor.AdmissionFreeze {
		t.Fatalf("expected supervisor admission mode to be Freeze, got %v", sup.AdmissionMode())
	}

	submitReq := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString(`{"id":"2"}`))
	submitReq.Header.Set("Authorization", "Bearer "+token)
	submitRR := httptest.NewRecorder()
	srv.Handler().ServeHTTP(submitRR, submitReq)
	if submitRR.Code != http.StatusTooManyRequests {
		t.Fatalf("expected submission to be rejected while frozen, got %d", submitRR.Code)
	}
}

func TestAdmissionModeRejectsUnknownValue(t *testing.T) {
	issuer := newTestIssuer(t)
	srv := New(newTestSupervisor(t), issuer, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/admission-mode", bytes.NewBufferString(`{"mode":"bogus"}`))
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, issuer))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown mode, got %d", rr.Code)
	}
}

func TestCORSPreflightIsHandled(t *testing.T) {
	srv := New(newTestSupervisor(t), newTestIssuer(t), nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/v1/events", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for preflight, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header to be set on preflight response")
	}
}

type fakeIdempotencyCache struct {
	entries map[string]cachedResponse
}

func newFakeIdempotencyCache() *fakeIdempotencyCache {
	return &fakeIdempotencyCache{entries: make(map[string]cachedResponse)}
}

func (f *fakeIdempotencyCache) Get(ctx context.Context, key string) (*cachedResponse, bool) {
	resp, ok := f.entries[key]
	if !ok {
		return nil, false
	}
	return &resp, true
}

func (f *fakeIdempotencyCache) Set(ctx context.Context, key string, resp cachedResponse) {
	f.entries[key] = resp
}

func TestIdempotentSubmissionIsNotReprocessed(t *testing.T) {
	issuer := newTestIssuer(t)
	sup := newTestSupervisor(t)
	idem := newFakeIdempotencyCache()
	srv := New(sup, issuer, nil, idem)
	token := bearerToken(t, issuer)

	submit := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString(`{"id":"1"}`))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set(idempotencyHeader, "replay-key-1")
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		return rr
	}

	first := submit()
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected first submission accepted, got %d", first.Code)
	}

	sup.SetAdmissionMode(supervisor.AdmissionFreeze)
	second := submit()
	if second.Code != http.StatusAccepted {
		t.Fatalf("expected replayed response even though the supervisor is now frozen, got %d", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("expected replayed body to match the original response")
	}
}

func TestStreamEndpointReturnsNotImplementedWithoutHub(t *testing.T) {
	issuer := newTestIssuer(t)
	srv := New(newTestSupervisor(t), issuer, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, issuer))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 when no hub is configured, got %d", rr.Code)
	}
}

func TestUnauthenticatedServerPassesRequestsThrough(t *testing.T) {
	srv := New(newTestSupervisor(t), nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString(`{"id":"1"}`))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected submission accepted with auth disabled, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestQueueAndInstancesEndpoints(t *testing.T) {
	issuer := newTestIssuer(t)
	srv := New(newTestSupervisor(t), issuer, nil, nil)
	token := bearerToken(t, issuer)

	for _, path := range []string{"/v1/queue", "/v1/instances", "/v1/scaling/decisions"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}

func TestRunStartupBannerDoesNotPanic(t *testing.T) {
	RunStartupBanner(":8080", 1, 4)
}
