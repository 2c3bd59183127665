package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	for _, path := range []string{"/api/v1/sales/x", "/api/v1/inventory/movements", "/api/v1/journal-entries/x"} {
		rec := doRequest(t, handler, http.MethodGet, path, "", nil, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
}

func TestAdminRoutesRejectCashier(t *testing.T) {
	api, _ := newTestAPI(t)
	token := mustToken(t, api, testTenant, RoleCashier)

	rec := doRequest(t, api.Handler(), http.MethodPost, "/api/v1/inventory/reconcile", token,
		map[string]string{"product_id": "prod-bag", "warehouse_id": "main-warehouse"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRepeatedBadTokensAreThrottled(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	for i := 0; i < 11; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/inventory/movements", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		handler.ServeHTTP(res, req)

		if i < 10 && res.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, res.Code)
		}
		if i == 10 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 11 expected 429, got %d", res.Code)
		}
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api, _ := newTestAPI(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"branch_id":"%s"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+mustToken(t, api, testTenant, RoleCashier))
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "too large") {
		t.Fatalf("expected body-too-large message, got %s", res.Body.String())
	}
}

func TestWrongMethodReturns405(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doRequest(t, api.Handler(), http.MethodDelete, "/healthz", "", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
