package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Dangere/syncora-backend/internal/auth"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer   abc  ", "abc", false},
		{"Basic abc", "", true},
		{"Bearer ", "", true},
		{"", "", true},
		{"Bear", "", true},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("extractBearerToken(%q) = %q, %v", tc.header, got, err)
		}
	}
}

func TestAuthenticatePutsAccountInContext(t *testing.T) {
	v, err := auth.NewVerifier("secret")
	if err != nil {
		t.Fatal(err)
	}
	token, err := v.Issue("acc-1", "alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	var seen string
	handler := Authenticate(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = callerID(r)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/sync", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || seen != "acc-1" {
		t.Fatalf("got %d with account %q", rr.Code, seen)
	}

	other, _ := auth.NewVerifier("other-secret")
	forged, _ := other.Issue("acc-1", "alice", time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/v1/sync", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a token signed with another secret, got %d", rr.Code)
	}
}

func TestAuthenticateLetsPreflightThrough(t *testing.T) {
	v, _ := auth.NewVerifier("secret")
	handler := Authenticate(v)(okHandler())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/v1/groups", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected preflight to pass, got %d", rr.Code)
	}
}
