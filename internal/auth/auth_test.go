package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) *service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return NewService(Config{Username: "admin", PasswordHash: string(hash), Secret: []byte("test-secret")})
}

func TestLoginAndValidate(t *testing.T) {
	svc := newTestService(t)
	tok, err := svc.Login(context.Background(), "admin", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	sub, role, err := svc.ValidateToken(context.Background(), tok)
	if err != nil || sub != "admin" || role != RoleAdmin {
		t.Errorf("ValidateToken = %q %q %v", sub, role, err)
	}
}

func TestLogin_Rejects(t *testing.T) {
	svc := newTestService(t)
	for _, c := range [][2]string{{"admin", "wrong"}, {"root", "hunter2"}} {
		if _, err := svc.Login(context.Background(), c[0], c[1]); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Login(%q, %q) = %v", c[0], c[1], err)
		}
	}
	empty := NewService(Config{Username: "admin", Secret: []byte("x")})
	if _, err := empty.Login(context.Background(), "admin", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("login without configured hash: %v", err)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	svc := newTestService(t)
	svc.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	tok, err := svc.Login(context.Background(), "admin", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	svc.now = time.Now
	if _, _, err := svc.ValidateToken(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	tok, err := newTestService(t).Login(context.Background(), "admin", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	other := NewService(Config{Secret: []byte("other")})
	if _, _, err := other.ValidateToken(context.Background(), tok); err == nil {
		t.Error("token signed with another secret accepted")
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func TestHandlerLogin(t *testing.T) {
	h := NewHandler(newTestService(t), nil)

	rec := httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/login", strings.NewReader(`{"username":"admin","password":"hunter2"}`)))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"token"`) {
		t.Errorf("status %d body %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/login", strings.NewReader(`{"username":"admin","password":"nope"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/login", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: status %d", rec.Code)
	}
}
