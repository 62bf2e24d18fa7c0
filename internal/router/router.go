package router

import (
	"net/http"

	"github.com/melodyforge/backend/internal/auth"
	"github.com/melodyforge/backend/internal/dashboard"
)

// New returns an http.Handler that serves the admin API under /api/v1/admin.
// requireAdmin wraps every route except login.
func New(authHandler *auth.Handler, dashHandler *dashboard.Handler, requireAdmin func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1/admin"
	mux.HandleFunc(base+"/login", methodPOST(authHandler.Login))

	mux.Handle("GET "+base+"/accounts", requireAdmin(http.HandlerFunc(dashHandler.ListAccounts)))
	mux.Handle("GET "+base+"/accounts/{telegram_id}", requireAdmin(http.HandlerFunc(dashHandler.GetAccount)))
	mux.Handle("POST "+base+"/accounts/{telegram_id}/balance", requireAdmin(http.HandlerFunc(dashHandler.AdjustBalance)))
	mux.Handle("GET "+base+"/tasks/{id}", requireAdmin(http.HandlerFunc(dashHandler.GetTask)))
	return mux
}

func methodPOST(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}
