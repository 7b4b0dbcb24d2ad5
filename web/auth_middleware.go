package web

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// adminMiddleware guards admin endpoints with HTTP basic auth checked against
// a bcrypt hash. With no admin configured every request is rejected.
func (handler *HttpRouteHandler) adminMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || !handler.isAdmin(user, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="jobcore admin"`)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (handler *HttpRouteHandler) isAdmin(user, password string) bool {
	if handler.AdminUserName == "" || handler.AdminPasswordHash == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(handler.AdminUserName)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(handler.AdminPasswordHash), []byte(password)) == nil
}
