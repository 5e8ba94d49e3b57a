package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/tom-assistant/tom/internal/config"
	"github.com/tom-assistant/tom/internal/sessions"
)

// sessionCookie is the name of the opaque session cookie.
const sessionCookie = "tom_session"

// checkPassword compares the supplied password against the stored SHA-256
// hex digest in constant time.
func checkPassword(user config.UserConfig, password string) bool {
	sum := sha256.Sum256([]byte(password))
	digest := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(digest), []byte(user.Password)) == 1
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		s.serveStaticFile(w, r, "login.html")
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	user, ok := s.config.User(username)
	if !ok || !checkPassword(user, password) {
		s.logger.Warn(r.Context(), "login rejected", "username", username)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	session, err := s.sessions.Create(r.Context(), username)
	if err != nil {
		s.logger.Error(r.Context(), "session creation failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session.ID,
		Path:     "/",
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessions.DefaultTTL / time.Second),
	})
	s.logger.Info(r.Context(), "login succeeded", "username", username)
	http.Redirect(w, r, "/index", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		if err := s.sessions.Delete(r.Context(), cookie.Value); err != nil {
			s.logger.Warn(r.Context(), "session delete failed", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	http.Redirect(w, r, "/auth", http.StatusFound)
}

// authenticate resolves the session cookie to a username. The session store
// slides the TTL on every successful lookup.
func (s *Server) authenticate(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return "", false
	}
	session, err := s.sessions.Get(r.Context(), cookie.Value)
	if err != nil {
		return "", false
	}
	return session.Username, true
}

// requireAuth wraps a handler, rejecting requests without a live session and
// passing the username through.
func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, ok := s.authenticate(r)
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next(w, r, username)
	}
}
