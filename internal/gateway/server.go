// Package gateway is the single public entry point: TLS termination, login
// sessions, FCM token registration, static assets, and per-user reverse
// proxying to backend and memory services.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tom-assistant/tom/internal/config"
	"github.com/tom-assistant/tom/internal/notify"
	"github.com/tom-assistant/tom/internal/observability"
	"github.com/tom-assistant/tom/internal/sessions"
)

// Server is the gateway HTTP server.
type Server struct {
	config         *config.Config
	sessions       *sessions.Store
	tokens         *notify.TokenStore
	logger         *observability.Logger
	metrics        *observability.Metrics
	registry       *prometheus.Registry
	staticDir      string
	upstreamClient *http.Client
	mux            *http.ServeMux
}

// Options configures the gateway.
type Options struct {
	Config    *config.Config
	Sessions  *sessions.Store
	Tokens    *notify.TokenStore
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Registry  *prometheus.Registry
	StaticDir string

	// UpstreamClient overrides the proxy client; tests point it at fakes.
	UpstreamClient *http.Client
}

// NewServer wires the routing table.
func NewServer(opts Options) *Server {
	client := opts.UpstreamClient
	if client == nil {
		client = &http.Client{Timeout: proxyTimeout}
	}
	s := &Server{
		config:         opts.Config,
		sessions:       opts.Sessions,
		tokens:         opts.Tokens,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		registry:       opts.Registry,
		staticDir:      opts.StaticDir,
		upstreamClient: client,
		mux:            http.NewServeMux(),
	}

	// Public routes.
	s.mux.HandleFunc("/auth", s.handleLogin)
	s.mux.HandleFunc("/login", s.handleLogin)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	if s.registry != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	// Authenticated local routes.
	s.mux.HandleFunc("/logout", s.requireAuth(func(w http.ResponseWriter, r *http.Request, _ string) {
		s.handleLogout(w, r)
	}))
	s.mux.HandleFunc("/index", s.requireAuth(s.handleIndex))
	s.mux.HandleFunc("/static/", s.requireAuth(s.handleStatic))
	s.mux.HandleFunc("/notificationconfig", s.requireAuth(s.handleNotificationConfig))
	s.mux.HandleFunc("/firebase_messaging_sw_js", s.requireAuth(s.handleFirebaseSW))
	s.mux.HandleFunc("POST /fcmtoken", s.requireAuth(s.handleFCMToken))
	s.mux.HandleFunc("POST /health", s.requireAuth(s.handleHealthReport))

	// Proxied routes.
	for _, path := range []string{"/process", "/reset", "/tasks", "/status", "/notifications"} {
		s.mux.HandleFunc(path, s.requireAuth(s.handleBackend))
	}
	s.mux.HandleFunc("/memory", s.requireAuth(s.handleMemory))
	s.mux.HandleFunc("/memory/", s.requireAuth(s.handleMemory))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.withRequestID(s.mux).ServeHTTP(rec, r)

	if s.metrics != nil {
		s.metrics.HTTPRequestCounter.WithLabelValues(
			r.Method, r.URL.Path, fmt.Sprintf("%d", rec.status)).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).
			Observe(time.Since(start).Seconds())
	}
}

// ListenAndServeTLS runs the gateway on :443. Missing cert or key is fatal;
// chain.pem is appended to the served certificate when present.
func (s *Server) ListenAndServeTLS(ctx context.Context, tlsDir string) error {
	certFile := filepath.Join(tlsDir, "cert.pem")
	keyFile := filepath.Join(tlsDir, "key.pem")
	for _, file := range []string{certFile, keyFile} {
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("tls material missing: %w", err)
		}
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return err
	}
	if chain, err := os.ReadFile(filepath.Join(tlsDir, "chain.pem")); err == nil {
		certPEM = append(certPEM, chain...)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("load tls keypair: %w", err)
	}

	server := &http.Server{
		Addr:    ":443",
		Handler: s,
		TLSConfig: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info(ctx, "gateway listening", "addr", server.Addr)
	err = server.ListenAndServeTLS("", "")
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleBackend(w http.ResponseWriter, r *http.Request, username string) {
	s.proxy(w, r, s.backendURL(username, r.URL.Path))
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request, username string) {
	s.proxy(w, r, s.memoryURL(username, r.URL.Path))
}

func (s *Server) handleFCMToken(w http.ResponseWriter, r *http.Request, username string) {
	var req struct {
		Token    string `json:"token"`
		Platform string `json:"platform"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}
	err := s.tokens.Upsert(r.Context(), notify.Token{
		Token:    req.Token,
		Username: username,
		Platform: req.Platform,
	})
	if err != nil {
		s.logger.Error(r.Context(), "fcm token store failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"success"}`))
}

// handleHealthReport accepts Android Health Connect payloads; they are only
// logged for now.
func (s *Server) handleHealthReport(w http.ResponseWriter, r *http.Request, username string) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.logger.Info(r.Context(), "health payload received",
		"username", username, "bytes", len(payload))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleNotificationConfig(w http.ResponseWriter, r *http.Request, _ string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.config.Global.Firebase)
}

// handleFirebaseSW serves the messaging service worker with the Firebase
// config inlined, since service workers cannot read cookies to fetch it.
func (s *Server) handleFirebaseSW(w http.ResponseWriter, r *http.Request, _ string) {
	cfg, err := json.Marshal(s.config.Global.Firebase)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	fmt.Fprintf(w, `importScripts("https://www.gstatic.com/firebasejs/10.12.0/firebase-app-compat.js");
importScripts("https://www.gstatic.com/firebasejs/10.12.0/firebase-messaging-compat.js");
firebase.initializeApp(%s);
firebase.messaging();
`, cfg)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, _ string) {
	s.serveStaticFile(w, r, "index.html")
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request, _ string) {
	http.StripPrefix("/static/", http.FileServer(http.Dir(s.staticDir))).ServeHTTP(w, r)
}

func (s *Server) serveStaticFile(w http.ResponseWriter, r *http.Request, name string) {
	http.ServeFile(w, r, filepath.Join(s.staticDir, name))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
