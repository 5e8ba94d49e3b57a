package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// proxyTimeout is the deadline for one proxied upstream call.
const proxyTimeout = 30 * time.Second

// strippedHeaders are never forwarded to or from the upstream.
var strippedHeaders = []string{
	"Host",
	"Content-Length",
	"Transfer-Encoding",
	"Content-Encoding",
}

// proxy forwards the request to targetURL, preserving method, query string,
// headers and body, and surfaces the upstream status verbatim. Connection
// failures map to 503 and deadline overruns to 504.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, targetURL string) {
	ctx, cancel := context.WithTimeout(r.Context(), proxyTimeout)
	defer cancel()

	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	// http.NewRequestWithContext keeps the body for any method, so DELETE
	// with a body passes through unchanged.
	upstream, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	upstream.Header = cloneStripped(r.Header)

	resp, err := s.upstreamClient.Do(upstream)
	if err != nil {
		status := http.StatusServiceUnavailable
		message := "upstream unavailable"
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			status = http.StatusGatewayTimeout
			message = "upstream timeout"
		}
		s.logger.Warn(r.Context(), "proxy failed", "target", targetURL, "error", err)
		http.Error(w, message, status)
		return
	}
	defer resp.Body.Close()

	headers := cloneStripped(resp.Header)
	for name, values := range headers {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug(r.Context(), "proxy body copy interrupted", "error", err)
	}
}

func cloneStripped(src http.Header) http.Header {
	out := src.Clone()
	for _, name := range strippedHeaders {
		out.Del(name)
	}
	return out
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// backendURL builds the per-user backend target for a given path.
func (s *Server) backendURL(username, path string) string {
	return "http://" + username + ":8080" + path
}

// memoryURL builds the per-user memory-service target. The /memory prefix is
// stripped before forwarding.
func (s *Server) memoryURL(username, path string) string {
	subpath := strings.TrimPrefix(path, "/memory")
	if subpath == "" {
		subpath = "/"
	}
	return "http://memory-" + username + ":8080" + subpath
}
