package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ErrUnauthenticated is returned by Start when asked to expose the endpoint
// on a non-loopback address without a token.
var ErrUnauthenticated = errors.New("metrics: refusing to expose unauthenticated endpoint on a non-loopback address")

// Options configures the observability endpoint.
type Options struct {
	Addr      string
	AuthToken string
	Pprof     bool
	// Health, when set, is served at /healthz.
	Health http.Handler
}

// Handler builds the endpoint's routes.
func Handler(opts Options) http.Handler {
	mux := http.NewServeMux()
	auth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.AuthToken != "" && r.Header.Get("Authorization") != "Bearer "+opts.AuthToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	mux.Handle("/metrics", auth(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})))
	mux.Handle("/api/v1/status", auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(SnapshotData())
	})))
	if opts.Health != nil {
		mux.Handle("/healthz", auth(opts.Health))
	}
	if opts.Pprof {
		mux.Handle("/debug/pprof/", auth(http.HandlerFunc(pprof.Index)))
		mux.Handle("/debug/pprof/cmdline", auth(http.HandlerFunc(pprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", auth(http.HandlerFunc(pprof.Profile)))
		mux.Handle("/debug/pprof/symbol", auth(http.HandlerFunc(pprof.Symbol)))
		mux.Handle("/debug/pprof/trace", auth(http.HandlerFunc(pprof.Trace)))
	}
	return mux
}

// Start binds opts.Addr and serves in the background. It returns a nil
// server when Addr is empty.
func Start(opts Options, log *zap.Logger) (*http.Server, error) {
	if opts.Addr == "" {
		return nil, nil
	}
	if !isLoopback(opts.Addr) && opts.AuthToken == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, opts.Addr)
	}
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen: %w", err)
	}
	srv := &http.Server{Handler: Handler(opts), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	log.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	return srv, nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
