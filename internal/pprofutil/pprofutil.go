// Package pprofutil serves net/http/pprof for a running host or follower.
package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Server is a running profiling endpoint.
type Server struct {
	srv  *http.Server
	addr string
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Start listens on addr and serves the pprof handlers under /debug/pprof/.
// Non-loopback addresses are refused unless allowPublic is set.
func Start(addr string, allowPublic bool, logger *zap.Logger) (*Server, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("pprof address is required")
	}
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("pprof address %s is not loopback", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		addr: ln.Addr().String(),
	}
	if logger != nil {
		logger.Info("pprof enabled", zap.String("url", "http://"+s.addr+"/debug/pprof/"))
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && logger != nil {
			logger.Warn("pprof server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
