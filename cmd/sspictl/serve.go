// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/golang-auth/go-sspi"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept authenticated echo sessions",
		Long: `serve accepts connections, runs the acceptor side of the handshake with
the configured provider and echoes every protected message back with the
same protection.

Prometheus metrics and health checks (/live, /ready) are served on
serve.metrics_listen when it is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				a.cfg.Serve.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := a.newServer()
			if err != nil {
				return err
			}
			defer srv.close()

			ln, err := net.Listen("tcp", a.cfg.Serve.Listen)
			if err != nil {
				return err
			}
			a.logger.Info("listening", "addr", ln.Addr().String(), "provider", a.cfg.Provider)

			if addr := a.cfg.Serve.MetricsListen; addr != "" {
				go srv.serveHTTP(ctx, addr)
			}

			return srv.serve(ctx, ln)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address, overrides serve.listen")

	return cmd
}

// session is a live connection, listed in server.sessions.  Sessions are
// replaced, not modified.
type session struct {
	peer    string
	user    string
	started time.Time
}

type server struct {
	a      *app
	logger *slog.Logger
	cred   *sspi.Credential
	flags  sspi.ContextFlag
	pool   *ants.Pool
	health healthcheck.Handler

	sessions  cmap.ConcurrentMap[string, *session]
	nextID    atomic.Uint64
	accepted  prometheus.Counter
	listening atomic.Bool
}

func (a *app) newServer() (*server, error) {
	flags, err := a.cfg.ContextFlags()
	if err != nil {
		return nil, err
	}

	cred, err := acquire(a.catalog, a.cfg.Provider, sspi.CredentialInbound, a.cfg.AuthIdentity())
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(a.cfg.Serve.Workers)
	if err != nil {
		cred.Release() //nolint:errcheck
		return nil, err
	}

	s := &server{
		a:        a,
		logger:   a.logger,
		cred:     cred,
		flags:    flags,
		pool:     pool,
		sessions: cmap.New[*session](),
		health:   healthcheck.NewMetricsHandler(a.registry, "sspictl"),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sspictl",
			Name:      "sessions_total",
			Help:      "Connections accepted.",
		}),
	}

	a.registry.MustRegister(s.accepted, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sspictl",
		Name:      "sessions_active",
		Help:      "Connections currently being served.",
	}, func() float64 {
		return float64(s.sessions.Count())
	}))

	s.health.AddLivenessCheck("credential", func() error {
		if !cred.Acquired() {
			return errors.New("acceptor credential released")
		}
		if exp := cred.Expiry(); time.Now().After(exp) {
			return fmt.Errorf("acceptor credential expired at %s", exp.Format(time.RFC3339))
		}
		return nil
	})
	s.health.AddReadinessCheck("listener", func() error {
		if !s.listening.Load() {
			return errors.New("not listening")
		}
		return nil
	})
	s.health.AddReadinessCheck("workers", func() error {
		if pool.Free() == 0 {
			return fmt.Errorf("all %d workers busy", pool.Cap())
		}
		return nil
	})

	return s, nil
}

func (s *server) close() {
	s.pool.Release()
	s.cred.Release() //nolint:errcheck
}

// serve accepts connections on ln until ctx is done.  Each connection is
// handled by a pool worker; when every worker is busy Accept waits.
func (s *server) serve(ctx context.Context, ln net.Listener) error {
	s.listening.Store(true)
	defer s.listening.Store(false)

	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.accepted.Inc()

		if err := s.pool.Submit(func() { s.handle(conn) }); err != nil {
			s.logger.Warn("rejecting connection", "peer", conn.RemoteAddr().String(), "error", err)
			conn.Close() //nolint:errcheck
		}
	}
}

func (s *server) handle(conn net.Conn) {
	defer conn.Close() //nolint:errcheck

	id := strconv.FormatUint(s.nextID.Add(1), 10)
	sess := &session{peer: conn.RemoteAddr().String(), started: time.Now()}
	s.sessions.Set(id, sess)
	defer s.sessions.Remove(id)

	logger := s.logger.With("session", id, "peer", sess.peer)

	acc, err := sspi.NewAcceptor(s.cred, s.flags)
	if err != nil {
		logger.Error("creating context", "error", err)
		return
	}
	defer acc.Release() //nolint:errcheck

	if err := serverHandshake(conn, acc, s.a.cfg.MaxRounds, nil); err != nil {
		logger.Warn("handshake failed", "status", sspi.StatusOf(err).String(), "error", err)
		return
	}

	user, err := acc.UserName()
	if err != nil {
		logger.Warn("querying user name", "error", err)
	}
	sess = &session{peer: sess.peer, user: user, started: sess.started}
	s.sessions.Set(id, sess)
	logger.Info("authenticated", "user", user, "flags", acc.NegotiatedFlags().String())

	if err := serveEcho(conn, acc, logger); err != nil {
		logger.Warn("session ended", "error", err)
		return
	}
	logger.Debug("session closed", "duration", time.Since(sess.started))
}

// writeSessions lists the live sessions.
func (s *server) writeSessions(w http.ResponseWriter, r *http.Request) {
	t := &table{headers: []string{"ID", "Peer", "User", "Age"}}
	for item := range s.sessions.IterBuffered() {
		sess := item.Val
		t.add(item.Key, sess.peer, sess.user, time.Since(sess.started).Round(time.Second))
	}

	format := r.URL.Query().Get("format")
	if format == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	if err := t.write(w, format); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

// serveHTTP serves /metrics, /live, /ready and /sessions until ctx is done.
func (s *server) serveHTTP(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", s.health.LiveEndpoint)
	mux.HandleFunc("/ready", s.health.ReadyEndpoint)
	mux.HandleFunc("/sessions", s.writeSessions)

	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		hs.Close() //nolint:errcheck
	}()

	s.logger.Info("serving metrics", "addr", addr)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("metrics server", "error", err)
	}
}
