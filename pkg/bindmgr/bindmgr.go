// Package bindmgr implements the Bind Manager (spec component C6): for
// every configured service, bind point and protocol, attempt to listen and
// register a *dns.Server with the runtime. Per-bind failures are collected
// and logged but non-fatal; only a total failure across every bind is.
package bindmgr

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dnsblrsd/dnsblrsd/pkg/config"
	"github.com/dnsblrsd/dnsblrsd/pkg/dnserr"
	"github.com/dnsblrsd/dnsblrsd/pkg/logging"
	"github.com/dnsblrsd/dnsblrsd/pkg/telemetry"

	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"
)

const tcpReadTimeout = 10 * time.Second

// Manager owns the set of active *dns.Server listeners and their
// underlying sockets, so Shutdown can close exactly what Start opened.
type Manager struct {
	logger  *logging.Logger
	metrics *telemetry.Metrics
	servers []*dns.Server
}

// New builds a Manager. The handler passed to Start answers every bound
// socket identically: filters are not selected per service or per bind,
// and every query is checked against the one filter list the handler's
// Policy Engine was built with.
func New(logger *logging.Logger, metrics *telemetry.Metrics) *Manager {
	return &Manager{logger: logger, metrics: metrics}
}

// Start attempts every service/bind/protocol combination in cfg.Services,
// registering a *dns.Server for each one that binds successfully. It
// returns once every attempt has either bound and started serving in the
// background, or failed. A *dnserr.Error with KindBindFailure is returned
// only when zero binds succeeded.
func (m *Manager) Start(cfg *config.Config, handler dns.Handler) error {
	var failures *multierror.Error
	active := 0

	for _, svc := range cfg.Services {
		for _, bind := range svc.Binds {
			for _, proto := range bind.Protocols {
				srv, err := m.listen(bind.SocketAddress, proto, handler)
				if err != nil {
					failures = multierror.Append(failures, fmt.Errorf("service %q bind %s/%s: %w", svc.Name, bind.SocketAddress, proto, err))
					m.logger.Warn("bind failed",
						"service", svc.Name,
						"socket_address", bind.SocketAddress,
						"protocol", proto,
						"error", err,
					)
					continue
				}

				m.servers = append(m.servers, srv)
				active++
				m.logger.Info("bind active",
					"service", svc.Name,
					"socket_address", bind.SocketAddress,
					"protocol", proto,
				)
				if m.metrics != nil {
					m.metrics.BindsActive.Add(context.Background(), 1)
				}
			}
		}
	}

	if active == 0 {
		msg := "zero binds succeeded across all services"
		if failures != nil {
			return dnserr.Wrap(dnserr.KindBindFailure, msg, failures)
		}
		return dnserr.New(dnserr.KindBindFailure, msg)
	}

	if failures != nil {
		m.logger.Warn("some binds failed, continuing with reduced bind set", "error", failures)
	}

	return nil
}

// listen opens the underlying socket for one bind/protocol pair, wraps it
// in a *dns.Server and starts serving in a background goroutine.
// ActivateAndServe blocks for the server's lifetime, so its error (if any)
// is only observable after Shutdown via the server's own bookkeeping — it
// is logged here rather than surfaced synchronously, since a post-bind
// failure is a runtime event, not a startup one.
func (m *Manager) listen(addr, proto string, handler dns.Handler) (*dns.Server, error) {
	switch proto {
	case "udp":
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		srv := &dns.Server{PacketConn: conn, Handler: handler}
		go m.serve(srv, addr, proto)
		return srv, nil

	case "tcp":
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		srv := &dns.Server{Listener: ln, Handler: handler, ReadTimeout: tcpReadTimeout}
		go m.serve(srv, addr, proto)
		return srv, nil

	default:
		return nil, fmt.Errorf("unknown protocol %q", proto)
	}
}

func (m *Manager) serve(srv *dns.Server, addr, proto string) {
	if err := srv.ActivateAndServe(); err != nil {
		m.logger.Error("bind stopped serving", "socket_address", addr, "protocol", proto, "error", err)
	}
}

// Shutdown gracefully stops every active listener, waiting for in-flight
// requests to finish per bind's own ShutdownContext semantics.
func (m *Manager) Shutdown(ctx context.Context) error {
	var failures *multierror.Error
	for _, srv := range m.servers {
		if err := srv.ShutdownContext(ctx); err != nil {
			failures = multierror.Append(failures, err)
		}
		if m.metrics != nil {
			m.metrics.BindsActive.Add(ctx, -1)
		}
	}
	if failures != nil {
		return failures
	}
	return nil
}

// Active reports how many binds are currently registered.
func (m *Manager) Active() int {
	return len(m.servers)
}
