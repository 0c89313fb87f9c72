package feed

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dnsblrsd/dnsblrsd/pkg/logging"
)

// forwardingDialer resolves the MISP API hostname through the daemon's own
// configured forwarders instead of the host's system resolver, so the
// ingester's view of DNS stays consistent with the resolver the query path
// itself uses. Falls back to the system resolver if no forwarders are
// configured or all of them fail.
type forwardingDialer struct {
	forwarders []string
	dialer     *net.Dialer
	logger     *logging.Logger
}

func newForwardingDialer(forwarders []string, logger *logging.Logger) *forwardingDialer {
	return &forwardingDialer{
		forwarders: forwarders,
		logger:     logger,
		dialer:     &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
	}
}

func (d *forwardingDialer) lookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	if len(d.forwarders) == 0 {
		return net.DefaultResolver.LookupIP(ctx, network, host)
	}

	var lastErr error
	for _, forwarder := range d.forwarders {
		r := &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return d.dialer.DialContext(ctx, "udp", forwarder)
			},
		}
		ips, err := r.LookupIP(ctx, network, host)
		if err != nil {
			lastErr = err
			d.logger.Warn("misp api hostname resolution attempt failed", "forwarder", forwarder, "error", err)
			continue
		}
		return ips, nil
	}

	d.logger.Warn("all forwarders failed to resolve misp api hostname, falling back to system resolver", "error", lastErr)
	return net.DefaultResolver.LookupIP(ctx, network, host)
}

// DialContext implements http.Transport.DialContext.
func (d *forwardingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", addr, err)
	}

	if net.ParseIP(host) != nil {
		return d.dialer.DialContext(ctx, network, addr)
	}

	ips, err := d.lookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IP addresses found for %s", host)
	}

	return d.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

// newHTTPClient builds an *http.Client dialing through the forwarding
// dialer, used for every MISP API request.
func newHTTPClient(forwarders []string, timeout time.Duration, logger *logging.Logger) *http.Client {
	d := newForwardingDialer(forwarders, logger)
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           d.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
