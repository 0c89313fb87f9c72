// Package resolver implements the Forwarding Resolver (spec component C2):
// sequential (never fanned-out) lookups against an ordered list of upstream
// forwarder endpoints, each registered for both UDP and TCP.
package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/dnsblrsd/dnsblrsd/pkg/dnserr"
	"github.com/dnsblrsd/dnsblrsd/pkg/logging"

	"github.com/miekg/dns"
)

// OutcomeKind distinguishes the three shapes a lookup can settle into.
type OutcomeKind int

const (
	OutcomeOk OutcomeKind = iota
	OutcomeEmpty
	OutcomeFail
)

// LookupOutcome is the result of one resolver.Lookup call, matching
// spec.md §4.2's Ok/Empty/Fail contract exactly.
type LookupOutcome struct {
	Kind OutcomeKind

	// Ok
	Records []dns.RR

	// Empty
	Rcode int
	SOA   dns.RR   // *dns.SOA, nil if none returned
	NS    []dns.RR // NS records plus any glue carried in the additional section

	// Fail
	FailKind dnserr.Kind
}

func okOutcome(records []dns.RR) LookupOutcome {
	return LookupOutcome{Kind: OutcomeOk, Records: records}
}

func emptyOutcome(rcode int, soa dns.RR, ns []dns.RR) LookupOutcome {
	return LookupOutcome{Kind: OutcomeEmpty, Rcode: rcode, SOA: soa, NS: ns}
}

func failOutcome(kind dnserr.Kind) LookupOutcome {
	return LookupOutcome{Kind: OutcomeFail, FailKind: kind}
}

// negativeCacheTTL is the fixed TTL stamped onto synthesized SOA/NS
// wrappers so downstream caches honor negative-caching semantics even
// though this resolver does not itself cache (spec.md §4.2).
const negativeCacheTTL = 3600

// Resolver forwards queries to a fixed, ordered list of upstream
// endpoints. It never fans out concurrently — endpoints are tried one at
// a time, falling through only on transport failure, to keep load on
// upstreams to a minimum (spec.md §4.2 "do not fan out").
type Resolver struct {
	endpoints []string
	health    *upstreamHealth
	logger    *logging.Logger
	timeout   time.Duration

	udpPool sync.Pool
	tcpPool sync.Pool
}

// New builds a Resolver over endpoints, an ordered list of "host:port"
// forwarder addresses. Each is implicitly registered for both the UDP and
// TCP transport variants (spec.md §3 "both UDP and TCP variants exist").
func New(endpoints []string, logger *logging.Logger) *Resolver {
	r := &Resolver{
		endpoints: endpoints,
		health:    newUpstreamHealth(endpoints, DefaultCircuitBreakerConfig()),
		logger:    logger,
		timeout:   2 * time.Second,
	}
	r.udpPool.New = func() any { return &dns.Client{Net: "udp", Timeout: r.timeout} }
	r.tcpPool.New = func() any { return &dns.Client{Net: "tcp", Timeout: r.timeout} }
	return r
}

// SetTimeout overrides the per-exchange timeout used by new clients.
func (r *Resolver) SetTimeout(timeout time.Duration) {
	r.timeout = timeout
}

// ClearCache resets every endpoint's circuit breaker to closed, so a
// previously-unhealthy upstream is retried immediately rather than waiting
// out its backoff timeout. This is the operation the reload signal
// triggers (spec.md §4.8); breakers are reset one after another under the
// health map's read lock, not as one atomic step across all endpoints.
func (r *Resolver) ClearCache() {
	r.health.resetAll()
}

// Lookup resolves name/qtype against the ordered endpoint list, falling
// through to the next endpoint only on transport failure, and returns the
// single LookupOutcome the query handler needs to decide a response code.
func (r *Resolver) Lookup(ctx context.Context, name string, qtype uint16, wantsDNSSEC bool) LookupOutcome {
	if len(r.endpoints) == 0 {
		return failOutcome(dnserr.KindUpstreamFatal)
	}

	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(name), qtype)
	query.RecursionDesired = true
	query.SetEdns0(4096, wantsDNSSEC)

	ordered := r.health.healthyEndpoints(r.endpoints)
	if len(ordered) == 0 {
		ordered = r.endpoints // all circuits open: try anyway rather than refuse outright
	}

	var lastErr error
	for _, endpoint := range ordered {
		resp, err := r.exchange(ctx, endpoint, query)
		if err != nil {
			r.logger.Warn("upstream exchange failed", "endpoint", endpoint, "error", err)
			lastErr = err
			continue
		}
		return classifyResponse(resp)
	}

	r.logger.Error("all forwarder endpoints failed", "error", lastErr)
	return failOutcome(dnserr.KindUpstreamFatal)
}

// exchange performs one UDP exchange, promoting to TCP on truncation, and
// records the result against the endpoint's circuit breaker.
func (r *Resolver) exchange(ctx context.Context, endpoint string, query *dns.Msg) (*dns.Msg, error) {
	breaker := r.health.breaker(endpoint)

	var resp *dns.Msg
	call := func() error {
		client := r.udpPool.Get().(*dns.Client)
		defer r.udpPool.Put(client)

		var exchangeErr error
		resp, _, exchangeErr = client.ExchangeContext(ctx, query, endpoint)
		return exchangeErr
	}

	var err error
	if breaker != nil {
		err = breaker.Call(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}

	if resp != nil && resp.Truncated {
		tcpCall := func() error {
			client := r.tcpPool.Get().(*dns.Client)
			defer r.tcpPool.Put(client)

			var exchangeErr error
			resp, _, exchangeErr = client.ExchangeContext(ctx, query, endpoint)
			return exchangeErr
		}
		if breaker != nil {
			err = breaker.Call(tcpCall)
		} else {
			err = tcpCall()
		}
		if err != nil {
			return nil, err
		}
	}

	return resp, nil
}

// classifyResponse turns a raw upstream response into a LookupOutcome per
// spec.md §4.2: answers present wins, otherwise the rcode decides between
// a negative-cacheable Empty and an opaque Fail.
func classifyResponse(resp *dns.Msg) LookupOutcome {
	if resp == nil {
		return failOutcome(dnserr.KindUpstreamFatal)
	}

	if len(resp.Answer) > 0 {
		return okOutcome(resp.Answer)
	}

	switch resp.Rcode {
	case dns.RcodeNameError, dns.RcodeSuccess, dns.RcodeRefused, dns.RcodeNotImplemented:
		soa, ns := splitAuthority(resp)
		return emptyOutcome(resp.Rcode, soa, ns)
	default:
		return failOutcome(dnserr.KindUpstreamFatal)
	}
}

// splitAuthority pulls the SOA (if any) out of the authority section and
// returns the remaining NS records together with any glue carried in the
// additional section, stamping the fixed negative-cache TTL onto copies
// so the synthesized wrapper doesn't mutate the upstream response.
func splitAuthority(resp *dns.Msg) (dns.RR, []dns.RR) {
	var soa dns.RR
	var ns []dns.RR

	for _, rr := range resp.Ns {
		if s, ok := rr.(*dns.SOA); ok && soa == nil {
			cp := *s
			cp.Hdr.Ttl = negativeCacheTTL
			soa = &cp
			continue
		}
		if n, ok := rr.(*dns.NS); ok {
			cp := *n
			cp.Hdr.Ttl = negativeCacheTTL
			ns = append(ns, &cp)
		}
	}

	if len(ns) > 0 {
		ns = append(ns, resp.Extra...)
	}

	return soa, ns
}
