// Package query implements the Query Handler (spec component C5): the
// per-request state machine RECEIVED → VALIDATED → RESOLVING →
// CLASSIFYING → FILTERING → RESPONDING → DONE, with REFUSED/SERVFAIL side
// branches collapsing into RESPONDING.
package query

import (
	"context"
	"time"

	"github.com/dnsblrsd/dnsblrsd/pkg/classify"
	"github.com/dnsblrsd/dnsblrsd/pkg/logging"
	"github.com/dnsblrsd/dnsblrsd/pkg/policy"
	"github.com/dnsblrsd/dnsblrsd/pkg/resolver"
	"github.com/dnsblrsd/dnsblrsd/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/miekg/dns"
)

// Handler answers DNS queries, implementing dns.Handler via ServeDNS.
type Handler struct {
	Resolver *resolver.Resolver
	Policy   *policy.Engine
	Metrics  *telemetry.Metrics
	Logger   *logging.Logger
}

// New builds a Handler wiring the resolver and policy engine this daemon's
// bind points will be served through.
func New(res *resolver.Resolver, pol *policy.Engine, metrics *telemetry.Metrics, logger *logging.Logger) *Handler {
	return &Handler{Resolver: res, Policy: pol, Metrics: metrics, Logger: logger}
}

// ServeDNS implements github.com/miekg/dns's dns.Handler.
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	ctx := context.Background()
	start := time.Now()
	correlationID := uuid.New().String()

	// RECEIVED → VALIDATED
	if r.Opcode != dns.OpcodeQuery || r.Response || len(r.Question) == 0 {
		h.respondRefused(w, r, correlationID, start)
		return
	}

	question := r.Question[0]
	wantsDNSSEC := false
	if opt := r.IsEdns0(); opt != nil {
		wantsDNSSEC = opt.Do()
	}

	resp := new(dns.Msg)
	resp.SetReply(r)
	resp.Authoritative = false
	resp.RecursionAvailable = true
	if opt := r.IsEdns0(); opt != nil {
		resp.SetEdns0(opt.UDPSize(), wantsDNSSEC)
	}

	// RESOLVING
	outcome := h.Resolver.Lookup(ctx, question.Name, question.Qtype, wantsDNSSEC)
	if outcome.Kind == resolver.OutcomeFail {
		h.respondServfail(w, resp, r, correlationID, start, question)
		return
	}

	// CLASSIFYING
	var bundle classify.Bundle
	switch outcome.Kind {
	case resolver.OutcomeOk:
		resp.Rcode = dns.RcodeSuccess
		bundle = classify.Classify(outcome.Records, question.Name, question.Qtype)
	case resolver.OutcomeEmpty:
		resp.Rcode = outcome.Rcode
		if outcome.SOA != nil {
			bundle.SOAs = append(bundle.SOAs, outcome.SOA)
		}
		// NS records go to authority; any glue carried alongside them goes
		// to additional (spec.md §4.2: "emitted as authority/additional").
		for _, rr := range outcome.NS {
			if _, ok := rr.(*dns.NS); ok {
				bundle.Authority = append(bundle.Authority, rr)
			} else {
				bundle.Additional = append(bundle.Additional, rr)
			}
		}
	}

	// FILTERING — only for A/AAAA, per spec.md §4.5 step 5.
	blocked := false
	if h.Policy != nil && (question.Qtype == dns.TypeA || question.Qtype == dns.TypeAAAA) {
		var err error
		blocked, err = h.Policy.IsDomainBlacklisted(ctx, question.Name)
		if err != nil {
			h.Logger.Error("policy domain check failed", "correlation_id", correlationID, "error", err)
			h.respondServfail(w, resp, r, correlationID, start, question)
			return
		}
		if !blocked {
			blocked, err = h.Policy.HaveBlacklistedIP(ctx, bundle.Answer)
			if err != nil {
				h.Logger.Error("policy ip check failed", "correlation_id", correlationID, "error", err)
				h.respondServfail(w, resp, r, correlationID, start, question)
				return
			}
		}
	}

	if blocked {
		resp.Rcode = dns.RcodeNameError
		bundle = classify.Bundle{}
	}

	resp.Answer = bundle.Answer
	resp.Ns = append(bundle.Authority, bundle.SOAs...)
	resp.Extra = append(resp.Extra, bundle.Additional...)

	// RESPONDING
	h.respond(w, resp, r, correlationID, start, question, blocked)
}

func (h *Handler) respondRefused(w dns.ResponseWriter, r *dns.Msg, correlationID string, start time.Time) {
	var question dns.Question
	if len(r.Question) > 0 {
		question = r.Question[0]
	}

	h.Logger.Warn("query refused",
		"correlation_id", correlationID,
		"source", w.RemoteAddr().String(),
		"query", question.Name,
		"qtype", dns.TypeToString[question.Qtype],
		"opcode", dns.OpcodeToString[r.Opcode],
	)

	resp := new(dns.Msg)
	resp.SetRcode(r, dns.RcodeRefused)
	h.writeAndEmit(w, resp, r, correlationID, start, question, false)
	if h.Metrics != nil {
		h.Metrics.QueriesRefused.Add(context.Background(), 1)
	}
}

func (h *Handler) respondServfail(w dns.ResponseWriter, resp *dns.Msg, r *dns.Msg, correlationID string, start time.Time, question dns.Question) {
	resp.Rcode = dns.RcodeServerFailure

	h.Logger.Error("query servfail",
		"correlation_id", correlationID,
		"source", w.RemoteAddr().String(),
		"query", question.Name,
		"qtype", dns.TypeToString[question.Qtype],
	)

	h.writeAndEmit(w, resp, r, correlationID, start, question, false)
	if h.Metrics != nil {
		h.Metrics.QueriesServFail.Add(context.Background(), 1)
	}
}

func (h *Handler) respond(w dns.ResponseWriter, resp, r *dns.Msg, correlationID string, start time.Time, question dns.Question, blocked bool) {
	h.writeAndEmit(w, resp, r, correlationID, start, question, blocked)

	if h.Metrics == nil {
		return
	}
	ctx := context.Background()
	h.Metrics.QueriesTotal.Add(ctx, 1)
	h.Metrics.QueryDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if blocked {
		h.Metrics.QueriesBlocked.Add(ctx, 1)
	}
}

// writeAndEmit performs the RESPONDING step and then the DONE step: send
// the reply, and — fire-and-forget, off the critical path — emit a
// response-info record to the observability sink (spec.md §4.5 terminal
// state, §9 "statistics" open question).
func (h *Handler) writeAndEmit(w dns.ResponseWriter, resp, r *dns.Msg, correlationID string, start time.Time, question dns.Question, blocked bool) {
	if err := w.WriteMsg(resp); err != nil {
		h.Logger.Error("failed to send response", "correlation_id", correlationID, "error", err)
	}

	h.Logger.Info("query handled",
		"correlation_id", correlationID,
		"source", w.RemoteAddr().String(),
		"query", question.Name,
		"qtype", dns.TypeToString[question.Qtype],
		"rcode", dns.RcodeToString[resp.Rcode],
		"blocked", blocked,
		"duration", time.Since(start),
	)
}
