// Package policy implements the Policy Engine (spec component C4): two
// independent blacklist checks, both reusing a single pipelined store
// round trip, never evaluated concurrently with each other within a
// request.
package policy

import (
	"context"
	"strings"

	"github.com/dnsblrsd/dnsblrsd/pkg/store"

	"github.com/miekg/dns"
)

// Engine checks query names and answer IPs against the store's by-domain
// and by-ip rule sets for a fixed, ordered list of filters.
type Engine struct {
	store   *store.Store
	filters []string
}

// New builds an Engine over filters, the daemon's configured filter names
// (spec.md §6 `services[].filters`), queried in the order given.
func New(s *store.Store, filters []string) *Engine {
	return &Engine{store: s, filters: filters}
}

// IsDomainBlacklisted implements `is_domain_blacklisted`: for every
// configured filter, enqueue a read of every dotted suffix of name — TLD
// first, strictly increasing length — and return true iff any enabled
// field came back "1". Name may carry the trailing root dot that miekg/dns
// question names have; it is lowercased and the dot stripped before
// splitting.
func (e *Engine) IsDomainBlacklisted(ctx context.Context, name string) (bool, error) {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if name == "" {
		return false, nil
	}

	labels := strings.Split(name, ".")
	suffixes := domainSuffixes(labels)

	queries := make([]store.FieldQuery, 0, len(suffixes)*len(e.filters))
	for _, filter := range e.filters {
		for _, suffix := range suffixes {
			queries = append(queries, store.FieldQuery{
				Kind:   store.RuleKindDomain,
				Filter: filter,
				Key:    suffix,
				Field:  "enabled",
			})
		}
	}

	return e.anyEnabled(ctx, queries)
}

// domainSuffixes returns every dotted suffix of labels in strictly
// increasing length, TLD first (e.g. ["com", "example.com"] for
// ["example", "com"]). This deliberately replaces the original
// implementation's hand-unrolled length-dependent permutation
// ([3,4,2,5,1]-style) with the straightforward increasing order spec.md
// §9's resolved open question mandates.
func domainSuffixes(labels []string) []string {
	n := len(labels)
	suffixes := make([]string, n)
	for i := range n {
		suffixes[i] = strings.Join(labels[n-1-i:], ".")
	}
	return suffixes
}

// HaveBlacklistedIP implements `have_blacklisted_ip`: for every A/AAAA
// record in the answer bundle, and for every configured filter, enqueue a
// read of the by-ip rule's enabled field; return true iff any came back
// "1".
func (e *Engine) HaveBlacklistedIP(ctx context.Context, answer []dns.RR) (bool, error) {
	var ips []string
	for _, rr := range answer {
		switch v := rr.(type) {
		case *dns.A:
			ips = append(ips, v.A.String())
		case *dns.AAAA:
			ips = append(ips, v.AAAA.String())
		}
	}
	if len(ips) == 0 {
		return false, nil
	}

	queries := make([]store.FieldQuery, 0, len(ips)*len(e.filters))
	for _, ip := range ips {
		for _, filter := range e.filters {
			queries = append(queries, store.FieldQuery{
				Kind:   store.RuleKindIP,
				Filter: filter,
				Key:    ip,
				Field:  "enabled",
			})
		}
	}

	return e.anyEnabled(ctx, queries)
}

func (e *Engine) anyEnabled(ctx context.Context, queries []store.FieldQuery) (bool, error) {
	if len(queries) == 0 {
		return false, nil
	}

	values, err := e.store.PipelinedHashFieldRead(ctx, queries)
	if err != nil {
		return false, err
	}

	for _, v := range values {
		if v != nil && *v == "1" {
			return true, nil
		}
	}
	return false, nil
}
