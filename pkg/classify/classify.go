// Package classify implements the Record Classifier (spec component C3):
// a single pass over a flat upstream record list that sorts records into
// the four sections of a DNS reply, tracking the CNAME chain as it goes.
package classify

import (
	"strings"

	"github.com/miekg/dns"
)

// Bundle holds the four ordered sequences a DNS reply is built from.
// Records are appended in the order received from the resolver; the
// classifier never reorders within a section.
type Bundle struct {
	Answer     []dns.RR
	Authority  []dns.RR // name servers
	SOAs       []dns.RR
	Additional []dns.RR
}

// Classify sorts records into bundle per spec.md §4.3, given the query
// name (as sent on the wire, e.g. "example.com.") and query type.
func Classify(records []dns.RR, queryName string, qtype uint16) Bundle {
	var bundle Bundle

	queryName = strings.ToLower(queryName)
	reachable := queryName // the CNAME chain's current target; starts at the query name itself

	for _, rr := range records {
		switch v := rr.(type) {
		case *dns.SOA:
			if qtype == dns.TypeSOA {
				bundle.Answer = append(bundle.Answer, rr)
			} else {
				bundle.SOAs = append(bundle.SOAs, rr)
			}

		case *dns.NS:
			if qtype == dns.TypeNS {
				bundle.Answer = append(bundle.Answer, rr)
			} else {
				bundle.Authority = append(bundle.Authority, rr)
			}

		case *dns.RRSIG:
			owner := strings.ToLower(rr.Header().Name)
			if v.TypeCovered == qtype && owner == queryName {
				bundle.Answer = append(bundle.Answer, rr)
				continue
			}
			switch {
			case (v.TypeCovered == dns.TypeSOA || v.TypeCovered == dns.TypeDS) && owner == queryName:
				bundle.SOAs = append(bundle.SOAs, rr)
			case v.TypeCovered == dns.TypeNS && owner == queryName:
				bundle.Authority = append(bundle.Authority, rr)
			default:
				bundle.Additional = append(bundle.Additional, rr)
			}

		case *dns.CNAME:
			reachable = strings.ToLower(v.Target)
			bundle.Answer = append(bundle.Answer, rr)

		default:
			owner := strings.ToLower(rr.Header().Name)
			if (owner == queryName || owner == reachable) && rr.Header().Rrtype == qtype {
				bundle.Answer = append(bundle.Answer, rr)
			} else {
				bundle.Additional = append(bundle.Additional, rr)
			}
		}
	}

	return bundle
}
