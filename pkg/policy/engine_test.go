package policy

import (
	"context"
	"testing"

	"github.com/dnsblrsd/dnsblrsd/pkg/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.Open(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDomainSuffixesTLDFirst(t *testing.T) {
	assert.Equal(t, []string{"com"}, domainSuffixes([]string{"com"}))
	assert.Equal(t, []string{"com", "example.com"}, domainSuffixes([]string{"example", "com"}))
	assert.Equal(t, []string{"org", "example.org", "evil.example.org"},
		domainSuffixes([]string{"evil", "example", "org"}))
}

func TestIsDomainBlacklistedMatchesSuffix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.WriteBatch(ctx, []store.WriteItem{
		{Kind: store.RuleKindDomain, Filter: "default", Key: "example.org", Fields: map[string]string{"enabled": "1"}},
	})
	require.NoError(t, err)

	engine := New(s, []string{"default"})

	blacklisted, err := engine.IsDomainBlacklisted(ctx, "evil.example.org.")
	require.NoError(t, err)
	assert.True(t, blacklisted)

	blacklisted, err = engine.IsDomainBlacklisted(ctx, "ok.example.com.")
	require.NoError(t, err)
	assert.False(t, blacklisted)
}

func TestIsDomainBlacklistedIgnoresDisabledRule(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.WriteBatch(ctx, []store.WriteItem{
		{Kind: store.RuleKindDomain, Filter: "default", Key: "example.org", Fields: map[string]string{"enabled": "0"}},
	})
	require.NoError(t, err)

	engine := New(s, []string{"default"})
	blacklisted, err := engine.IsDomainBlacklisted(ctx, "evil.example.org.")
	require.NoError(t, err)
	assert.False(t, blacklisted)
}

func TestHaveBlacklistedIPMatchesAnswerRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.WriteBatch(ctx, []store.WriteItem{
		{Kind: store.RuleKindIP, Filter: "default", Key: "203.0.113.9", Fields: map[string]string{"enabled": "1"}},
	})
	require.NoError(t, err)

	engine := New(s, []string{"default"})

	a, err := dns.NewRR("ok.example.org. 300 IN A 203.0.113.9")
	require.NoError(t, err)

	blacklisted, err := engine.HaveBlacklistedIP(ctx, []dns.RR{a})
	require.NoError(t, err)
	assert.True(t, blacklisted)
}

func TestHaveBlacklistedIPNoAnswerRecords(t *testing.T) {
	s := openTestStore(t)
	engine := New(s, []string{"default"})

	blacklisted, err := engine.HaveBlacklistedIP(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, blacklisted)
}

func TestHaveBlacklistedIPIgnoresNonIPRecords(t *testing.T) {
	s := openTestStore(t)
	engine := New(s, []string{"default"})

	cname, err := dns.NewRR("ok.example.org. 300 IN CNAME target.example.org.")
	require.NoError(t, err)

	blacklisted, err := engine.HaveBlacklistedIP(context.Background(), []dns.RR{cname})
	require.NoError(t, err)
	assert.False(t, blacklisted)
}
