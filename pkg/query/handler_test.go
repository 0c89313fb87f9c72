package query

import (
	"context"
	"net"
	"testing"

	"github.com/dnsblrsd/dnsblrsd/pkg/logging"
	"github.com/dnsblrsd/dnsblrsd/pkg/policy"
	"github.com/dnsblrsd/dnsblrsd/pkg/resolver"
	"github.com/dnsblrsd/dnsblrsd/pkg/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockResponseWriter implements dns.ResponseWriter for testing.
type mockResponseWriter struct {
	msg        *dns.Msg
	remoteAddr net.Addr
}

func newMockWriter() *mockResponseWriter {
	return &mockResponseWriter{remoteAddr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 12345}}
}

func (m *mockResponseWriter) LocalAddr() net.Addr  { return nil }
func (m *mockResponseWriter) RemoteAddr() net.Addr { return m.remoteAddr }
func (m *mockResponseWriter) WriteMsg(msg *dns.Msg) error {
	m.msg = msg
	return nil
}
func (m *mockResponseWriter) Write([]byte) (int, error) { return 0, nil }
func (m *mockResponseWriter) Close() error              { return nil }
func (m *mockResponseWriter) TsigStatus() error         { return nil }
func (m *mockResponseWriter) TsigTimersOnly(bool)       {}
func (m *mockResponseWriter) Hijack()                   {}

func startStubUpstream(t *testing.T, handle dns.HandlerFunc) string {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &dns.Server{PacketConn: conn, Handler: handle}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return conn.LocalAddr().String()
}

func newTestEngine(t *testing.T) *policy.Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.Open(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return policy.New(s, []string{"default"})
}

func TestServeDNSRefusesNonQuery(t *testing.T) {
	h := New(resolver.New(nil, logging.NewDefault()), newTestEngine(t), nil, logging.NewDefault())

	r := new(dns.Msg)
	r.SetQuestion("example.com.", dns.TypeA)
	r.Response = true // not a query

	w := newMockWriter()
	h.ServeDNS(w, r)

	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeRefused, w.msg.Rcode)
}

func TestServeDNSResolvesAndClassifies(t *testing.T) {
	addr := startStubUpstream(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rr, _ := dns.NewRR(r.Question[0].Name + " 300 IN A 203.0.113.9")
		m.Answer = append(m.Answer, rr)
		_ = w.WriteMsg(m)
	})

	h := New(resolver.New([]string{addr}, logging.NewDefault()), newTestEngine(t), nil, logging.NewDefault())

	r := new(dns.Msg)
	r.SetQuestion("example.com.", dns.TypeA)

	w := newMockWriter()
	h.ServeDNS(w, r)

	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeSuccess, w.msg.Rcode)
	require.Len(t, w.msg.Answer, 1)
}

func TestServeDNSFiltersBlacklistedDomain(t *testing.T) {
	addr := startStubUpstream(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rr, _ := dns.NewRR(r.Question[0].Name + " 300 IN A 203.0.113.9")
		m.Answer = append(m.Answer, rr)
		_ = w.WriteMsg(m)
	})

	mr := miniredis.RunT(t)
	s, err := store.Open(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = s.WriteBatch(context.Background(), []store.WriteItem{
		{Kind: store.RuleKindDomain, Filter: "default", Key: "example.org", Fields: map[string]string{"enabled": "1"}},
	})
	require.NoError(t, err)
	engine := policy.New(s, []string{"default"})

	h := New(resolver.New([]string{addr}, logging.NewDefault()), engine, nil, logging.NewDefault())

	r := new(dns.Msg)
	r.SetQuestion("evil.example.org.", dns.TypeA)

	w := newMockWriter()
	h.ServeDNS(w, r)

	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeNameError, w.msg.Rcode)
	assert.Empty(t, w.msg.Answer)
	assert.Empty(t, w.msg.Ns)
	assert.Empty(t, w.msg.Extra)
}

func TestServeDNSSkipsFilterForNonAddressQtype(t *testing.T) {
	addr := startStubUpstream(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rr, _ := dns.NewRR(r.Question[0].Name + " 300 IN MX 10 mail.example.org.")
		m.Answer = append(m.Answer, rr)
		_ = w.WriteMsg(m)
	})

	mr := miniredis.RunT(t)
	s, err := store.Open(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = s.WriteBatch(context.Background(), []store.WriteItem{
		{Kind: store.RuleKindDomain, Filter: "default", Key: "example.org", Fields: map[string]string{"enabled": "1"}},
	})
	require.NoError(t, err)
	engine := policy.New(s, []string{"default"})

	h := New(resolver.New([]string{addr}, logging.NewDefault()), engine, nil, logging.NewDefault())

	r := new(dns.Msg)
	r.SetQuestion("filtered.example.org.", dns.TypeMX)

	w := newMockWriter()
	h.ServeDNS(w, r)

	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeSuccess, w.msg.Rcode)
	require.Len(t, w.msg.Answer, 1)
}

func TestServeDNSFailsServfailOnTransportFailure(t *testing.T) {
	h := New(resolver.New(nil, logging.NewDefault()), newTestEngine(t), nil, logging.NewDefault())

	r := new(dns.Msg)
	r.SetQuestion("example.com.", dns.TypeA)

	w := newMockWriter()
	h.ServeDNS(w, r)

	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeServerFailure, w.msg.Rcode)
}
