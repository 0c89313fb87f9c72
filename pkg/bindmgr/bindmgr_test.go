package bindmgr

import (
	"context"
	"testing"
	"time"

	"github.com/dnsblrsd/dnsblrsd/pkg/config"
	"github.com/dnsblrsd/dnsblrsd/pkg/dnserr"
	"github.com/dnsblrsd/dnsblrsd/pkg/logging"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler() dns.Handler {
	return dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		_ = w.WriteMsg(m)
	})
}

func TestStartBindsConfiguredSockets(t *testing.T) {
	cfg := &config.Config{
		Services: []config.Service{
			{
				Name:    "default",
				Filters: []string{"default"},
				Binds: []config.Bind{
					{SocketAddress: "127.0.0.1:0", Protocols: []string{"udp", "tcp"}},
				},
			},
		},
	}

	m := New(logging.NewDefault(), nil)
	err := m.Start(cfg, noopHandler())
	require.NoError(t, err)
	assert.Equal(t, 2, m.Active())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func TestStartFailsWhenEveryBindFails(t *testing.T) {
	cfg := &config.Config{
		Services: []config.Service{
			{
				Name: "broken",
				Binds: []config.Bind{
					{SocketAddress: "not-an-address", Protocols: []string{"udp"}},
				},
			},
		},
	}

	m := New(logging.NewDefault(), nil)
	err := m.Start(cfg, noopHandler())
	require.Error(t, err)
	assert.Equal(t, dnserr.KindBindFailure, dnserr.KindOf(err))
	assert.Equal(t, 0, m.Active())
}

func TestStartSucceedsWithPartialBindFailures(t *testing.T) {
	cfg := &config.Config{
		Services: []config.Service{
			{
				Name: "mixed",
				Binds: []config.Bind{
					{SocketAddress: "127.0.0.1:0", Protocols: []string{"udp"}},
					{SocketAddress: "not-an-address", Protocols: []string{"tcp"}},
				},
			},
		},
	}

	m := New(logging.NewDefault(), nil)
	err := m.Start(cfg, noopHandler())
	require.NoError(t, err)
	assert.Equal(t, 1, m.Active())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}
