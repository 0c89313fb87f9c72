// Package store implements the Store Client (spec component C1): a thin
// typed layer over a real Redis server, matching spec.md §1/§6's framing
// of the store as an external key-value service reachable at the
// configured `store_addr` — the same wire protocol the out-of-scope control tool
// speaks, so this daemon and that tool see the same keys.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dnsblrsd/dnsblrsd/pkg/dnserr"

	"github.com/redis/go-redis/v9"
)

// RuleKind distinguishes by-domain rules from by-ip rules, matching the
// "RD"/"RI" segment of the spec.md §6 key scheme (DBL;RD;<filter>;<domain>
// and DBL;RI;<filter>;<ip>).
type RuleKind string

const (
	RuleKindDomain RuleKind = "RD"
	RuleKindIP     RuleKind = "RI"
)

// SetKind names one of the control-tool-compatible membership sets
// (DBL;<kind>;<daemon_id>) that this daemon reads but never writes.
type SetKind string

const (
	SetKindBinds      SetKind = "binds"
	SetKindForwarders SetKind = "forwarders"
	SetKindFilters    SetKind = "filters"
	SetKindBlackholes SetKind = "blackholes"
)

// Store is a connection to the backing Redis server.
type Store struct {
	client *redis.Client
}

const pingTimeout = 5 * time.Second

// Open connects to the Redis server at addr ("host:port", or an absolute
// path to use a unix socket) and verifies it is reachable.
func Open(addr string) (*Store, error) {
	opts := &redis.Options{Addr: addr}
	if strings.HasPrefix(addr, "/") {
		opts = &redis.Options{Network: "unix", Addr: addr}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, dnserr.Wrap(dnserr.KindStoreError, "ping store", err)
	}

	return &Store{client: client}, nil
}

// Close closes the connection to Redis.
func (s *Store) Close() error {
	return s.client.Close()
}

func ruleKey(kind RuleKind, filter, key string) string {
	return fmt.Sprintf("DBL;%s;%s;%s", kind, filter, key)
}

func setKey(kind SetKind, daemonID string) string {
	return fmt.Sprintf("DBL;%s;%s", kind, daemonID)
}

// FieldQuery identifies a single hash-field read: the rule field value at
// (kind, filter, key).field.
type FieldQuery struct {
	Kind   RuleKind
	Filter string
	Key    string
	Field  string
}

// PipelinedHashFieldRead resolves every query in a single Redis pipeline —
// one HGET per query, one round trip no matter how many candidate keys the
// caller is probing (spec.md §4.1, §4.4 "pipeline locality") — and returns
// results in the same order as queries, with a nil entry for any query
// whose hash or field doesn't exist.
func (s *Store) PipelinedHashFieldRead(ctx context.Context, queries []FieldQuery) ([]*string, error) {
	results := make([]*string, len(queries))
	if len(queries) == 0 {
		return results, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(queries))
	for i, q := range queries {
		cmds[i] = pipe.HGet(ctx, ruleKey(q.Kind, q.Filter, q.Key), q.Field)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, dnserr.Wrap(dnserr.KindStoreError, "pipelined hash field read", err)
	}

	for i, cmd := range cmds {
		v, err := cmd.Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, dnserr.Wrap(dnserr.KindStoreError, "read hash field reply", err)
		}
		vv := v
		results[i] = &vv
	}

	return results, nil
}

// SetMembers returns every member of DBL;<kind>;<daemon_id>.
func (s *Store) SetMembers(ctx context.Context, kind SetKind, daemonID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, setKey(kind, daemonID)).Result()
	if err != nil {
		return nil, dnserr.Wrap(dnserr.KindStoreError, "set members", err)
	}
	return members, nil
}

// SetIsMember reports whether member belongs to DBL;<kind>;<daemon_id>.
func (s *Store) SetIsMember(ctx context.Context, kind SetKind, daemonID, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, setKey(kind, daemonID), member).Result()
	if err != nil {
		return false, dnserr.Wrap(dnserr.KindStoreError, "set is member", err)
	}
	return ok, nil
}

// WriteItem is one hash-set-multiple-then-expire pair, as the threat-feed
// ingester and control tool issue per matched item (spec.md §4.7 step 4).
type WriteItem struct {
	Kind   RuleKind
	Filter string
	Key    string
	Fields map[string]string
	TTL    time.Duration
}

// BatchResult reports how many of a WriteBatch's hmset/expire operations
// actually completed, mirroring the reconciliation the original threat-feed
// ingester performs against its Redis pipeline replies (spec.md §4.7
// "Reliability").
type BatchResult struct {
	Total    int
	HSetOK   int
	ExpireOK int
}

// WriteBatch submits one Redis pipeline containing an HSET (multiple
// fields) plus, when a TTL is set, an EXPIRE for every item — the same
// shape as the original ingester's `pipe_items`/`compute_pipe` — and
// reconciles the replies into a BatchResult rather than failing the whole
// batch on a partial write.
func (s *Store) WriteBatch(ctx context.Context, items []WriteItem) (BatchResult, error) {
	result := BatchResult{Total: len(items)}
	if len(items) == 0 {
		return result, nil
	}

	pipe := s.client.Pipeline()
	hsetCmds := make([]*redis.IntCmd, len(items))
	expireCmds := make([]*redis.BoolCmd, len(items))

	for i, item := range items {
		key := ruleKey(item.Kind, item.Filter, item.Key)
		fields := make(map[string]any, len(item.Fields))
		for field, value := range item.Fields {
			fields[field] = value
		}
		hsetCmds[i] = pipe.HSet(ctx, key, fields)
		if item.TTL > 0 {
			expireCmds[i] = pipe.Expire(ctx, key, item.TTL)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		// A reply error from one command is counted below; only a
		// transport-level failure fails the whole batch.
		var replyErr redis.Error
		if !errors.As(err, &replyErr) {
			return result, dnserr.Wrap(dnserr.KindStoreError, "write batch", err)
		}
	}

	for i, item := range items {
		if _, err := hsetCmds[i].Result(); err == nil {
			result.HSetOK++
		}
		if item.TTL > 0 {
			if ok, err := expireCmds[i].Result(); err == nil && ok {
				result.ExpireOK++
			}
		}
	}

	return result, nil
}

// WriteStat records a single stats hash field at DBL;R;stats;<daemon_id>;<ip>.
// Nothing in the query path calls this (spec.md §9's statistics Open
// Question resolves against putting per-request stats on the critical
// path); it exists so the key scheme and control-tool compatibility are
// present for a future, deliberately out-of-scope write path.
func (s *Store) WriteStat(ctx context.Context, daemonID, ip, field, value string) error {
	key := fmt.Sprintf("DBL;R;stats;%s;%s", daemonID, ip)
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return dnserr.Wrap(dnserr.KindStoreError, "write stat", err)
	}
	return nil
}

// Ping checks connectivity. Bootstrap does not call it directly: Open runs
// the same check, and an Open failure exits with code 69.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return dnserr.Wrap(dnserr.KindStoreError, "ping store", err)
	}
	return nil
}
