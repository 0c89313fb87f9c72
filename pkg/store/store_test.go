package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := Open(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestOpenPingsStore(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}

func TestWriteBatchThenPipelinedRead(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	result, err := s.WriteBatch(ctx, []WriteItem{
		{
			Kind:   RuleKindDomain,
			Filter: "malware",
			Key:    "evil.example.com",
			Fields: map[string]string{"source": "misp", "category": "malware-c2"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.HSetOK)
	assert.Equal(t, 0, result.ExpireOK)

	values, err := s.PipelinedHashFieldRead(ctx, []FieldQuery{
		{Kind: RuleKindDomain, Filter: "malware", Key: "evil.example.com", Field: "source"},
		{Kind: RuleKindDomain, Filter: "malware", Key: "evil.example.com", Field: "category"},
		{Kind: RuleKindDomain, Filter: "malware", Key: "absent.example.com", Field: "source"},
	})
	require.NoError(t, err)
	require.Len(t, values, 3)
	require.NotNil(t, values[0])
	assert.Equal(t, "misp", *values[0])
	require.NotNil(t, values[1])
	assert.Equal(t, "malware-c2", *values[1])
	assert.Nil(t, values[2])
}

func TestPipelinedHashFieldReadEmptyQueries(t *testing.T) {
	s, _ := openTestStore(t)
	values, err := s.PipelinedHashFieldRead(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestWriteBatchUpsertOverwritesFields(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	_, err := s.WriteBatch(ctx, []WriteItem{
		{Kind: RuleKindIP, Filter: "malware", Key: "198.51.100.7", Fields: map[string]string{"source": "misp"}},
	})
	require.NoError(t, err)

	_, err = s.WriteBatch(ctx, []WriteItem{
		{Kind: RuleKindIP, Filter: "malware", Key: "198.51.100.7", Fields: map[string]string{"source": "manual"}},
	})
	require.NoError(t, err)

	values, err := s.PipelinedHashFieldRead(ctx, []FieldQuery{
		{Kind: RuleKindIP, Filter: "malware", Key: "198.51.100.7", Field: "source"},
	})
	require.NoError(t, err)
	require.NotNil(t, values[0])
	assert.Equal(t, "manual", *values[0])
}

func TestWriteBatchSetsExpiry(t *testing.T) {
	s, mr := openTestStore(t)
	ctx := context.Background()

	result, err := s.WriteBatch(ctx, []WriteItem{
		{
			Kind:   RuleKindDomain,
			Filter: "malware",
			Key:    "temp.example.com",
			Fields: map[string]string{"source": "misp"},
			TTL:    time.Hour,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExpireOK)
	assert.True(t, mr.TTL(ruleKey(RuleKindDomain, "malware", "temp.example.com")) > 0)
}

func TestExpiredRuleNotReturnedByPipelinedRead(t *testing.T) {
	s, mr := openTestStore(t)
	ctx := context.Background()

	_, err := s.WriteBatch(ctx, []WriteItem{
		{
			Kind:   RuleKindDomain,
			Filter: "malware",
			Key:    "stale.example.com",
			Fields: map[string]string{"source": "misp"},
			TTL:    time.Second,
		},
	})
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	values, err := s.PipelinedHashFieldRead(ctx, []FieldQuery{
		{Kind: RuleKindDomain, Filter: "malware", Key: "stale.example.com", Field: "source"},
	})
	require.NoError(t, err)
	assert.Nil(t, values[0])
}

func TestSetMembersAndIsMember(t *testing.T) {
	s, mr := openTestStore(t)
	ctx := context.Background()

	mr.SAdd(setKey(SetKindFilters, "primary"), "malware")

	members, err := s.SetMembers(ctx, SetKindFilters, "primary")
	require.NoError(t, err)
	assert.Equal(t, []string{"malware"}, members)

	isMember, err := s.SetIsMember(ctx, SetKindFilters, "primary", "malware")
	require.NoError(t, err)
	assert.True(t, isMember)

	isMember, err = s.SetIsMember(ctx, SetKindFilters, "primary", "phishing")
	require.NoError(t, err)
	assert.False(t, isMember)
}

func TestWriteStat(t *testing.T) {
	s, mr := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteStat(ctx, "primary", "203.0.113.4", "queries", "1"))
	require.NoError(t, s.WriteStat(ctx, "primary", "203.0.113.4", "queries", "2"))

	value, err := mr.HGet("DBL;R;stats;primary;203.0.113.4", "queries")
	require.NoError(t, err)
	assert.Equal(t, "2", value)
}
