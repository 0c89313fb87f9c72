// Package feed implements the Threat-Feed Ingester (spec component C7): a
// background task that periodically pulls indicator lists from a MISP-
// compatible HTTP API and materializes them as time-expiring rule entries
// in the store.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dnsblrsd/dnsblrsd/pkg/config"
	"github.com/dnsblrsd/dnsblrsd/pkg/logging"
	"github.com/dnsblrsd/dnsblrsd/pkg/store"
	"github.com/dnsblrsd/dnsblrsd/pkg/telemetry"
)

// sourceFilter is the fixed filter name every ingested rule is written
// under, per spec.md §4.7 step 4.
const sourceFilter = "malware"

// maxConsecutivePageFailures bounds how many times runCycle advances past a
// failing page before giving up on the cycle. Without this cap a feed
// endpoint that is down for an entire cycle retries at zero delay forever,
// which never lets run's select reach its sleep boundary (spec.md §5
// cooperative-shutdown/update_freq_secs contract).
const maxConsecutivePageFailures = 5

var attributeTypes = []string{"hostname", "domain", "domain|ip", "ip-dst", "ip-src"}

// mispItem is one indicator parsed out of a feed API response page.
type mispItem struct {
	typ string
	val string
}

// Ingester runs the periodic MISP pull, dedup, and store-write cycle.
type Ingester struct {
	cfg    *config.MispAPIConf
	store  *store.Store
	client *http.Client
	logger *logging.Logger
	metric *telemetry.Metrics

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
}

// New builds an Ingester. cfg is validated non-nil by the caller — a nil
// MispAPIConf in the daemon config means the ingester is never started.
func New(cfg *config.MispAPIConf, s *store.Store, forwarders []string, logger *logging.Logger, metrics *telemetry.Metrics) *Ingester {
	return &Ingester{
		cfg:      cfg,
		store:    s,
		client:   newHTTPClient(forwarders, 30*time.Second, logger),
		logger:   logger,
		metric:   metrics,
		stopChan: make(chan struct{}),
	}
}

// Start runs an immediate cycle, then one every update_freq_secs, until
// Stop is called. Non-blocking: the loop runs in its own goroutine.
func (ing *Ingester) Start(ctx context.Context) {
	if !ing.started.CompareAndSwap(false, true) {
		return
	}
	ing.stopChan = make(chan struct{})

	ing.wg.Add(1)
	go ing.run(ctx)
}

// Stop signals the ingester's loop to exit at its next sleep boundary and
// waits for it to finish.
func (ing *Ingester) Stop() {
	if !ing.started.CompareAndSwap(true, false) {
		return
	}
	close(ing.stopChan)
	ing.wg.Wait()
}

func (ing *Ingester) run(ctx context.Context) {
	defer ing.wg.Done()

	updateFreq := time.Duration(ing.cfg.UpdateFreqSecs) * time.Second
	for {
		ing.runCycle(ctx)

		if ing.metric != nil {
			ing.metric.FeedCycles.Add(ctx, 1)
		}

		select {
		case <-ing.stopChan:
			return
		case <-ctx.Done():
			return
		case <-time.After(updateFreq):
		}
	}
}

// runCycle implements spec.md §4.7 steps 1–7: page through the feed API
// until a page returns fewer items than the page size, writing each page's
// deduplicated items to the store as one batch.
func (ing *Ingester) runCycle(ctx context.Context) {
	// request_timestamp is forwarded to the feed API verbatim as a string
	// (its "7d"-style grammar); parsing here only validates it's well-formed
	// before spending a cycle on it.
	if _, err := config.ParseDurationAbbrev(ing.cfg.RequestTimestamp); err != nil {
		ing.logger.Error("feed cycle aborted: invalid request_timestamp", "error", err)
		return
	}

	page := 1
	lastItemCount := ing.cfg.RequestItemLimit
	consecutiveFailures := 0

	for lastItemCount >= ing.cfg.RequestItemLimit {
		select {
		case <-ctx.Done():
			return
		case <-ing.stopChan:
			return
		default:
		}

		attributes, err := ing.fetchPage(ctx, page)
		if err != nil {
			ing.logger.Error("feed page request failed, advancing", "page", page, "error", err)
			if ing.metric != nil {
				ing.metric.FeedWriteErrors.Add(ctx, 1)
			}
			consecutiveFailures++
			if consecutiveFailures >= maxConsecutivePageFailures {
				ing.logger.Error("feed cycle aborted: too many consecutive page failures",
					"page", page, "consecutive_failures", consecutiveFailures)
				return
			}
			page++
			continue
		}
		consecutiveFailures = 0

		if len(attributes) == 0 {
			ing.logger.Info("no new feed records to add")
			return
		}
		lastItemCount = len(attributes)

		items := dedupLastWins(attributes)
		writes, err := itemsToWrites(items, ing.cfg.RetentionTimeSecs)
		if err != nil {
			ing.logger.Error("feed cycle aborted: unexpected attribute type", "error", err)
			return
		}

		if len(writes) > 0 {
			result, err := ing.store.WriteBatch(ctx, writes)
			if err != nil {
				ing.logger.Error("feed batch write failed, advancing", "page", page, "error", err)
				if ing.metric != nil {
					ing.metric.FeedWriteErrors.Add(ctx, 1)
				}
				consecutiveFailures++
				if consecutiveFailures >= maxConsecutivePageFailures {
					ing.logger.Error("feed cycle aborted: too many consecutive page failures",
						"page", page, "consecutive_failures", consecutiveFailures)
					return
				}
				page++
				continue
			}
			consecutiveFailures = 0

			if ing.metric != nil {
				ing.metric.FeedItemsWritten.Add(ctx, int64(result.HSetOK))
			}
			if result.HSetOK != result.ExpireOK {
				ing.logger.Warn("not all feed records were properly added or their expiry could not be set",
					"hset_ok", result.HSetOK, "expire_ok", result.ExpireOK)
			}
			if result.HSetOK != result.Total {
				ing.logger.Warn("some feed records could not be written to the store",
					"hset_ok", result.HSetOK, "total", result.Total)
			}
		}

		page++
	}
}

type mispResponse struct {
	Response struct {
		Attribute []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"Attribute"`
	} `json:"response"`
}

// fetchPage issues the page request and returns its parsed attribute list.
func (ing *Ingester) fetchPage(ctx context.Context, page int) ([]mispItem, error) {
	body := map[string]any{
		"returnFormat":       "json",
		"type":               map[string]any{"OR": attributeTypes},
		"enforceWarninglist": true,
		"to_ids":             1,
		"timestamp":          ing.cfg.RequestTimestamp,
		"limit":              ing.cfg.RequestItemLimit,
		"page":               page,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ing.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", ing.cfg.Token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "dnsblrsd")
	req.Header.Set("Content-Type", "application/json")

	resp, err := ing.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var parsed mispResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	items := make([]mispItem, 0, len(parsed.Response.Attribute))
	for _, a := range parsed.Response.Attribute {
		if a.Type == "" || a.Value == "" {
			continue
		}
		items = append(items, mispItem{typ: a.Type, val: a.Value})
	}
	return items, nil
}

// dedupLastWins removes duplicate values within a page: for each value the
// item of its last occurrence is kept, placed at the position of its first
// occurrence. spec.md §4.7 step 3 permits either direction; the original's
// HashMap::entry().or_insert() keeps the first-seen item, this one keeps
// the last.
func dedupLastWins(items []mispItem) []mispItem {
	order := make([]string, 0, len(items))
	byValue := make(map[string]mispItem, len(items))
	for _, item := range items {
		if _, seen := byValue[item.val]; !seen {
			order = append(order, item.val)
		}
		byValue[item.val] = item
	}

	out := make([]mispItem, 0, len(order))
	for _, val := range order {
		out = append(out, byValue[val])
	}
	return out
}

// itemsToWrites synthesizes the store write operations for a deduplicated
// page of items, per spec.md §4.7 step 4–5.
func itemsToWrites(items []mispItem, retentionSecs int64) ([]store.WriteItem, error) {
	ttl := time.Duration(retentionSecs) * time.Second
	now := time.Now().UTC()
	fields := map[string]string{
		"enabled": "1",
		"date":    now.Format("2006-01-02-15:04"),
		"src":     sourceFilter,
	}

	var writes []store.WriteItem
	for _, item := range items {
		switch item.typ {
		case "domain|ip":
			domain, ip, ok := strings.Cut(item.val, "|")
			if !ok {
				return nil, fmt.Errorf("malformed domain|ip attribute value %q", item.val)
			}
			writes = append(writes,
				store.WriteItem{Kind: store.RuleKindDomain, Filter: sourceFilter, Key: domain, Fields: fields, TTL: ttl},
				store.WriteItem{Kind: store.RuleKindIP, Filter: sourceFilter, Key: ip, Fields: fields, TTL: ttl},
			)
		case "domain", "hostname":
			writes = append(writes, store.WriteItem{Kind: store.RuleKindDomain, Filter: sourceFilter, Key: item.val, Fields: fields, TTL: ttl})
		case "ip-src", "ip-dst":
			writes = append(writes, store.WriteItem{Kind: store.RuleKindIP, Filter: sourceFilter, Key: item.val, Fields: fields, TTL: ttl})
		default:
			return nil, fmt.Errorf("unexpected attribute type: %s", item.typ)
		}
	}
	return writes, nil
}
