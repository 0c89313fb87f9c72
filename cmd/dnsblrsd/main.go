// Command dnsblrsd is the recursive-forwarding DNS daemon: it loads a YAML
// config, opens the store, wires the resolver/policy/handler chain, binds
// every configured service/protocol pair, optionally starts the threat-feed
// ingester, and blocks until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dnsblrsd/dnsblrsd/pkg/bindmgr"
	"github.com/dnsblrsd/dnsblrsd/pkg/config"
	"github.com/dnsblrsd/dnsblrsd/pkg/dnserr"
	"github.com/dnsblrsd/dnsblrsd/pkg/feed"
	"github.com/dnsblrsd/dnsblrsd/pkg/lifecycle"
	"github.com/dnsblrsd/dnsblrsd/pkg/logging"
	"github.com/dnsblrsd/dnsblrsd/pkg/policy"
	"github.com/dnsblrsd/dnsblrsd/pkg/query"
	"github.com/dnsblrsd/dnsblrsd/pkg/resolver"
	"github.com/dnsblrsd/dnsblrsd/pkg/store"
	"github.com/dnsblrsd/dnsblrsd/pkg/telemetry"
)

// BSD sysexits (spec.md §6).
const (
	exitConfig      = 78 // EX_CONFIG
	exitUnavailable = 69 // EX_UNAVAILABLE
	exitOSErr       = 71 // EX_OSERR
	exitSoftware    = 70 // EX_SOFTWARE
)

const shutdownGrace = 5 * time.Second

var configPath = flag.String("config", "dnsblrsd.yaml", "Path to configuration file")

func main() {
	flag.Parse()
	os.Exit(run())
}

// run is factored out of main so a top-level recover can map an unexpected
// panic to EX_SOFTWARE instead of the runtime's default abort.
func run() (code int) {
	defer func() {
		if p := recover(); p != nil {
			fmt.Fprintf(os.Stderr, "fatal: unrecovered panic: %v\n", p)
			code = exitSoftware
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitConfig
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitConfig
	}

	logger.Info("dnsblrsd starting", "daemon_id", cfg.DaemonID)

	ctx := context.Background()

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		return exitSoftware
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		return exitSoftware
	}

	st, err := store.Open(cfg.StoreAddr)
	if err != nil {
		logger.Error("failed to open store", "store_addr", cfg.StoreAddr, "error", err)
		return exitUnavailable
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()

	res := resolver.New(cfg.Forwarders, logger)
	pol := policy.New(st, cfg.AllFilters())
	handler := query.New(res, pol, metrics, logger)

	lc := lifecycle.New(ctx, res, logger)
	lc.Start()

	binds := bindmgr.New(logger, metrics)
	if err := binds.Start(cfg, handler); err != nil {
		logger.Error("failed to bind any listener", "error", err)
		lc.Stop()
		if dnserr.KindOf(err) == dnserr.KindBindFailure {
			return exitOSErr
		}
		return exitSoftware
	}
	logger.Info("binds active", "count", binds.Active())

	var ingester *feed.Ingester
	if cfg.MispAPIConf != nil {
		ingester = feed.New(cfg.MispAPIConf, st, cfg.Forwarders, logger, metrics)
		ingester.Start(lc.Context())
		logger.Info("threat-feed ingester started", "url", cfg.MispAPIConf.URL)
	}

	logger.Info("dnsblrsd running")
	<-lc.Context().Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if ingester != nil {
		ingester.Stop()
	}
	if err := binds.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down binds", "error", err)
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down telemetry", "error", err)
	}
	lc.Stop()

	logger.Info("dnsblrsd stopped")
	return 0
}
