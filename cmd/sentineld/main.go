// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command sentineld runs the network threat detection data plane:
// ingestors, the stream processor with its detectors, the policy
// engine with its firewall backends, and the HTTP control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gopacket/gopacket/pcapgo"
	"golang.org/x/sync/errgroup"

	"github.com/MuzeenMir/sentinel-sub000/internal/api"
	"github.com/MuzeenMir/sentinel-sub000/internal/config"
	"github.com/MuzeenMir/sentinel-sub000/internal/firewall"
	"github.com/MuzeenMir/sentinel-sub000/internal/ingest"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
	"github.com/MuzeenMir/sentinel-sub000/internal/metrics"
	"github.com/MuzeenMir/sentinel-sub000/internal/pipeline"
	"github.com/MuzeenMir/sentinel-sub000/internal/policy"
	"github.com/MuzeenMir/sentinel-sub000/internal/publish"
	"github.com/MuzeenMir/sentinel-sub000/internal/stats"
)

// Exit codes.
const (
	exitOK          = 0
	exitRuntime     = 1
	exitConfig      = 2
	exitUnavailable = 3
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	validateOnly := flag.Bool("validate", false, "Validate the configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentineld: %v\n", err)
		os.Exit(exitConfig)
	}
	if errs := cfg.Validate(); errs.HasErrors() {
		fmt.Fprintf(os.Stderr, "sentineld: invalid configuration: %s\n", errs.Error())
		os.Exit(exitConfig)
	}
	if *validateOnly {
		fmt.Println("configuration OK")
		os.Exit(exitOK)
	}

	logging.SetDefault(logging.New(cfg.Logging.ToLogging()))
	logger := logging.WithComponent("sentineld")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, logger))
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) int {
	var store policy.Store
	if cfg.Policy.RedisAddr != "" {
		rs, err := policy.NewRedisStore(cfg.Policy.RedisAddr, cfg.Policy.RedisPassword, cfg.Policy.RedisDB)
		if err != nil {
			logger.Error("Policy store unavailable", "addr", cfg.Policy.RedisAddr, "error", err)
			return exitUnavailable
		}
		store = rs
	} else {
		logger.Info("Using in-memory policy store")
		store = policy.NewMemoryStore()
	}
	defer store.Close()

	adapters, err := firewall.New(ctx, cfg.Firewall)
	if err != nil {
		logger.Error("Firewall backend setup failed", "error", err)
		return exitUnavailable
	}
	engine := policy.NewEngine(store, adapters)
	engine.Start(ctx)
	defer engine.Stop()

	publisher, err := newPublisher(ctx, cfg)
	if err != nil {
		logger.Error("Publisher setup failed", "error", err)
		return exitUnavailable
	}
	defer publisher.Close()

	var recorder *stats.Recorder
	if cfg.Stats.Enabled {
		recorder, err = stats.NewRecorder(cfg.Stats.RedisAddr, cfg.Stats.RedisPassword, cfg.Stats.RedisDB)
		if err != nil {
			logger.Error("Stats store unavailable", "addr", cfg.Stats.RedisAddr, "error", err)
			return exitUnavailable
		}
	}

	m := metrics.New()
	queue := ingest.NewQueue(cfg.Ingest.QueueSize)

	pipe := pipeline.New(pipeline.Options{
		Queue:           queue,
		Publisher:       publisher,
		Stats:           recorder,
		Metrics:         m,
		Detection:       cfg.Detection.ToDetect(),
		Parallelism:     cfg.Pipeline.Parallelism,
		BatchSize:       cfg.Pipeline.BatchSize,
		FlushInterval:   cfg.Pipeline.FlushInterval,
		ShutdownTimeout: cfg.Pipeline.ShutdownTimeout,
	})

	var push *ingest.PushIngestor
	if cfg.Ingest.PushEnabled {
		push = ingest.NewPushIngestor(queue)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipe.Run(gctx) })

	if cfg.Ingest.NetFlowListen != "" {
		port, err := udpPort(cfg.Ingest.NetFlowListen)
		if err != nil {
			logger.Error("Bad NetFlow listen address", "error", err)
			return exitConfig
		}
		nf := ingest.NewNetFlowIngestor(queue)
		g.Go(func() error { return nf.Run(gctx, port) })
	}
	if cfg.Ingest.SFlowListen != "" {
		port, err := udpPort(cfg.Ingest.SFlowListen)
		if err != nil {
			logger.Error("Bad sFlow listen address", "error", err)
			return exitConfig
		}
		sf := ingest.NewSFlowIngestor(queue)
		g.Go(func() error { return sf.Run(gctx, port) })
	}
	if cfg.Ingest.PcapFile != "" {
		f, err := os.Open(cfg.Ingest.PcapFile)
		if err != nil {
			logger.Error("Cannot open pcap file", "path", cfg.Ingest.PcapFile, "error", err)
			return exitUnavailable
		}
		defer f.Close()
		reader, err := pcapgo.NewReader(f)
		if err != nil {
			logger.Error("Cannot read pcap file", "path", cfg.Ingest.PcapFile, "error", err)
			return exitUnavailable
		}
		pkt := ingest.NewPacketIngestor(queue, reader)
		g.Go(func() error { return pkt.Run(gctx) })
	}
	if cfg.Ingest.Interface != "" {
		src, err := openLiveCapture(cfg.Ingest.Interface)
		if err != nil {
			logger.Error("Cannot open capture interface", "interface", cfg.Ingest.Interface, "error", err)
			return exitUnavailable
		}
		// The handle's blocking read only returns once the socket closes.
		if c, ok := src.(interface{ Close() }); ok {
			g.Go(func() error {
				<-gctx.Done()
				c.Close()
				return nil
			})
		}
		pkt := ingest.NewPacketIngestor(queue, src)
		g.Go(func() error { return pkt.Run(gctx) })
	}

	if cfg.Metrics.ScrapeInterval > 0 && usesNftables(cfg.Firewall.Vendors) {
		g.Go(func() error { return scrapeFirewallCounters(gctx, m, cfg.Metrics.ScrapeInterval, logger) })
	}

	opts := api.ServerOptions{
		Policies: engine,
		Push:     push,
		Metrics:  m.Handler(),
		Health:   func() api.HealthSnapshot { return pipe.Health() },
	}
	if recorder != nil {
		opts.Stats = recorder
	}
	srv := api.NewServer(opts)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.API.Listen, cfg.API.ReadTimeout, cfg.API.WriteTimeout)
	})

	logger.Info("sentineld started", "api", cfg.API.Listen)
	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("sentineld failed", "error", err)
		return exitRuntime
	}
	logger.Info("sentineld stopped")
	return exitOK
}

func newPublisher(ctx context.Context, cfg *config.Config) (publish.Publisher, error) {
	if cfg.Publish.Backend == "pubsub" {
		return publish.NewPubSub(ctx, cfg.Publish.ProjectID, cfg.Publish.QueueSize)
	}
	return publish.NewMemory(cfg.Publish.QueueSize), nil
}

func udpPort(listen string) (int, error) {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

func usesNftables(vendors []string) bool {
	for _, v := range vendors {
		if v == "nftables" || v == "auto" {
			return true
		}
	}
	return len(vendors) == 0
}

func scrapeFirewallCounters(ctx context.Context, m *metrics.Metrics, interval time.Duration, logger *logging.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.UpdateFirewallCounters("sentinel"); err != nil {
				logger.Debug("Firewall counter scrape failed", "error", err)
			}
		}
	}
}
