package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/titanclass/flip-flop-protocol/internal/bus"
	"github.com/titanclass/flip-flop-protocol/internal/discovery"
	"github.com/titanclass/flip-flop-protocol/internal/exchange"
	"github.com/titanclass/flip-flop-protocol/internal/metrics"
	"github.com/titanclass/flip-flop-protocol/internal/serial"
	"github.com/titanclass/flip-flop-protocol/internal/update"
)

// commandPort must match the value the targeted servers were started
// with (see cmd/flipflop-server's commandPort).
const commandPort = 2

func main() {
	cfg, showVersion, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if showVersion {
		fmt.Printf("flipflop-client %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	port, err := serial.Open(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		l.Error("serial_open_error", "error", err, "device", cfg.serialDev)
		os.Exit(1)
	}
	defer port.Close()
	tr := bus.NewSerialTransport(port)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	// The bus is already open by this point (serial.Open above would have
	// exited the process otherwise); readiness only needs to gate on
	// discovery, which runs after this point when enabled.
	var discoveryDone atomic.Bool
	if !cfg.discoveryEnable {
		discoveryDone.Store(true)
	}

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metrics.SetReadinessFunc(func() bool {
			return ctx.Err() == nil && discoveryDone.Load()
		})
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
	}()

	if cfg.updateFile != "" {
		if err := runUpdate(ctx, cfg, tr, l); err != nil {
			l.Error("update_failed", "error", err)
			os.Exit(1)
		}
		l.Info("update_broadcast_complete")
		return
	}

	client := exchange.NewClient(commandPort)
	for _, s := range cfg.servers {
		client.AddServer(s.addr, s.key)
	}
	if cfg.discoveryEnable {
		runDiscovery(tr, cfg, client, l)
		discoveryDone.Store(true)
	}

	runPollLoop(ctx, cfg, tr, client, l)
	wg.Wait()

	snap := metrics.Snap()
	l.Info("shutdown_summary",
		"exchanges", snap.Exchanges,
		"timeouts", snap.Timeouts,
		"loss_of_sync", snap.LossOfSync,
		"errors", snap.Errors,
	)
}

// runDiscovery runs the client side of discovery (spec §4.D) and
// registers every newly committed address with discoveredServerKey
// (the real per-server key exchange is left external per spec §3).
func runDiscovery(tr bus.Transport, cfg *appConfig, client *exchange.Client, l *slog.Logger) {
	l.Info("discovery_start", "window", cfg.discoveryWindow, "max_rounds", cfg.discoveryMaxRounds)
	dc := discovery.NewClient(cfg.discoveryKey)
	committed, err := dc.Run(tr, cfg.discoveryWindow, cfg.discoveryMaxRounds)
	if err != nil {
		l.Warn("discovery_incomplete", "error", err, "committed", len(committed))
	}
	for _, addr := range committed {
		client.AddServer(addr, cfg.discoveredServerKey)
		l.Info("discovery_committed", "addr", addr)
	}
}

// runPollLoop runs the client-side round-robin exchange scheduler
// forever (spec §4.C), one ExchangeNext call per tick.
func runPollLoop(ctx context.Context, cfg *appConfig, tr bus.Transport, client *exchange.Client, l *slog.Logger) {
	t := time.NewTicker(cfg.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		res, err := client.ExchangeNext(tr, exchange.PollCommandID, nil, cfg.tResp)
		if err == exchange.ErrNoServers {
			continue
		}
		if err != nil {
			l.Warn("exchange_error", "error", err)
			continue
		}
		switch {
		case res.Timeout:
			l.Debug("exchange_timeout", "addr", res.Addr)
		case res.LossOfSync != nil:
			l.Warn("loss_of_sync", "addr", res.Addr, "expected", res.LossOfSync.Expected, "got", res.LossOfSync.Got)
			// Demo recovery policy: acknowledge immediately so polling
			// resumes from the server's reported offset (spec §8 / §9
			// Open Question: a real host may choose to pause and alert
			// instead).
			client.AckLossOfSync(res.Addr, res.LossOfSync.Got)
		case res.Delivered != nil:
			l.Info("event_delivered", "addr", res.Addr, "offset", res.Delivered.Offset, "t_delta_ms", res.Delivered.TDelta, "bytes", len(res.Delivered.Body))
		}
	}
}

// runUpdate drives one broadcast software-update session (spec §4.E):
// unicast Prepare to every target under its own key, then a paced
// broadcast of the file under a fresh ephemeral update_key.
func runUpdate(ctx context.Context, cfg *appConfig, tr bus.Transport, l *slog.Logger) error {
	data, err := os.ReadFile(cfg.updateFile)
	if err != nil {
		return fmt.Errorf("read update file: %w", err)
	}
	updateKey, err := update.GenerateUpdateKey()
	if err != nil {
		return err
	}
	b := update.NewBroadcaster()

	targets := make([]update.Target, len(cfg.updateTargets))
	for i, t := range cfg.updateTargets {
		targets[i] = update.Target{Addr: t.addr, Key: t.key}
	}
	prep := update.Prepare{
		Major:      cfg.updateVersion[0],
		Minor:      cfg.updateVersion[1],
		Patch:      cfg.updateVersion[2],
		PortsMask:  cfg.updatePortsMask,
		TotalBytes: uint32(len(data)),
		UpdateKey:  updateKey,
		SignedLen:  cfg.updateSignedLen,
	}
	l.Info("update_prepare", "targets", len(targets), "total_bytes", prep.TotalBytes)
	if err := b.Prepare(tr, targets, prep, update.Config{}); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	var signer ed25519.PrivateKey
	if len(cfg.updateSignerPriv) == 64 {
		signer = ed25519.PrivateKey(cfg.updateSignerPriv)
	}
	l.Info("update_broadcast_start", "bytes", len(data))
	return b.Broadcast(ctx, tr, updateKey, data, signer, update.Config{})
}
