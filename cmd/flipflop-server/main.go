package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/titanclass/flip-flop-protocol/internal/bus"
	"github.com/titanclass/flip-flop-protocol/internal/discovery"
	"github.com/titanclass/flip-flop-protocol/internal/eventlog"
	"github.com/titanclass/flip-flop-protocol/internal/exchange"
	"github.com/titanclass/flip-flop-protocol/internal/frame"
	"github.com/titanclass/flip-flop-protocol/internal/metrics"
	"github.com/titanclass/flip-flop-protocol/internal/serial"
	"github.com/titanclass/flip-flop-protocol/internal/update"
)

// commandPort is the app-defined wire port (spec §6) this server uses
// for ordinary command/event exchanges; port 0 is reserved for
// discovery and port 1 for the update protocol, so client and server
// binaries must agree on this value out-of-band same as they agree on
// keys.
const commandPort = 2

// recvPoll bounds each Recv call in the main demux loop so the process
// can still notice ctx cancellation promptly between frames.
const recvPoll = 250 * time.Millisecond

// rxBackoffMin/rxBackoffMax bound the exponential backoff runExchangeLoop
// applies after a transient bus read error, mirroring the teacher's
// backend_serial.go RX loop rather than busy-looping on a failing port.
const (
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

func main() {
	cfg, showVersion, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if showVersion {
		fmt.Printf("flipflop-server %s (commit %s, built %s)\n", version, commit, date)
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

	ownAddr, ok, discoveryRounds := acquireAddress(ctx, cfg, tr, l)
	if !ok {
		l.Error("discovery_failed", "timeout", cfg.discoveryTimeout)
		os.Exit(1)
	}
	l.Info("server_address", "addr", ownAddr)
	busOpen := true
	discoveryDone := !cfg.discovery || discoveryRounds > 0

	log := eventlog.New(cfg.logCapacity)
	upd := newUpdateState(cfg.updateSignerPub)
	srv := exchange.NewServer(exchange.ServerConfig{
		Addr:    ownAddr,
		Port:    commandPort,
		Key:     cfg.key,
		Log:     log,
		Handler: appHandler(l),
		RespMax: cfg.respMax,
	})

	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	var metricsPort int
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metrics.SetReadinessFunc(func() bool {
			return ctx.Err() == nil && busOpen && discoveryDone
		})
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
		if _, p, perr := splitPort(cfg.metricsAddr); perr == nil {
			metricsPort = p
		}
	}

	cleanupMDNS, err := startMDNS(ctx, cfg, metricsPort)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
	} else {
		defer cleanupMDNS()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runExchangeLoop(ctx, cfg, tr, srv, log, upd, l)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	wg.Wait()

	snap := metrics.Snap()
	l.Info("shutdown_summary",
		"exchanges", snap.Exchanges,
		"timeouts", snap.Timeouts,
		"loss_of_sync", snap.LossOfSync,
		"malformed", snap.Malformed,
		"errors", snap.Errors,
	)
}

// acquireAddress returns cfg.addr directly if static, otherwise runs
// the server side of discovery (spec §4.D) for cfg.discoveryTimeout and
// returns the last candidate the replier proposed (ok is false if it
// never proposed one). rounds counts identify broadcasts this server
// handled without error, so the caller can gate readiness on at least
// one completed round.
func acquireAddress(ctx context.Context, cfg *appConfig, tr bus.Transport, l *slog.Logger) (addr uint8, ok bool, rounds int) {
	if !cfg.discovery {
		return uint8(cfg.addr), true, 0
	}
	l.Info("discovery_start", "timeout", cfg.discoveryTimeout)
	replier := discovery.NewReplier(cfg.discoveryKey)
	deadline := time.Now().Add(cfg.discoveryTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return 0, false, rounds
		default:
		}
		recvDeadline := time.Now().Add(recvPoll)
		if recvDeadline.After(deadline) {
			recvDeadline = deadline
		}
		sealed, err := tr.Recv(recvDeadline)
		if err != nil {
			continue
		}
		hdr, err := frame.PeekHeader(sealed)
		if err != nil || hdr.Addr != 0 || hdr.Port != 0 {
			continue
		}
		if err := replier.HandleFrame(tr, sealed, discovery.DefaultWindow); err != nil {
			l.Warn("discovery_reply_error", "error", err)
			continue
		}
		rounds++
	}
	committed, ok := replier.CommittedAddr()
	return committed, ok, rounds
}

// runExchangeLoop demuxes frames addressed to ownAddr by wire port
// (spec §6: port 1 carries update traffic, commandPort carries ordinary
// command/event exchanges) since the header's Addr/Port fields are
// plaintext associated data and can be read before any key is chosen
// (internal/frame.PeekHeader).
func runExchangeLoop(ctx context.Context, cfg *appConfig, tr bus.Transport, srv *exchange.Server, log *eventlog.Log, upd *updateState, l *slog.Logger) {
	codec := frame.Codec{}
	ownAddr := srv.Addr()
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		sealed, err := tr.Recv(time.Now().Add(recvPoll))
		if err != nil {
			if err == bus.ErrTimeout {
				backoff = rxBackoffMin
				continue
			}
			metrics.IncError(metrics.ErrBusRead)
			l.Warn("bus_read_error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		backoff = rxBackoffMin
		hdr, err := frame.PeekHeader(sealed)
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		switch {
		case hdr.Addr == ownAddr && hdr.Port == commandPort:
			start := time.Now()
			if err := srv.HandleFrame(tr, sealed, start); err != nil {
				l.Debug("exchange_frame_dropped", "error", err)
			}
		case hdr.Addr == ownAddr && hdr.Port == 1:
			opened, err := codec.Open(sealed, func(a uint8) (frame.Key, bool) {
				if a == ownAddr {
					return cfg.key, true
				}
				return frame.Key{}, false
			})
			if err != nil {
				continue
			}
			upd.handlePrepare(opened.Payload, l)
		case hdr.Addr == 0 && hdr.Port == 1:
			key, ok := upd.key()
			if !ok {
				continue
			}
			opened, err := codec.Open(sealed, func(uint8) (frame.Key, bool) { return key, true })
			if err != nil {
				continue
			}
			offset, data, ok := update.DecodeChunk(opened.Payload)
			if !ok {
				continue
			}
			upd.handleChunk(offset, data, log, l)
		default:
			// Not addressed to this server (including stray identify
			// broadcasts once already committed); drop silently.
		}
	}
}

func splitPort(addr string) (string, int, error) {
	idx := -1
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return addr, 0, fmt.Errorf("no port in %q", addr)
	}
	p, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return addr[:idx], 0, err
	}
	return addr[:idx], p, nil
}

// appHandler returns a minimal application command handler: command id
// 1 appends its body verbatim as a new event (a stand-in for whatever
// application-specific effect a real deployment wires in here — spec
// §1 leaves command/event payload semantics out of scope). Any other
// non-zero id is logged and otherwise ignored.
func appHandler(l *slog.Logger) exchange.Handler {
	return func(cmd exchange.Command, log *eventlog.Log) {
		switch cmd.ID {
		case 1:
			if _, err := log.Append(cmd.Body); err != nil {
				l.Warn("command_append_failed", "error", err)
			}
		default:
			l.Debug("unhandled_command", "id", cmd.ID)
		}
	}
}
