package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/titanclass/flip-flop-protocol/internal/frame"
)

// demoK0Hex mirrors the server's default well-known discovery key; real
// deployments must override both with --discovery-key.
var demoK0Hex = strings.Repeat("00", 16)

type serverTarget struct {
	addr uint8
	key  frame.Key
}

type appConfig struct {
	serialDev    string
	baud         int
	serialReadTO time.Duration

	servers []serverTarget

	discoveryEnable      bool
	discoveryKey         frame.Key
	discoveryWindow      time.Duration
	discoveryMaxRounds   int
	discoveredServerKey  frame.Key // applied to every address discovery commits (spec §3: real per-server key exchange is external)

	pollInterval time.Duration
	tResp        time.Duration

	updateFile        string
	updateTargets     []serverTarget
	updateVersion     [3]uint16
	updatePortsMask   uint8
	updateSignerPriv  []byte // optional 64-byte ed25519 private key
	updateSignedLen   uint16

	logFormat string
	logLevel  string

	metricsAddr     string
	logMetricsEvery time.Duration
}

func parseFlags() (*appConfig, bool, error) {
	cfg := &appConfig{}
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 20*time.Millisecond, "Serial read timeout")
	serversFlag := flag.String("servers", "", "Comma-separated addr:key16hex server table, e.g. 5:00112233445566778899aabbccddeeff")
	discoveryEnable := flag.Bool("discovery-enable", false, "Run discovery at startup to find servers instead of (or in addition to) --servers")
	discoveryKeyHex := flag.String("discovery-key", demoK0Hex, "Well-known discovery key K0, 32 hex chars")
	discoveryWindow := flag.Duration("discovery-window", 900*time.Millisecond, "Discovery listen window W")
	discoveryMaxRounds := flag.Int("discovery-max-rounds", 20, "Give up after this many non-clean discovery rounds")
	discoveredKeyHex := flag.String("discovered-server-key", "", "Key applied to every address discovery commits (required with --discovery-enable)")
	pollInterval := flag.Duration("poll-interval", 20*time.Millisecond, "Delay between successive ExchangeNext rounds")
	tResp := flag.Duration("t-resp", 50*time.Millisecond, "Client reply budget T_resp")
	updateFile := flag.String("update-file", "", "If set, broadcast this file as a software update and exit instead of polling")
	updateTargetsFlag := flag.String("update-targets", "", "Comma-separated addr:key16hex targets for --update-file's unicast Prepare")
	updateVersionFlag := flag.String("update-version", "0.0.0", "Update version major.minor.patch")
	updatePortsMask := flag.Int("update-ports-mask", 0, "PrepareUpdate ports_mask field")
	updateSignerPrivHex := flag.String("update-signer-priv", "", "Optional ed25519 private key (128 hex chars) signing the update trailer")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9102); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		return cfg, true, nil
	}

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.discoveryEnable = *discoveryEnable
	cfg.discoveryWindow = *discoveryWindow
	cfg.discoveryMaxRounds = *discoveryMaxRounds
	cfg.pollInterval = *pollInterval
	cfg.tResp = *tResp
	cfg.updateFile = *updateFile
	cfg.updatePortsMask = uint8(*updatePortsMask)
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery

	if err := applyEnvOverrides(cfg, setFlags, serversFlag, discoveryKeyHex, discoveredKeyHex, updateTargetsFlag, updateSignerPrivHex); err != nil {
		return nil, false, err
	}

	if err := cfg.parseServers(*serversFlag); err != nil {
		return nil, false, fmt.Errorf("--servers: %w", err)
	}
	dk, err := decodeKey16(*discoveryKeyHex)
	if err != nil {
		return nil, false, fmt.Errorf("--discovery-key: %w", err)
	}
	cfg.discoveryKey = dk
	if cfg.discoveryEnable {
		if *discoveredKeyHex == "" {
			return nil, false, errors.New("--discovered-server-key is required with --discovery-enable")
		}
		k, err := decodeKey16(*discoveredKeyHex)
		if err != nil {
			return nil, false, fmt.Errorf("--discovered-server-key: %w", err)
		}
		cfg.discoveredServerKey = k
	}
	if cfg.updateFile != "" {
		targets, err := parseServerList(*updateTargetsFlag)
		if err != nil {
			return nil, false, fmt.Errorf("--update-targets: %w", err)
		}
		if len(targets) == 0 {
			return nil, false, errors.New("--update-targets is required with --update-file")
		}
		cfg.updateTargets = targets
		major, minor, patch, err := parseSemver(*updateVersionFlag)
		if err != nil {
			return nil, false, fmt.Errorf("--update-version: %w", err)
		}
		cfg.updateVersion = [3]uint16{major, minor, patch}
		if *updateSignerPrivHex != "" {
			b, err := hex.DecodeString(*updateSignerPrivHex)
			if err != nil {
				return nil, false, fmt.Errorf("--update-signer-priv: %w", err)
			}
			if len(b) != 64 {
				return nil, false, fmt.Errorf("--update-signer-priv: expected 64 bytes, got %d", len(b))
			}
			cfg.updateSignerPriv = b
			cfg.updateSignedLen = 64
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// applyEnvOverrides maps FLIPFLOP_CLIENT_* environment variables onto cfg
// for anything not explicitly set via flag (flag wins), mirroring the
// server binary's precedence.
func applyEnvOverrides(c *appConfig, set map[string]struct{}, serversFlag, discoveryKeyHex, discoveredKeyHex, updateTargetsFlag, updateSignerPrivHex *string) error {
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	var firstErr error
	if _, ok := set["serial"]; !ok {
		if v, ok := get("FLIPFLOP_CLIENT_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("FLIPFLOP_CLIENT_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid FLIPFLOP_CLIENT_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["servers"]; !ok {
		if v, ok := get("FLIPFLOP_CLIENT_SERVERS"); ok && v != "" {
			*serversFlag = v
		}
	}
	if _, ok := set["discovery-key"]; !ok {
		if v, ok := get("FLIPFLOP_CLIENT_DISCOVERY_KEY"); ok && v != "" {
			*discoveryKeyHex = v
		}
	}
	if _, ok := set["discovered-server-key"]; !ok {
		if v, ok := get("FLIPFLOP_CLIENT_DISCOVERED_SERVER_KEY"); ok && v != "" {
			*discoveredKeyHex = v
		}
	}
	if _, ok := set["update-targets"]; !ok {
		if v, ok := get("FLIPFLOP_CLIENT_UPDATE_TARGETS"); ok && v != "" {
			*updateTargetsFlag = v
		}
	}
	if _, ok := set["update-signer-priv"]; !ok {
		if v, ok := get("FLIPFLOP_CLIENT_UPDATE_SIGNER_PRIV"); ok && v != "" {
			*updateSignerPrivHex = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("FLIPFLOP_CLIENT_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("FLIPFLOP_CLIENT_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("FLIPFLOP_CLIENT_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	return firstErr
}

func (c *appConfig) parseServers(s string) error {
	targets, err := parseServerList(s)
	if err != nil {
		return err
	}
	c.servers = targets
	return nil
}

func parseServerList(s string) ([]serverTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []serverTarget
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed entry %q, expected addr:key16hex", part)
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil || n < 1 || n > 127 {
			return nil, fmt.Errorf("invalid address %q", fields[0])
		}
		key, err := decodeKey16(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid key for addr %d: %w", n, err)
		}
		out = append(out, serverTarget{addr: uint8(n), key: key})
	}
	return out, nil
}

func decodeKey16(s string) (frame.Key, error) {
	var out frame.Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 16 {
		return out, fmt.Errorf("expected 16 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func parseSemver(s string) (uint16, uint16, uint16, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("expected major.minor.patch, got %q", s)
	}
	var out [3]uint16
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 0xFFFF {
			return 0, 0, 0, fmt.Errorf("invalid version component %q", p)
		}
		out[i] = uint16(n)
	}
	return out[0], out[1], out[2], nil
}

func (c *appConfig) validate() error {
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return errors.New("serial-read-timeout must be > 0")
	}
	if c.pollInterval <= 0 {
		return errors.New("poll-interval must be > 0")
	}
	if c.tResp <= 0 {
		return errors.New("t-resp must be > 0")
	}
	if c.discoveryWindow <= 0 {
		return errors.New("discovery-window must be > 0")
	}
	if c.updateFile == "" && len(c.servers) == 0 && !c.discoveryEnable {
		return errors.New("at least one of --servers, --discovery-enable or --update-file is required")
	}
	return nil
}
