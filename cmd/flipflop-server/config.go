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

// demoK0Hex is the well-known discovery key shipped as a default so the
// binary is runnable out of the box; spec §4.D requires every
// participant to share K0 out-of-band, so any real deployment must
// override it with --discovery-key.
var demoK0Hex = strings.Repeat("00", 16)

type appConfig struct {
	serialDev    string
	baud         int
	serialReadTO time.Duration

	addr             int // 0 means "acquire via discovery"
	key              frame.Key
	discovery        bool
	discoveryKey     frame.Key
	discoveryTimeout time.Duration

	logCapacity int
	respMax     time.Duration

	updateSignerPub []byte // optional 32-byte ed25519 public key

	logFormat string
	logLevel  string

	metricsAddr     string
	logMetricsEvery time.Duration

	mdnsEnable bool
	mdnsName   string
}

func parseFlags() (*appConfig, bool, error) {
	cfg := &appConfig{}
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 20*time.Millisecond, "Serial read timeout")
	addr := flag.Int("addr", 0, "Static server address (1..127); 0 runs discovery to acquire one")
	keyHex := flag.String("key", "", "Per-server AES-CCM key, 32 hex chars (16 bytes); required")
	discoveryKeyHex := flag.String("discovery-key", demoK0Hex, "Well-known discovery key K0, 32 hex chars (demo default, override for real deployments)")
	discoveryTimeout := flag.Duration("discovery-timeout", 30*time.Second, "How long to answer identify broadcasts before settling on the committed address")
	logCapacity := flag.Int("event-log-capacity", 16, "Event log ring capacity H")
	respMax := flag.Duration("resp-max", 40*time.Millisecond, "Server reply budget T_resp_max")
	updateSignerHex := flag.String("update-signer-pub", "", "Optional ed25519 public key (64 hex chars) verifying signed update trailers")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9101); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default flipflop-server-<hostname>)")
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
	cfg.addr = *addr
	cfg.discoveryTimeout = *discoveryTimeout
	cfg.logCapacity = *logCapacity
	cfg.respMax = *respMax
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.discovery = cfg.addr == 0

	if err := applyEnvOverrides(cfg, setFlags, keyHex, discoveryKeyHex, updateSignerHex); err != nil {
		return nil, false, err
	}

	if err := cfg.parseKeys(*keyHex, *discoveryKeyHex, *updateSignerHex); err != nil {
		return nil, false, err
	}
	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// applyEnvOverrides maps FLIPFLOP_SERVER_* environment variables onto cfg
// for anything not explicitly set via flag (flag wins), mirroring the
// teacher's env-override precedence.
func applyEnvOverrides(c *appConfig, set map[string]struct{}, keyHex, discoveryKeyHex, updateSignerHex *string) error {
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	var firstErr error
	if _, ok := set["serial"]; !ok {
		if v, ok := get("FLIPFLOP_SERVER_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("FLIPFLOP_SERVER_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid FLIPFLOP_SERVER_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["addr"]; !ok {
		if v, ok := get("FLIPFLOP_SERVER_ADDR"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 127 {
				c.addr = n
				c.discovery = n == 0
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid FLIPFLOP_SERVER_ADDR: %w", err)
			}
		}
	}
	if _, ok := set["key"]; !ok {
		if v, ok := get("FLIPFLOP_SERVER_KEY"); ok && v != "" {
			*keyHex = v
		}
	}
	if _, ok := set["discovery-key"]; !ok {
		if v, ok := get("FLIPFLOP_SERVER_DISCOVERY_KEY"); ok && v != "" {
			*discoveryKeyHex = v
		}
	}
	if _, ok := set["update-signer-pub"]; !ok {
		if v, ok := get("FLIPFLOP_SERVER_UPDATE_SIGNER_PUB"); ok && v != "" {
			*updateSignerHex = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("FLIPFLOP_SERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("FLIPFLOP_SERVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("FLIPFLOP_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("FLIPFLOP_SERVER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("FLIPFLOP_SERVER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}

func (c *appConfig) parseKeys(keyHex, discoveryKeyHex, updateSignerHex string) error {
	if keyHex == "" {
		return errors.New("--key is required (32 hex chars / 16 bytes)")
	}
	k, err := decodeKey16(keyHex)
	if err != nil {
		return fmt.Errorf("--key: %w", err)
	}
	c.key = k
	d, err := decodeKey16(discoveryKeyHex)
	if err != nil {
		return fmt.Errorf("--discovery-key: %w", err)
	}
	c.discoveryKey = d
	if updateSignerHex != "" {
		b, err := hex.DecodeString(updateSignerHex)
		if err != nil {
			return fmt.Errorf("--update-signer-pub: %w", err)
		}
		if len(b) != 32 {
			return fmt.Errorf("--update-signer-pub: expected 32 bytes, got %d", len(b))
		}
		c.updateSignerPub = b
	}
	return nil
}

func decodeKey16(s string) ([16]byte, error) {
	var out [16]byte
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
	if c.addr < 0 || c.addr > 127 {
		return fmt.Errorf("addr must be in 0..127 (got %d)", c.addr)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return errors.New("serial-read-timeout must be > 0")
	}
	if c.respMax <= 0 {
		return errors.New("resp-max must be > 0")
	}
	if c.logCapacity < 2 {
		return fmt.Errorf("event-log-capacity must be >= 2 (got %d)", c.logCapacity)
	}
	if c.discoveryTimeout <= 0 {
		return errors.New("discovery-timeout must be > 0")
	}
	return nil
}
