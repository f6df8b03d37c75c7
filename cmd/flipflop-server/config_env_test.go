package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := &appConfig{
		serialDev:    "/dev/null",
		baud:         115200,
		serialReadTO: 20 * time.Millisecond,
		addr:         1,
		logFormat:    "text",
		logLevel:     "info",
		metricsAddr:  "",
		mdnsEnable:   false,
		mdnsName:     "",
	}

	os.Setenv("FLIPFLOP_SERVER_BAUD", "230400")
	os.Setenv("FLIPFLOP_SERVER_MDNS_ENABLE", "true")
	os.Setenv("FLIPFLOP_SERVER_LOG_LEVEL", "debug")
	os.Setenv("FLIPFLOP_SERVER_ADDR", "5")
	t.Cleanup(func() {
		os.Unsetenv("FLIPFLOP_SERVER_BAUD")
		os.Unsetenv("FLIPFLOP_SERVER_MDNS_ENABLE")
		os.Unsetenv("FLIPFLOP_SERVER_LOG_LEVEL")
		os.Unsetenv("FLIPFLOP_SERVER_ADDR")
	})

	keyHex, discoveryKeyHex, updateSignerHex := "", demoK0Hex, ""
	if err := applyEnvOverrides(base, map[string]struct{}{}, &keyHex, &discoveryKeyHex, &updateSignerHex); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.logLevel != "debug" {
		t.Fatalf("expected logLevel debug, got %s", base.logLevel)
	}
	if base.addr != 5 || base.discovery {
		t.Fatalf("expected addr 5 with discovery disabled, got addr=%d discovery=%v", base.addr, base.discovery)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 115200}
	os.Setenv("FLIPFLOP_SERVER_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("FLIPFLOP_SERVER_BAUD") })

	keyHex, discoveryKeyHex, updateSignerHex := "", demoK0Hex, ""
	set := map[string]struct{}{"baud": {}}
	if err := applyEnvOverrides(base, set, &keyHex, &discoveryKeyHex, &updateSignerHex); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := &appConfig{baud: 115200}
	os.Setenv("FLIPFLOP_SERVER_BAUD", "notint")
	t.Cleanup(func() { os.Unsetenv("FLIPFLOP_SERVER_BAUD") })

	keyHex, discoveryKeyHex, updateSignerHex := "", demoK0Hex, ""
	if err := applyEnvOverrides(base, map[string]struct{}{}, &keyHex, &discoveryKeyHex, &updateSignerHex); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}

func TestApplyEnvOverrides_KeyFromEnv(t *testing.T) {
	base := &appConfig{}
	wantKey := "aabbccddeeff00112233445566778899"
	os.Setenv("FLIPFLOP_SERVER_KEY", wantKey)
	t.Cleanup(func() { os.Unsetenv("FLIPFLOP_SERVER_KEY") })

	keyHex, discoveryKeyHex, updateSignerHex := "", demoK0Hex, ""
	if err := applyEnvOverrides(base, map[string]struct{}{}, &keyHex, &discoveryKeyHex, &updateSignerHex); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if keyHex != wantKey {
		t.Fatalf("expected keyHex from env, got %q", keyHex)
	}
}
