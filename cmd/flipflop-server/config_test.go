package main

import (
	"testing"
	"time"
)

func baseValidConfig() *appConfig {
	return &appConfig{
		serialDev:        "/dev/null",
		baud:             115200,
		serialReadTO:     10 * time.Millisecond,
		addr:             1,
		logFormat:        "text",
		logLevel:         "info",
		logCapacity:      16,
		respMax:          40 * time.Millisecond,
		discoveryTimeout: 30 * time.Second,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	c := baseValidConfig()
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badAddrLow", func(c *appConfig) { c.addr = -1 }},
		{"badAddrHigh", func(c *appConfig) { c.addr = 128 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badRespMax", func(c *appConfig) { c.respMax = 0 }},
		{"badLogCapacity", func(c *appConfig) { c.logCapacity = 1 }},
		{"badDiscoveryTimeout", func(c *appConfig) { c.discoveryTimeout = 0 }},
	}
	for _, tc := range tests {
		c := baseValidConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestDecodeKey16(t *testing.T) {
	k, err := decodeKey16("00112233445566778899aabbccddeeff"[:32])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k[0] != 0x00 || k[1] != 0x11 {
		t.Fatalf("unexpected key bytes: %x", k)
	}

	if _, err := decodeKey16("zz"); err == nil {
		t.Fatalf("expected error for non-hex input")
	}
	if _, err := decodeKey16("aabb"); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestParseKeys_RequiresKey(t *testing.T) {
	c := &appConfig{}
	if err := c.parseKeys("", demoK0Hex, ""); err == nil {
		t.Fatalf("expected error when --key is empty")
	}
}

func TestParseKeys_OptionalSigner(t *testing.T) {
	c := &appConfig{}
	key := "00112233445566778899aabbccddeeff"[:32]
	if err := c.parseKeys(key, demoK0Hex, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.updateSignerPub != nil {
		t.Fatalf("expected nil signer pub when flag empty")
	}
}
