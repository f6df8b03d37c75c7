package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsServiceType advertises the server's metrics/readiness endpoint so
// LAN tooling can locate deployed Flip-Flop servers without a central
// registry, mirroring can-server's Avahi advertisement of its TCP port.
const mdnsServiceType = "_flipflop-server._tcp"

// startMDNS registers the service via mDNS and returns a cleanup
// function; it is a no-op if mDNS is disabled or port is 0 (no metrics
// listener to advertise).
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable || port == 0 {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("flipflop-server-%s", host)
	}
	meta := []string{
		"serial=" + cfg.serialDev,
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
