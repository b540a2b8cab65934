// Package acl implements the peer address allow-list consulted on every
// inbound RPC request before it reaches the path router.
package acl

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// entry is either a single host address or an address/prefix-length pair.
type entry struct {
	ipNet *net.IPNet
}

func (e entry) contains(ip net.IP) bool {
	return e.ipNet.Contains(ip)
}

// ACL is the allow-list of peer addresses/subnets consulted on each
// request. After a successful Build, the list always contains at least
// 127.0.0.0/8 and ::1/128, per spec invariant.
type ACL struct {
	mu      sync.RWMutex
	entries []entry
}

// Build parses the configured -rpcallowip entries. Failure to parse any
// entry fails the whole build with no partial ACL constructed, matching
// spec §4.A ("failure to parse any entry causes initialization to fail").
func Build(allowIPs []string) (*ACL, error) {
	a := &ACL{}
	entries, err := parseAll(allowIPs)
	if err != nil {
		return nil, err
	}
	// Loopback v4 and v6 are always prepended, regardless of configuration.
	loopback, err := parseAll([]string{"127.0.0.0/8", "::1"})
	if err != nil {
		return nil, fmt.Errorf("acl: internal loopback entries failed to parse: %w", err)
	}
	a.entries = append(loopback, entries...)
	return a, nil
}

func parseAll(raw []string) ([]entry, error) {
	out := make([]entry, 0, len(raw))
	for _, s := range raw {
		e, err := parseOne(s)
		if err != nil {
			return nil, fmt.Errorf("acl: invalid allow-list entry %q: %w", s, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// parseOne accepts a bare host address ("192.168.1.5", "::1") or a
// CIDR-style address/prefix-length ("10.0.0.0/8").
func parseOne(s string) (entry, error) {
	if _, ipNet, err := net.ParseCIDR(s); err == nil {
		return entry{ipNet: ipNet}, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return entry{}, fmt.Errorf("not a valid address or CIDR")
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	_, ipNet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", ip.String(), bits))
	if err != nil {
		return entry{}, err
	}
	return entry{ipNet: ipNet}, nil
}

// Allowed returns true iff some entry contains the peer. Invalid peer
// addresses are rejected.
func (a *ACL) Allowed(peerHost string) bool {
	ip := net.ParseIP(peerHost)
	if ip == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, e := range a.entries {
		if e.contains(ip) {
			return true
		}
	}
	return false
}

// Reload atomically replaces the allow-list (loopback entries are always
// re-prepended), used by the Redis hot-reload subscriber below.
func (a *ACL) Reload(allowIPs []string) error {
	entries, err := parseAll(allowIPs)
	if err != nil {
		return err
	}
	loopback, err := parseAll([]string{"127.0.0.0/8", "::1"})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.entries = append(loopback, entries...)
	a.mu.Unlock()
	return nil
}

// ReloadChannel is the Redis pub/sub channel operators publish a
// comma-separated allow-list to, for hot-reloading a running fleet of
// front-ends without a restart. Absence or failure of Redis never blocks
// Build/Init — this is purely additive, graceful-fallback wiring in the
// style of the teacher's cmd/api/main.go Redis bring-up.
const ReloadChannel = "rpcfrontend:acl:reload"

// WatchRedis subscribes to ReloadChannel and calls Reload with each
// received comma-separated allow-list. It runs until ctx is cancelled.
func (a *ACL) WatchRedis(ctx context.Context, client *redis.Client) {
	sub := client.Subscribe(ctx, ReloadChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			list := splitCSV(msg.Payload)
			if err := a.Reload(list); err != nil {
				slog.Warn("acl: rejected hot-reload payload", "error", err)
				continue
			}
			slog.Info("acl: allow-list hot-reloaded", "entries", len(list))
		}
	}
}

func splitCSV(s string) []string {
	out := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
