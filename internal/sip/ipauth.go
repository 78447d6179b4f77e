package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
)

// peerKeyword in the allow list stands for the sip-server addresses.
const peerKeyword = "peer"

// sourceACL decides which source addresses may start inbound calls. An
// empty ACL allows every source.
type sourceACL struct {
	mu       sync.RWMutex
	static   []netip.Prefix
	peer     []netip.Prefix
	withPeer bool
	logger   *slog.Logger
}

// newSourceACL parses the configured allow list. Entries are IPs or CIDRs,
// or the word "peer".
func newSourceACL(allow []string, logger *slog.Logger) (*sourceACL, error) {
	m := &sourceACL{logger: logger.With("subsystem", "acl")}
	for _, entry := range allow {
		if strings.EqualFold(entry, peerKeyword) {
			m.withPeer = true
			continue
		}
		prefix, err := parseCIDROrIP(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid sip-allow entry %q: %w", entry, err)
		}
		m.static = append(m.static, prefix)
	}
	return m, nil
}

// enabled reports whether any restriction is configured.
func (m *sourceACL) enabled() bool {
	return m.withPeer || len(m.static) > 0
}

// resolvePeer looks up host and replaces the peer entries with its
// addresses. It does nothing unless the allow list names the peer.
func (m *sourceACL) resolvePeer(ctx context.Context, host string) error {
	if !m.withPeer || host == "" {
		return nil
	}

	var addrs []netip.Addr
	if addr, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{addr}
	} else {
		addrs, err = net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", host, err)
		}
	}

	prefixes := make([]netip.Prefix, 0, len(addrs))
	for _, addr := range addrs {
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}

	m.mu.Lock()
	m.peer = prefixes
	m.mu.Unlock()

	m.logger.Info("peer addresses resolved", "host", host, "addresses", len(prefixes))
	return nil
}

// allows reports whether source (an address with or without port) may
// start a call.
func (m *sourceACL) allows(source string) bool {
	if !m.enabled() {
		return true
	}

	addr, err := parseAddr(source)
	if err != nil {
		m.logger.Warn("failed to parse source ip for acl match", "source", source, "error", err)
		return false
	}
	addr = addr.Unmap()

	for _, prefix := range m.static {
		if prefix.Contains(addr) {
			return true
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, prefix := range m.peer {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// parseCIDROrIP parses a string as either a CIDR prefix or a single IP address.
// Single IPs are converted to /32 (IPv4) or /128 (IPv6) prefixes.
func parseCIDROrIP(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix.Masked(), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("not a valid ip or cidr: %s", s)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// parseAddr parses an IP string that may include a port (e.g. "192.168.1.1:5060")
// and returns just the address portion.
func parseAddr(ipStr string) (netip.Addr, error) {
	if host, _, err := net.SplitHostPort(ipStr); err == nil {
		return netip.ParseAddr(host)
	}
	return netip.ParseAddr(ipStr)
}
