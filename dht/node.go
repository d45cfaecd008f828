package dht

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const (
	// PingInterval is the minimum time between two queries to the same
	// address of a node.
	PingInterval = 60 * time.Second

	// BadNodeTimeout is how long a node may stay silent before it is
	// considered stale.
	BadNodeTimeout = 2*PingInterval + 2*time.Second

	// KillNodeTimeout is how long a node may stay silent before it is
	// discarded completely. Always longer than BadNodeTimeout, so a node
	// passes through stale before expired.
	KillNodeTimeout = BadNodeTimeout + PingInterval
)

// AddrState tracks the liveness of one address family of a node: the
// socket address, the last authenticated response, the last outgoing
// query, and the address reported about this node by a third party.
//
// A state with a nil Addr is inert: it never produces an address to
// query and always classifies as stale.
//
// AddrState is not safe for concurrent use on its own; the owning Node
// serializes access to both of its states.
type AddrState struct {
	// Addr is the socket address for this family, nil if unknown.
	Addr *net.UDPAddr
	// LastResponse is when this family last produced an authenticated
	// response. Zero means never.
	LastResponse time.Time
	// LastQuerySent is when a query was last sent on this family.
	LastQuerySent time.Time
	// ReturnedAddr is the address reported about this node by a third
	// party, used for NAT reasoning.
	ReturnedAddr *net.UDPAddr
	// ReturnedAt is when ReturnedAddr was last reported.
	ReturnedAt time.Time

	clk clock.Clock
}

// newAddrState creates a tracker for one address family. A present
// address counts as an implicit response: the node was just heard of.
func newAddrState(addr *net.UDPAddr, clk clock.Clock) AddrState {
	st := AddrState{Addr: addr, clk: clk}
	if addr != nil {
		st.LastResponse = clk.Now()
	}
	return st
}

// IsStale reports whether this family has not answered within
// BadNodeTimeout. A family that never answered is stale.
func (s *AddrState) IsStale() bool {
	return s.LastResponse.IsZero() || s.clk.Since(s.LastResponse) > BadNodeTimeout
}

// IsExpired reports whether this family has not answered within
// KillNodeTimeout.
func (s *AddrState) IsExpired() bool {
	return s.LastResponse.IsZero() || s.clk.Since(s.LastResponse) > KillNodeTimeout
}

// QueryDue reports whether PingInterval has passed since the last query.
func (s *AddrState) QueryDue() bool {
	return s.LastQuerySent.IsZero() || s.clk.Since(s.LastQuerySent) >= PingInterval
}

// AddrToQuery returns the address if a query should go out on this
// family now, stamping LastQuerySent, and nil otherwise. This is the
// only place LastQuerySent is written, so within one PingInterval window
// at most one caller gets an address back.
func (s *AddrState) AddrToQuery() *net.UDPAddr {
	if s.Addr == nil {
		return nil
	}
	if s.IsExpired() || !s.QueryDue() {
		return nil
	}
	s.LastQuerySent = s.clk.Now()
	return s.Addr
}

// Node represents a peer in the DHT, identified by its public key and
// reachable over IPv4, IPv6, or both. The node as a whole is stale or
// expired only when both families are.
type Node struct {
	PublicKey [32]byte
	V4        AddrState
	V6        AddrState

	clk clock.Clock
	mu  sync.Mutex
}

// NewNode creates a node entry from a public key and its known address.
// The address is classified into the IPv4 or IPv6 slot; an IPv4-mapped
// IPv6 address is normalized and stored as IPv4, since it carries no
// v6-only information. This fold happens at construction only.
func NewNode(publicKey [32]byte, addr *net.UDPAddr) *Node {
	return newNode(publicKey, addr, clock.New())
}

func newNode(publicKey [32]byte, addr *net.UDPAddr, clk clock.Clock) *Node {
	var v4, v6 *net.UDPAddr
	if addr != nil {
		if ip4 := addr.IP.To4(); ip4 != nil {
			v4 = &net.UDPAddr{IP: ip4, Port: addr.Port, Zone: addr.Zone}
		} else {
			v6 = addr
		}
	}

	n := &Node{PublicKey: publicKey, clk: clk}
	n.V4 = newAddrState(v4, clk)
	n.V6 = newAddrState(v6, clk)
	return n
}

// IsStale reports whether the node answered on neither family within
// BadNodeTimeout.
func (n *Node) IsStale() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.V4.IsStale() && n.V6.IsStale()
}

// IsExpired reports whether the node answered on neither family within
// KillNodeTimeout.
func (n *Node) IsExpired() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.V4.IsExpired() && n.V6.IsExpired()
}

// PreferredAddr returns the single best address to reach this node. With
// IPv6 enabled and both families known, the family that answered more
// recently wins, ties going to IPv6. With IPv6 disabled only the IPv4
// address is considered. Returns nil when no address is available under
// the requested mode.
func (n *Node) PreferredAddr(ipv6Enabled bool) *net.UDPAddr {
	n.mu.Lock()
	defer n.mu.Unlock()

	var addr *net.UDPAddr
	switch {
	case ipv6Enabled && n.V6.Addr != nil && n.V4.Addr != nil:
		if n.V4.LastResponse.After(n.V6.LastResponse) {
			addr = n.V4.Addr
		} else {
			addr = n.V6.Addr
		}
	case ipv6Enabled && n.V6.Addr != nil:
		addr = n.V6.Addr
	default:
		addr = n.V4.Addr
	}

	if addr == nil {
		logrus.WithFields(logrus.Fields{
			"function":     "PreferredAddr",
			"ipv6_enabled": ipv6Enabled,
		}).Warn("No address available for node")
	}
	return addr
}

// AllAddrs returns every known address of the node: both families when
// IPv6 is enabled, IPv4 only otherwise. The result may be empty.
func (n *Node) AllAddrs(ipv6Enabled bool) []*net.UDPAddr {
	n.mu.Lock()
	defer n.mu.Unlock()

	var addrs []*net.UDPAddr
	if n.V4.Addr != nil {
		addrs = append(addrs, n.V4.Addr)
	}
	if ipv6Enabled && n.V6.Addr != nil {
		addrs = append(addrs, n.V6.Addr)
	}

	if len(addrs) == 0 {
		logrus.WithFields(logrus.Fields{
			"function":     "AllAddrs",
			"ipv6_enabled": ipv6Enabled,
		}).Warn("No address available for node")
	}
	return addrs
}

// AddrsToQuery collects the addresses that are due for a refresh query,
// applying the per-family gating of AddrToQuery under one lock so that
// concurrent cycles cannot both stamp the same family.
func (n *Node) AddrsToQuery(ipv6Enabled bool) []*net.UDPAddr {
	n.mu.Lock()
	defer n.mu.Unlock()

	var addrs []*net.UDPAddr
	if addr := n.V4.AddrToQuery(); addr != nil {
		addrs = append(addrs, addr)
	}
	if ipv6Enabled {
		if addr := n.V6.AddrToQuery(); addr != nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// RecordResponse stamps an authenticated response from the given address,
// refreshing the matching family's address and response time.
func (n *Node) RecordResponse(addr *net.UDPAddr) {
	if addr == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clk.Now()
	if ip4 := addr.IP.To4(); ip4 != nil {
		n.V4.Addr = &net.UDPAddr{IP: ip4, Port: addr.Port, Zone: addr.Zone}
		n.V4.LastResponse = now
	} else {
		n.V6.Addr = addr
		n.V6.LastResponse = now
	}
}

// UpdateReturnedAddr records the address a third party reported for this
// node. It has no effect on health classification.
func (n *Node) UpdateReturnedAddr(addr *net.UDPAddr) {
	if addr == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clk.Now()
	if addr.IP.To4() != nil {
		n.V4.ReturnedAddr = addr
		n.V4.ReturnedAt = now
	} else {
		n.V6.ReturnedAddr = addr
		n.V6.ReturnedAt = now
	}
}
