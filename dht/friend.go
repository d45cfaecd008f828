package dht

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const (
	// DiscoveryInterval throttles random exploration queries for a friend.
	DiscoveryInterval = 60 * time.Second

	// MaxBootstrapAttempts is how many exploration queries may be sent
	// before the throttle kicks in.
	MaxBootstrapAttempts = 3
)

// Friend holds the peer-discovery state for one friend: the close-node
// list of known good peers, the bootstrap list of candidates awaiting
// their first contact, and the exploration throttle. The same mechanics
// maintain the local node's own routing table (see NewLocalTable).
//
// All state is owned exclusively by this Friend; the maintenance cycle
// runs under one lock per friend and never blocks on the network.
type Friend struct {
	publicKey      [32]byte
	closeNodes     *Bucket
	bootstrapNodes []*Node

	bootstrapAttempts uint32
	lastDiscoveryAt   time.Time

	ipv6Enabled bool
	clk         clock.Clock
	mu          sync.Mutex
}

// NewFriend creates discovery state for a friend with the given public
// key, with IPv6 enabled.
func NewFriend(publicKey [32]byte) *Friend {
	return newFriend(publicKey, true, clock.New())
}

// NewLocalTable creates the tracker for the local node's own routing
// table, which behaves exactly like a friend keyed by the local key.
func NewLocalTable(publicKey [32]byte) *Friend {
	return NewFriend(publicKey)
}

func newFriend(publicKey [32]byte, ipv6Enabled bool, clk clock.Clock) *Friend {
	return &Friend{
		publicKey:   publicKey,
		closeNodes:  NewBucket(publicKey, BucketDefaultSize),
		ipv6Enabled: ipv6Enabled,
		clk:         clk,
	}
}

// PublicKey returns the friend's identity key.
func (f *Friend) PublicKey() [32]byte {
	return f.publicKey
}

// CloseNodes returns the friend's close-node list. Discovery-response
// handling feeds newly learned peers into it via TryInsert.
func (f *Friend) CloseNodes() *Bucket {
	return f.closeNodes
}

// AddBootstrapNode queues a newly heard-of candidate for its first
// contact on the next maintenance cycle. A candidate with a known key
// replaces the previous entry.
func (f *Friend) AddBootstrapNode(node *Node) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, existing := range f.bootstrapNodes {
		if existing.PublicKey == node.PublicKey {
			f.bootstrapNodes[i] = node
			return
		}
	}
	f.bootstrapNodes = append(f.bootstrapNodes, node)
}

// PendingBootstrap returns how many candidates await their first contact.
func (f *Friend) PendingBootstrap() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bootstrapNodes)
}

// Addrs returns the reachable addresses of the friend's close nodes. A
// friend can have several because of NAT.
func (f *Friend) Addrs() []*net.UDPAddr {
	return f.closeNodes.ToAddrs(f.ipv6Enabled)
}

// RunMaintenanceCycle performs one tick of discovery maintenance:
// contact every pending bootstrap candidate, refresh the close nodes
// that are due for a query, and send one throttled exploration query to
// a randomly picked good node. Sends are fire-and-forget; a failed send
// is retried naturally when the next tick re-evaluates the gating.
func (f *Friend) RunMaintenanceCycle(sender QuerySender) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.drainBootstrapNodes(sender)
	f.refreshCloseNodes(sender)
	f.sendRandomDiscovery(sender)
}

// drainBootstrapNodes takes ownership of the whole bootstrap list and
// queries each candidate once. A failure for one candidate does not
// stop the others.
func (f *Friend) drainBootstrapNodes(sender QuerySender) {
	nodes := f.bootstrapNodes
	f.bootstrapNodes = nil

	for _, node := range nodes {
		addr := node.PreferredAddr(f.ipv6Enabled)
		if addr == nil {
			continue
		}
		token := sender.MintToken(node.PublicKey)
		if err := sender.SendQuery(addr, f.publicKey, token); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "drainBootstrapNodes",
				"address":  addr.String(),
				"error":    err.Error(),
			}).Warn("Bootstrap query failed")
		}
	}
}

// refreshCloseNodes queries every close node whose per-family gating
// says a query is due, at most one per family per PingInterval.
func (f *Friend) refreshCloseNodes(sender QuerySender) {
	for _, node := range f.closeNodes.Nodes() {
		for _, addr := range node.AddrsToQuery(f.ipv6Enabled) {
			token := sender.MintToken(node.PublicKey)
			if err := sender.SendQuery(addr, f.publicKey, token); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "refreshCloseNodes",
					"address":  addr.String(),
					"error":    err.Error(),
				}).Warn("Refresh query failed")
			}
		}
	}
}

// sendRandomDiscovery sends one exploration query to a good close node
// picked with a bias toward closer-ranked entries. Once enough attempts
// have been made, further exploration waits for DiscoveryInterval, so
// the throttle cannot starve a friend forever.
func (f *Friend) sendRandomDiscovery(sender QuerySender) {
	if !f.lastDiscoveryAt.IsZero() &&
		f.clk.Since(f.lastDiscoveryAt) < DiscoveryInterval &&
		f.bootstrapAttempts >= MaxBootstrapAttempts {
		return
	}

	pool := f.closeNodes.GoodNodes()
	if len(pool) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "sendRandomDiscovery",
		}).Debug("No good nodes to explore from")
		return
	}

	node := pool[biasedIndex(len(pool))]
	addr := node.PreferredAddr(f.ipv6Enabled)
	if addr == nil {
		return
	}

	token := sender.MintToken(node.PublicKey)
	if err := sender.SendQuery(addr, f.publicKey, token); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendRandomDiscovery",
			"address":  addr.String(),
			"error":    err.Error(),
		}).Warn("Discovery query failed")
	}

	f.bootstrapAttempts++
	f.lastDiscoveryAt = f.clk.Now()
}

// biasedIndex picks an index in [0, n) with a bias toward lower indices,
// i.e. toward nodes the bucket already ranks closer: draw uniformly,
// then subtract a second uniform draw in [0, index].
func biasedIndex(n int) int {
	i := rand.Intn(n)
	if i != 0 {
		i -= rand.Intn(i + 1)
	}
	return i
}
