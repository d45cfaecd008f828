package dht

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// MaintenanceConfig holds configuration for periodic DHT maintenance.
type MaintenanceConfig struct {
	// TickInterval is how often maintenance cycles run. Per-node gating
	// keeps the actual query rate bounded regardless of tick frequency.
	TickInterval time.Duration
	// IPv6Enabled selects dual-stack operation.
	IPv6Enabled bool
}

// DefaultMaintenanceConfig returns sensible defaults.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		TickInterval: time.Second,
		IPv6Enabled:  true,
	}
}

// Maintainer owns the local routing table and the per-friend discovery
// state, and drives every maintenance cycle from one ticker. Friends own
// disjoint state, so their cycles are dispatched concurrently; each tick
// waits for the whole batch before the next one starts.
type Maintainer struct {
	sender  QuerySender
	local   *Friend
	friends map[[32]byte]*Friend
	config  *MaintenanceConfig

	clk       clock.Clock
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
}

// NewMaintainer creates a maintenance driver for the local node with the
// given public key. A nil config selects DefaultMaintenanceConfig.
func NewMaintainer(selfPK [32]byte, sender QuerySender, config *MaintenanceConfig) *Maintainer {
	return newMaintainer(selfPK, sender, config, clock.New())
}

func newMaintainer(selfPK [32]byte, sender QuerySender, config *MaintenanceConfig, clk clock.Clock) *Maintainer {
	if config == nil {
		config = DefaultMaintenanceConfig()
	}

	return &Maintainer{
		sender:  sender,
		local:   newFriend(selfPK, config.IPv6Enabled, clk),
		friends: make(map[[32]byte]*Friend),
		config:  config,
		clk:     clk,
	}
}

// LocalTable returns the tracker maintaining the local node's own
// close-node list.
func (m *Maintainer) LocalTable() *Friend {
	return m.local
}

// AddFriend creates discovery state for a friend, or returns the
// existing state if the friend is already tracked.
func (m *Maintainer) AddFriend(publicKey [32]byte) *Friend {
	m.mu.Lock()
	defer m.mu.Unlock()

	if friend, ok := m.friends[publicKey]; ok {
		return friend
	}

	friend := newFriend(publicKey, m.config.IPv6Enabled, m.clk)
	m.friends[publicKey] = friend

	logrus.WithFields(logrus.Fields{
		"function":      "AddFriend",
		"total_friends": len(m.friends),
	}).Info("Tracking new friend")

	return friend
}

// RemoveFriend drops a friend's discovery state.
func (m *Maintainer) RemoveFriend(publicKey [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.friends, publicKey)
}

// Friend returns the discovery state for a friend, if tracked.
func (m *Maintainer) Friend(publicKey [32]byte) (*Friend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	friend, ok := m.friends[publicKey]
	return friend, ok
}

// Start begins periodic maintenance. A stopped maintainer can be
// started again.
func (m *Maintainer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return nil
	}
	m.isRunning = true
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.run(m.ctx)

	return nil
}

// Stop halts maintenance and waits for the in-flight cycle to finish.
// Dropped outbound sends are safe: the next Start resumes where the
// gating timestamps left off.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Maintainer) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.clk.Ticker(m.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCycle()
		}
	}
}

// runCycle dispatches one maintenance cycle for the local table and
// every friend, concurrently, and waits for all of them.
func (m *Maintainer) runCycle() {
	m.mu.RLock()
	trackers := make([]*Friend, 0, len(m.friends)+1)
	trackers = append(trackers, m.local)
	for _, friend := range m.friends {
		trackers = append(trackers, friend)
	}
	m.mu.RUnlock()

	var cycle sync.WaitGroup
	for _, tracker := range trackers {
		cycle.Add(1)
		go func(f *Friend) {
			defer cycle.Done()
			f.RunMaintenanceCycle(m.sender)
		}(tracker)
	}
	cycle.Wait()
}

// HandleResponse routes an authenticated nodes response to every tracker
// that knows the responder, stamping its liveness. A previously unknown
// responder is offered to the local table and to every friend's
// close-node list, which decide by rank whether to keep it. Each tracker
// gets its own entry: query gating is per close-node list, so one
// tracker's refresh must never suppress another's.
func (m *Maintainer) HandleResponse(senderPK [32]byte, from *net.UDPAddr) {
	m.mu.RLock()
	trackers := make([]*Friend, 0, len(m.friends)+1)
	trackers = append(trackers, m.local)
	for _, friend := range m.friends {
		trackers = append(trackers, friend)
	}
	m.mu.RUnlock()

	known := false
	for _, tracker := range trackers {
		if node := tracker.CloseNodes().Find(senderPK); node != nil {
			node.RecordResponse(from)
			known = true
		}
	}
	if known {
		return
	}

	for _, tracker := range trackers {
		tracker.CloseNodes().TryInsert(newNode(senderPK, from, m.clk))
	}
}
