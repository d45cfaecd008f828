package dht

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) [32]byte {
	var key [32]byte
	for i := range key {
		key[i] = b
	}
	return key
}

func udpAddr(s string) *net.UDPAddr {
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		panic(err)
	}
	return addr
}

func TestAddrStateThresholds(t *testing.T) {
	mock := clock.NewMock()
	st := newAddrState(udpAddr("127.0.0.1:33445"), mock)

	assert.False(t, st.IsStale(), "fresh state should not be stale")
	assert.False(t, st.IsExpired(), "fresh state should not be expired")

	mock.Add(BadNodeTimeout)
	assert.False(t, st.IsStale(), "threshold is exclusive")

	mock.Add(time.Second)
	assert.True(t, st.IsStale())
	assert.False(t, st.IsExpired(), "stale comes before expired")

	mock.Add(KillNodeTimeout - BadNodeTimeout)
	assert.True(t, st.IsStale())
	assert.True(t, st.IsExpired())
}

func TestAddrStateNeverResponded(t *testing.T) {
	mock := clock.NewMock()
	st := newAddrState(nil, mock)

	assert.True(t, st.IsStale(), "never-contacted state is stale by default")
	assert.True(t, st.IsExpired())
	assert.Nil(t, st.AddrToQuery(), "inert state has no address to query")
}

func TestAddrStateExpiredImpliesStale(t *testing.T) {
	assert.Greater(t, KillNodeTimeout, BadNodeTimeout)
}

func TestAddrToQuerySingleStamp(t *testing.T) {
	mock := clock.NewMock()
	st := newAddrState(udpAddr("127.0.0.1:33445"), mock)

	addr := st.AddrToQuery()
	require.NotNil(t, addr)
	stamped := st.LastQuerySent

	mock.Add(PingInterval - time.Second)
	assert.Nil(t, st.AddrToQuery(), "second query within PingInterval must be suppressed")
	assert.Equal(t, stamped, st.LastQuerySent, "suppressed call must not re-stamp")

	mock.Add(time.Second)
	assert.NotNil(t, st.AddrToQuery(), "query due again after PingInterval")
}

func TestAddrToQueryExpired(t *testing.T) {
	mock := clock.NewMock()
	st := newAddrState(udpAddr("127.0.0.1:33445"), mock)

	mock.Add(KillNodeTimeout + time.Second)
	assert.Nil(t, st.AddrToQuery(), "expired state must not be queried")
}

func TestNewNodeClassifiesFamilies(t *testing.T) {
	t.Run("IPv4", func(t *testing.T) {
		node := NewNode(testKey(1), udpAddr("192.0.2.1:33445"))
		assert.NotNil(t, node.V4.Addr)
		assert.Nil(t, node.V6.Addr)
	})

	t.Run("IPv6", func(t *testing.T) {
		node := NewNode(testKey(1), udpAddr("[2001:db8::1]:33445"))
		assert.Nil(t, node.V4.Addr)
		assert.NotNil(t, node.V6.Addr)
	})

	t.Run("IPv4MappedIPv6", func(t *testing.T) {
		addr := &net.UDPAddr{IP: net.ParseIP("::ffff:192.0.2.7"), Port: 33445}
		node := NewNode(testKey(1), addr)

		require.NotNil(t, node.V4.Addr, "mapped address belongs in the IPv4 slot")
		assert.Nil(t, node.V6.Addr)
		assert.Equal(t, net.IPv4(192, 0, 2, 7).To4(), node.V4.Addr.IP.To4())
		assert.Equal(t, 33445, node.V4.Addr.Port)
	})

	t.Run("NoAddress", func(t *testing.T) {
		node := NewNode(testKey(1), nil)
		assert.Nil(t, node.V4.Addr)
		assert.Nil(t, node.V6.Addr)
		assert.True(t, node.IsStale())
	})
}

func TestNodeHealthAggregation(t *testing.T) {
	mock := clock.NewMock()
	node := newNode(testKey(1), udpAddr("192.0.2.1:33445"), mock)

	// Learn an IPv6 address later.
	mock.Add(BadNodeTimeout + time.Second)
	assert.True(t, node.IsStale())

	node.RecordResponse(udpAddr("[2001:db8::1]:33445"))
	assert.False(t, node.IsStale(), "one live family keeps the node healthy")
	assert.False(t, node.IsExpired())

	mock.Add(KillNodeTimeout + time.Second)
	assert.True(t, node.IsExpired(), "expired only when both families are")
}

func TestPreferredAddr(t *testing.T) {
	t.Run("MoreRecentFamilyWins", func(t *testing.T) {
		mock := clock.NewMock()
		node := newNode(testKey(1), udpAddr("[2001:db8::1]:33445"), mock)

		mock.Add(time.Second)
		node.RecordResponse(udpAddr("192.0.2.1:33445"))

		addr := node.PreferredAddr(true)
		require.NotNil(t, addr)
		assert.NotNil(t, addr.IP.To4(), "IPv4 answered more recently")

		mock.Add(time.Second)
		node.RecordResponse(udpAddr("[2001:db8::1]:33445"))
		addr = node.PreferredAddr(true)
		require.NotNil(t, addr)
		assert.Nil(t, addr.IP.To4(), "IPv6 answered more recently")
	})

	t.Run("TieFavorsIPv6", func(t *testing.T) {
		mock := clock.NewMock()
		node := newNode(testKey(1), udpAddr("[2001:db8::1]:33445"), mock)
		node.RecordResponse(udpAddr("192.0.2.1:33445"))
		// Both families stamped at the same mock instant.
		node.RecordResponse(udpAddr("[2001:db8::1]:33445"))

		addr := node.PreferredAddr(true)
		require.NotNil(t, addr)
		assert.Nil(t, addr.IP.To4())
	})

	t.Run("IPv6Disabled", func(t *testing.T) {
		mock := clock.NewMock()
		node := newNode(testKey(1), udpAddr("[2001:db8::1]:33445"), mock)

		assert.Nil(t, node.PreferredAddr(false), "v6-only node unreachable in v4 mode")

		node.RecordResponse(udpAddr("192.0.2.1:33445"))
		addr := node.PreferredAddr(false)
		require.NotNil(t, addr)
		assert.NotNil(t, addr.IP.To4())
	})
}

func TestAllAddrs(t *testing.T) {
	mock := clock.NewMock()
	node := newNode(testKey(1), udpAddr("192.0.2.1:33445"), mock)
	node.RecordResponse(udpAddr("[2001:db8::1]:33445"))

	assert.Len(t, node.AllAddrs(true), 2)
	assert.Len(t, node.AllAddrs(false), 1)

	empty := newNode(testKey(2), nil, mock)
	assert.Empty(t, empty.AllAddrs(true))
}

func TestAddrsToQueryGating(t *testing.T) {
	mock := clock.NewMock()
	node := newNode(testKey(1), udpAddr("192.0.2.1:33445"), mock)
	node.RecordResponse(udpAddr("[2001:db8::1]:33445"))

	assert.Len(t, node.AddrsToQuery(true), 2)
	assert.Empty(t, node.AddrsToQuery(true), "both families stamped")

	mock.Add(PingInterval)
	assert.Len(t, node.AddrsToQuery(false), 1, "v4 only in v4 mode")
	assert.Len(t, node.AddrsToQuery(true), 1, "v6 still due")
}

func TestUpdateReturnedAddr(t *testing.T) {
	mock := clock.NewMock()
	node := newNode(testKey(1), udpAddr("192.0.2.1:33445"), mock)

	mock.Add(time.Minute)
	stale := node.IsStale()
	node.UpdateReturnedAddr(udpAddr("198.51.100.9:33445"))

	require.NotNil(t, node.V4.ReturnedAddr)
	assert.Equal(t, "198.51.100.9:33445", node.V4.ReturnedAddr.String())
	assert.Equal(t, mock.Now(), node.V4.ReturnedAt)
	assert.Equal(t, stale, node.IsStale(), "returned address must not affect health")

	node.UpdateReturnedAddr(udpAddr("[2001:db8::9]:33445"))
	require.NotNil(t, node.V6.ReturnedAddr)
}
