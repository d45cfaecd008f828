// Package dht implements the routing-table maintenance core of the DHT:
// it tracks which remote nodes the local node believes are reachable,
// decides which nodes deserve a slot in a bounded close-node list, and
// drives the periodic query traffic that keeps per-friend peer-discovery
// state fresh.
//
// # Architecture
//
// Key components:
//
//   - AddrState: per-address-family liveness tracker (response and query
//     timestamps, stale/expired classification, query gating)
//   - Node: dual-stack peer entry wrapping one IPv4 and one IPv6 AddrState
//   - Bucket: bounded close-node list ranked by health then XOR distance
//     against a reference public key
//   - Friend: per-friend discovery state (close-node list, bootstrap
//     candidates, exploration throttle) with a periodic maintenance cycle
//   - Server: sends nodes queries over a transport.Transport and matches
//     inbound responses to in-flight correlation tokens
//   - Maintainer: owns the local table and the friend set and drives all
//     maintenance cycles from one ticker
//
// # Usage
//
//	keys, _ := crypto.GenerateKeyPair()
//	tp, _ := transport.NewUDPTransport(":33445")
//	server := dht.NewServer(keys, tp)
//	m := dht.NewMaintainer(keys.Public, server, nil)
//	server.OnResponse(m.HandleResponse)
//
//	friend := m.AddFriend(friendPK)
//	friend.AddBootstrapNode(dht.NewNode(nodePK, nodeAddr))
//	m.Start()
//
// Sending a query is fire-and-forget: a maintenance cycle enqueues
// outbound packets and returns. Responses arrive asynchronously through
// the transport and are routed back via Server.OnResponse.
package dht
