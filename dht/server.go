package dht

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxdht/crypto"
	"github.com/opd-ai/toxdht/transport"
)

// Token is an opaque correlation value linking an outbound query to its
// eventual inbound response.
type Token = uuid.UUID

// QuerySender mints correlation tokens and transmits nodes queries. It
// is the boundary the maintenance cycles talk to; success means the
// packet was handed to the transport, not that it was delivered.
type QuerySender interface {
	// MintToken produces a fresh token for a query to the given node.
	MintToken(targetPK [32]byte) Token

	// SendQuery sends a nodes query to addr, searching for peers close
	// to searchPK, tagged with token.
	SendQuery(addr *net.UDPAddr, searchPK [32]byte, token Token) error
}

// QueryError reports a failure to hand an outbound query to the
// transport.
type QueryError struct {
	Addr  string
	Cause error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("nodes query to %s failed: %v", e.Addr, e.Cause)
}

func (e *QueryError) Unwrap() error {
	return e.Cause
}

// requestTTL is how long an unanswered token stays pending.
const requestTTL = 2 * PingInterval

type pendingQuery struct {
	targetPK [32]byte
	mintedAt time.Time
}

// RequestQueue tracks the correlation tokens of in-flight queries.
// Tokens are unique per target key and consumed on first match;
// unanswered tokens are evicted after requestTTL.
type RequestQueue struct {
	pending map[Token]pendingQuery
	clk     clock.Clock
	mu      sync.Mutex
}

// NewRequestQueue creates an empty request queue.
func NewRequestQueue() *RequestQueue {
	return newRequestQueue(clock.New())
}

func newRequestQueue(clk clock.Clock) *RequestQueue {
	return &RequestQueue{
		pending: make(map[Token]pendingQuery),
		clk:     clk,
	}
}

// NewToken mints a token bound to the given target key and remembers it.
func (q *RequestQueue) NewToken(targetPK [32]byte) Token {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.evictExpiredLocked()

	token := uuid.New()
	q.pending[token] = pendingQuery{targetPK: targetPK, mintedAt: q.clk.Now()}
	return token
}

// Verify consumes a token if it is pending and bound to the given key.
func (q *RequestQueue) Verify(targetPK [32]byte, token Token) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.evictExpiredLocked()

	pq, ok := q.pending[token]
	if !ok || pq.targetPK != targetPK {
		return false
	}
	delete(q.pending, token)
	return true
}

func (q *RequestQueue) evictExpiredLocked() {
	now := q.clk.Now()
	for token, pq := range q.pending {
		if now.Sub(pq.mintedAt) > requestTTL {
			delete(q.pending, token)
		}
	}
}

// ResponseHandler is called for every authenticated, token-matched nodes
// response, with the responder's key and the address it answered from.
type ResponseHandler func(senderPK [32]byte, from *net.UDPAddr)

// Server sends nodes queries over a Transport and matches inbound
// responses against the request queue. It implements QuerySender.
//
// Wire formats:
//
//	NodesRequest:  [sender pk (32)][search pk (32)][token (16)]
//	NodesResponse: [sender pk (32)][token (16)][payload (variable)]
type Server struct {
	keyPair   *crypto.KeyPair
	transport transport.Transport
	requests  *RequestQueue

	onResponse ResponseHandler
	mu         sync.RWMutex
}

// NewServer creates a query server on top of the given transport and
// registers its response handler.
func NewServer(keyPair *crypto.KeyPair, tp transport.Transport) *Server {
	s := &Server{
		keyPair:   keyPair,
		transport: tp,
		requests:  NewRequestQueue(),
	}
	tp.RegisterHandler(transport.PacketNodesResponse, s.handleNodesResponse)
	return s
}

// OnResponse registers the handler invoked for each matched response.
func (s *Server) OnResponse(handler ResponseHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResponse = handler
}

// MintToken produces a fresh correlation token for the given target key.
func (s *Server) MintToken(targetPK [32]byte) Token {
	return s.requests.NewToken(targetPK)
}

// SendQuery sends a nodes query to addr searching for peers close to
// searchPK.
func (s *Server) SendQuery(addr *net.UDPAddr, searchPK [32]byte, token Token) error {
	if addr == nil {
		return &QueryError{Addr: "<nil>", Cause: errors.New("no address")}
	}

	data := make([]byte, 80)
	copy(data[:32], s.keyPair.Public[:])
	copy(data[32:64], searchPK[:])
	copy(data[64:80], token[:])

	packet := &transport.Packet{
		PacketType: transport.PacketNodesRequest,
		Data:       data,
	}
	if err := s.transport.Send(packet, addr); err != nil {
		return &QueryError{Addr: addr.String(), Cause: err}
	}
	return nil
}

// handleNodesResponse verifies an inbound response against the request
// queue and hands it to the registered handler.
func (s *Server) handleNodesResponse(packet *transport.Packet, addr net.Addr) error {
	if len(packet.Data) < 48 {
		return errors.New("nodes response too short")
	}

	var senderPK [32]byte
	copy(senderPK[:], packet.Data[:32])
	var token Token
	copy(token[:], packet.Data[32:48])

	// Reject unusable addresses before Verify: the token is single-use
	// and must stay pending for the deliverable retransmit.
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "handleNodesResponse",
			"from":     addr.String(),
		}).Debug("Nodes response from non-UDP address")
		return nil
	}

	if !s.requests.Verify(senderPK, token) {
		logrus.WithFields(logrus.Fields{
			"function": "handleNodesResponse",
			"from":     addr.String(),
		}).Debug("Dropping unsolicited nodes response")
		return nil
	}

	s.mu.RLock()
	handler := s.onResponse
	s.mu.RUnlock()

	if handler != nil {
		handler(senderPK, udpAddr)
	}
	return nil
}
