package consensus

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"net"
	"sync"

	"github.com/rishabh-tripathi/blockdb/pkg/berrors"
)

// Transport sends RPC messages to a named peer and exposes an inbound
// channel for messages addressed to this node. Two implementations are
// provided: LocalTransport for in-process multi-node tests, and
// TCPTransport for real network deployment — framing/transport are
// left implementation-defined by the wire protocol, so a hand-written
// length-prefixed gob encoding stands in for a fuller RPC stack.
type Transport interface {
	Send(to NodeID, msg Message) error
	Inbox() <-chan Message
	Close() error
}

// LocalTransport routes messages via in-memory channels, keyed by a
// shared registry. Useful for tests that run a cluster within one
// process without opening real sockets.
type LocalTransport struct {
	id       NodeID
	inbox    chan Message
	registry *Registry
}

type Registry struct {
	mu    sync.Mutex
	nodes map[NodeID]*LocalTransport
}

// NewLocalRegistry creates a shared registry that NewLocalTransport
// instances join.
func NewLocalRegistry() *Registry {
	return &Registry{nodes: make(map[NodeID]*LocalTransport)}
}

// NewLocalTransport registers and returns a transport for id within
// reg.
func NewLocalTransport(reg *Registry, id NodeID) *LocalTransport {
	t := &LocalTransport{id: id, inbox: make(chan Message, 256), registry: reg}
	reg.mu.Lock()
	reg.nodes[id] = t
	reg.mu.Unlock()
	return t
}

func (t *LocalTransport) Send(to NodeID, msg Message) error {
	t.registry.mu.Lock()
	peer, ok := t.registry.nodes[to]
	t.registry.mu.Unlock()
	if !ok {
		return berrors.New(berrors.KindConsensus, "unknown peer "+string(to))
	}
	select {
	case peer.inbox <- msg:
		return nil
	default:
		return berrors.New(berrors.KindConsensus, "peer inbox full: "+string(to))
	}
}

func (t *LocalTransport) Inbox() <-chan Message { return t.inbox }

func (t *LocalTransport) Close() error {
	t.registry.mu.Lock()
	delete(t.registry.nodes, t.id)
	t.registry.mu.Unlock()
	return nil
}

// TCPTransport exchanges length-prefixed gob-encoded messages over
// plain TCP connections, one per peer.
type TCPTransport struct {
	id       NodeID
	listener net.Listener
	inbox    chan Message

	mu    sync.Mutex
	conns map[NodeID]net.Conn

	peers map[NodeID]NodeAddress
}

// NewTCPTransport binds a listener at bindAddr and begins accepting
// inbound connections from peers.
func NewTCPTransport(id NodeID, bindAddr string, peers map[NodeID]NodeAddress) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, berrors.Wrap(berrors.KindIO, "listen for raft transport", err)
	}
	t := &TCPTransport{
		id:       id,
		listener: ln,
		inbox:    make(chan Message, 256),
		conns:    make(map[NodeID]net.Conn),
		peers:    peers,
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.readLoop(conn)
	}
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	for {
		msg, err := readMessage(conn)
		if err != nil {
			conn.Close()
			return
		}
		t.inbox <- msg
	}
}

func (t *TCPTransport) dial(to NodeID) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[to]; ok {
		return c, nil
	}
	addr, ok := t.peers[to]
	if !ok {
		return nil, berrors.New(berrors.KindConsensus, "unknown peer address: "+string(to))
	}
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		return nil, berrors.Wrap(berrors.KindIO, "dial raft peer", err)
	}
	t.conns[to] = conn
	go t.readLoop(conn)
	return conn, nil
}

func (t *TCPTransport) Send(to NodeID, msg Message) error {
	conn, err := t.dial(to)
	if err != nil {
		return err
	}
	if err := writeMessage(conn, msg); err != nil {
		t.mu.Lock()
		delete(t.conns, to)
		t.mu.Unlock()
		conn.Close()
		return err
	}
	return nil
}

func (t *TCPTransport) Inbox() <-chan Message { return t.inbox }

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	for _, c := range t.conns {
		c.Close()
	}
	t.mu.Unlock()
	return t.listener.Close()
}

func writeMessage(conn net.Conn, msg Message) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return berrors.Wrap(berrors.KindSerialize, "encode raft message", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(buf.Len()))
	if _, err := conn.Write(header[:]); err != nil {
		return berrors.Wrap(berrors.KindIO, "write raft message header", err)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return berrors.Wrap(berrors.KindIO, "write raft message body", err)
	}
	return nil
}

func readMessage(conn net.Conn) (Message, error) {
	var header [4]byte
	if _, err := readFull(conn, header[:]); err != nil {
		return Message{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	body := make([]byte, size)
	if _, err := readFull(conn, body); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&msg); err != nil {
		return Message{}, berrors.Wrap(berrors.KindSerialize, "decode raft message", err)
	}
	return msg, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, berrors.Wrap(berrors.KindIO, "read raft message", err)
		}
	}
	return total, nil
}
