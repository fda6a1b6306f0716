// Package messenger implements the peer-to-peer transport: one JSON object
// per short-lived TCP connection, a simulated one-way send delay, and
// dispatch-by-type on the inbound side (spec §4.4).
package messenger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/JohnKim04/blockchain-paxos/config"
	"github.com/JohnKim04/blockchain-paxos/internal/log"
)

// Dispatcher receives a parsed inbound message, already typed by its
// "type" field, and routes it to the Paxos instance or the recovery
// handler. internal/peer implements this.
type Dispatcher interface {
	Dispatch(raw json.RawMessage, msgType string)
}

// Messenger sends and receives the wire messages of spec §4.4 over plain
// TCP. It holds no Paxos or chain-store knowledge of its own; incoming
// frames are handed to a Dispatcher unparsed beyond their type tag.
type Messenger struct {
	selfID  string
	roster  config.Roster
	delay   time.Duration
	dispatch Dispatcher

	mu       sync.RWMutex
	failed   bool
	listener net.Listener

	wg sync.WaitGroup
}

// New creates a Messenger for selfID using roster for peer addresses, delay
// as the simulated one-way send latency, and dispatch as the inbound
// handler.
func New(selfID string, roster config.Roster, delay time.Duration, dispatch Dispatcher) *Messenger {
	return &Messenger{
		selfID:   selfID,
		roster:   roster,
		delay:    delay,
		dispatch: dispatch,
	}
}

// envelope carries only the field every message shares; the payload is
// re-unmarshalled by the dispatcher into the concrete type its "type"
// value names.
type envelope struct {
	Type string `json:"type"`
}

// SetFailed sets the drop-all-traffic flag (spec §5's failure simulation).
// While failed, new inbound connections are closed without reading and all
// outgoing sends are dropped.
func (m *Messenger) SetFailed(failed bool) {
	m.mu.Lock()
	m.failed = failed
	m.mu.Unlock()
}

func (m *Messenger) isFailed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failed
}

// Listen binds the local peer's configured address and starts accepting
// connections in the background. It returns once the socket is bound so
// the caller can treat a bind failure as a startup error (spec §6's
// nonzero exit code for an unbindable listen socket).
func (m *Messenger) Listen() error {
	addr := m.roster[m.selfID].Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	m.listener = ln

	m.wg.Add(1)
	go m.acceptLoop(ln)
	return nil
}

// Close stops accepting new connections and waits for the accept loop to
// exit.
func (m *Messenger) Close() error {
	if m.listener == nil {
		return nil
	}
	err := m.listener.Close()
	m.wg.Wait()
	return err
}

func (m *Messenger) acceptLoop(ln net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed
		}
		go m.handleConn(conn)
	}
}

// handleConn reads one connection to EOF, parses it as a single JSON
// object, and dispatches by type. If the local peer is failed, the
// connection is closed without reading. A panic in the dispatcher is
// recovered and logged, and the message is dropped.
func (m *Messenger) handleConn(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Messenger.Error().Interface("panic", r).Msg("inbound message handler panicked, message dropped")
		}
	}()

	if m.isFailed() {
		return
	}

	data, err := io.ReadAll(bufio.NewReader(conn))
	if err != nil {
		log.Messenger.Warn().Err(err).Msg("read inbound connection failed")
		return
	}
	if len(data) == 0 {
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Messenger.Warn().Err(err).Msg("malformed inbound message, dropped")
		return
	}

	m.dispatch.Dispatch(json.RawMessage(data), env.Type)
}

// Send delivers msg to target asynchronously: it sleeps for the simulated
// one-way delay, re-checks the failed flag, then opens a fresh connection,
// writes the payload, and closes. Connection refusals are silently
// ignored (the peer is presumed down); other errors are logged. If the
// local peer is already failed, the send is dropped immediately without
// spawning the delayed task.
func (m *Messenger) Send(target string, msg any) error {
	if m.isFailed() {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	addr := m.roster[target].Addr()

	go func() {
		time.Sleep(m.delay)
		if m.isFailed() {
			return
		}
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			if isConnRefused(err) {
				return // peer presumed down
			}
			log.Messenger.Warn().Err(err).Str("target", target).Msg("dial failed")
			return
		}
		defer conn.Close()
		if _, err := conn.Write(data); err != nil {
			log.Messenger.Warn().Err(err).Str("target", target).Msg("write failed")
		}
	}()
	return nil
}

// Broadcast sends msg to every peer in the roster except self.
func (m *Messenger) Broadcast(msg any) error {
	for _, id := range m.roster.PeerIDs(m.selfID) {
		if err := m.Send(id, msg); err != nil {
			return err
		}
	}
	return nil
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	if ok := asOpError(err, &opErr); !ok {
		return false
	}
	return opErr.Op == "dial" && errors.Is(opErr.Err, syscall.ECONNREFUSED)
}

func asOpError(err error, target **net.OpError) bool {
	for err != nil {
		if op, ok := err.(*net.OpError); ok {
			*target = op
			return true
		}
		unwrap, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrap.Unwrap()
	}
	return false
}
