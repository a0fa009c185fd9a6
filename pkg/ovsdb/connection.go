package ovsdb

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cenkalti/rpc2"
	"github.com/cenkalti/rpc2/jsonrpc"
	"github.com/ovn-org/libovsdb/ovsdb"
	"k8s.io/klog/v2"
)

// DefaultDatabase is the OVSDB database the agent configures
const DefaultDatabase = "Open_vSwitch"

// State is the connection state
type State int32

// Connection states
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateTransportFailure
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateTransportFailure:
		return "TRANSPORT_FAILURE"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrNotConnected is returned when a transaction is submitted
	// while the connection is down
	ErrNotConnected = errors.New("ovsdb connection not established")

	// ErrDisconnected fails pending callbacks when the connection
	// drops; in-flight transactions are not retried automatically
	ErrDisconnected = errors.New("ovsdb connection disconnected")
)

// TransactCallback receives the results of one transaction. It is
// invoked exactly once, either with the server's per-operation results
// or with an error.
type TransactCallback func(results []ovsdb.OperationResult, err error)

// Connection is a JSON-RPC connection to an OVSDB server over a UNIX
// or TCP loopback stream.
type Connection struct {
	// address is "unix:<path>" or "tcp:<host>:<port>"
	address  string
	database string

	nextReqID atomic.Uint64

	mu      sync.Mutex
	state   State
	conn    net.Conn
	client  *rpc2.Client
	pending map[uint64]TransactCallback
}

// NewConnection creates a connection for the given address targeting
// the Open_vSwitch database
func NewConnection(address string) *Connection {
	return &Connection{
		address:  address,
		database: DefaultDatabase,
		pending:  make(map[uint64]TransactCallback),
	}
}

// State returns the current connection state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the OVSDB server, retrying with exponential backoff
// until the timeout elapses
func (c *Connection) Connect(timeout time.Duration) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = timeout

	var conn net.Conn
	err := backoff.Retry(func() error {
		var derr error
		conn, derr = dial(c.address)
		if derr != nil {
			klog.V(4).Infof("OVSDB dial %s failed: %v", c.address, derr)
		}
		return derr
	}, policy)
	if err != nil {
		c.mu.Lock()
		c.state = StateTransportFailure
		c.mu.Unlock()
		return fmt.Errorf("connecting to %s: %w", c.address, err)
	}

	client := rpc2.NewClientWithCodec(jsonrpc.NewJSONCodec(conn))
	// ovsdb-server probes liveness with echo requests
	client.Handle("echo", func(_ *rpc2.Client, args []interface{}, reply *[]interface{}) error {
		*reply = args
		return nil
	})
	go client.Run()

	c.mu.Lock()
	c.conn = conn
	c.client = client
	c.state = StateConnected
	c.mu.Unlock()

	go c.watchDisconnect(client)

	klog.Infof("Connected to OVSDB at %s", c.address)
	return nil
}

// dial parses "unix:<path>" or "tcp:<host>:<port>" and connects
func dial(address string) (net.Conn, error) {
	switch {
	case strings.HasPrefix(address, "unix:"):
		return net.DialTimeout("unix", strings.TrimPrefix(address, "unix:"), 10*time.Second)
	case strings.HasPrefix(address, "tcp:"):
		return net.DialTimeout("tcp", strings.TrimPrefix(address, "tcp:"), 10*time.Second)
	default:
		return nil, fmt.Errorf("unsupported ovsdb address %q", address)
	}
}

// watchDisconnect fails all pending callbacks exactly once when the
// connection drops
func (c *Connection) watchDisconnect(client *rpc2.Client) {
	<-client.DisconnectNotify()

	c.mu.Lock()
	if c.client != client {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	c.pending = make(map[uint64]TransactCallback)
	c.client = nil
	c.conn = nil
	if c.state == StateConnected {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if len(pending) > 0 {
		klog.Warningf("OVSDB disconnected with %d pending transaction(s)", len(pending))
	}
	for _, cb := range pending {
		cb(nil, ErrDisconnected)
	}
}

// Disconnect closes the connection. Pending callbacks are failed with
// ErrDisconnected.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.state = StateDisconnected
	c.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

// SendTransaction submits the ordered operations as one transaction.
// The callback is stored keyed by the allocated request id and invoked
// exactly once when the reply arrives or the connection drops. The
// send itself never blocks on the server.
func (c *Connection) SendTransaction(requests []TransactMessage, cb TransactCallback) error {
	c.mu.Lock()
	client := c.client
	if c.state != StateConnected || client == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	reqID := c.nextReqID.Add(1)
	if cb != nil {
		c.pending[reqID] = cb
	}
	c.mu.Unlock()

	params := make([]interface{}, 0, len(requests)+1)
	params = append(params, c.database)
	for i := range requests {
		params = append(params, requests[i].toOperation())
	}

	reply := new([]ovsdb.OperationResult)
	call := client.Go("transact", params, reply, make(chan *rpc2.Call, 1))

	go func() {
		<-call.Done

		c.mu.Lock()
		stored, ok := c.pending[reqID]
		delete(c.pending, reqID)
		c.mu.Unlock()
		if !ok {
			// already failed by the disconnect path, or no callback
			if call.Error == nil && cb != nil {
				klog.V(4).Infof("Discarding reply for request %d", reqID)
			}
			return
		}
		if call.Error != nil {
			stored(nil, call.Error)
			return
		}
		stored(*reply, nil)
	}()
	return nil
}

// Transact submits a transaction and waits for its results. There is
// no per-request timeout: the wait ends only when the server answers
// or the connection drops, which fails the pending callback with a
// disconnect error.
func (c *Connection) Transact(requests ...TransactMessage) ([]ovsdb.OperationResult, error) {
	type outcome struct {
		results []ovsdb.OperationResult
		err     error
	}
	done := make(chan outcome, 1)
	err := c.SendTransaction(requests, func(results []ovsdb.OperationResult, err error) {
		done <- outcome{results: results, err: err}
	})
	if err != nil {
		return nil, err
	}
	out := <-done
	if out.err != nil {
		return nil, out.err
	}
	return out.results, checkResults(out.results, len(requests))
}

// checkResults surfaces per-operation errors reported by the server
func checkResults(results []ovsdb.OperationResult, nops int) error {
	for i := range results {
		if i < nops && results[i].Error != "" {
			return fmt.Errorf("operation %d failed: %s: %s",
				i, results[i].Error, results[i].Details)
		}
	}
	return nil
}
