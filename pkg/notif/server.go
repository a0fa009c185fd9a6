// Package notif implements the local notification server.
//
// The server listens on a UNIX-domain stream socket and publishes typed
// JSON events to subscribed clients. Each wire message is a 32-bit
// big-endian length followed by that many bytes of UTF-8 JSON; inbound
// messages longer than 1024 bytes or failing to parse close the
// offending session without affecting its peers.
//
// A client subscribes with
//
//	{"method":"subscribe","params":{"type":["virtual-ip"]},"id":1}
//
// and receives {"result":{},"id":1} before any notification for the
// session. Notifications are {"method":<type>,"params":{...}} with no
// id, delivered to every session subscribed to <type>. The encoded
// notification buffer is built once and shared across subscribers.
package notif

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
)

// MaxMessageSize bounds inbound message bodies
const MaxMessageSize = 1024

// writeQueueDepth bounds the per-session outbound queue; a session
// that cannot drain its queue is closed rather than blocking peers
const writeQueueDepth = 256

// Config carries the socket configuration from the agent configuration
// file ("opflex.notif.*" options)
type Config struct {
	// SocketName is the path of the UNIX socket
	SocketName string

	// SocketOwner and SocketGroup, when set, are applied to the bound
	// socket file
	SocketOwner string
	SocketGroup string

	// SocketPermissions is an octal mode in text form, e.g. "666"
	SocketPermissions string
}

// Server is the notification server
type Server struct {
	config Config

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session]struct{}
	running  bool

	limiter *rateLimiter
}

// NewServer creates a notification server for the given socket
// configuration
func NewServer(config Config) *Server {
	return &Server{
		config:   config,
		sessions: make(map[*session]struct{}),
		limiter:  newRateLimiter(defaultRateWindow),
	}
}

// Start removes any stale socket file, binds the listener, applies the
// configured ownership and permissions, and begins accepting sessions.
func (s *Server) Start() error {
	if s.config.SocketName == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("notification server already running")
	}

	if err := os.Remove(s.config.SocketName); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.config.SocketName, err)
	}
	listener, err := net.Listen("unix", s.config.SocketName)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.SocketName, err)
	}
	s.applySocketConfig()

	s.listener = listener
	s.running = true
	go s.acceptLoop(listener)

	klog.Infof("Notification server listening on %s", s.config.SocketName)
	return nil
}

// applySocketConfig resolves the configured owner and group names and
// applies ownership and permissions to the socket file. Lookup
// failures are logged and skipped.
func (s *Server) applySocketConfig() {
	path := s.config.SocketName

	if s.config.SocketPermissions != "" {
		if mode, err := strconv.ParseUint(s.config.SocketPermissions, 8, 32); err == nil {
			if err := os.Chmod(path, os.FileMode(mode)); err != nil {
				klog.Warningf("Could not set permissions on %s: %v", path, err)
			}
		} else {
			klog.Warningf("Bad socket permissions %q: %v", s.config.SocketPermissions, err)
		}
	}

	uid, gid := -1, -1
	if s.config.SocketOwner != "" {
		if u, err := user.Lookup(s.config.SocketOwner); err != nil {
			klog.Warningf("Could not find user %s", s.config.SocketOwner)
		} else if id, err := strconv.Atoi(u.Uid); err == nil {
			uid = id
		}
	}
	if s.config.SocketGroup != "" {
		if g, err := user.LookupGroup(s.config.SocketGroup); err != nil {
			klog.Warningf("Could not find group %s", s.config.SocketGroup)
		} else if id, err := strconv.Atoi(g.Gid); err == nil {
			gid = id
		}
	}
	if uid != -1 || gid != -1 {
		if err := os.Chown(path, uid, gid); err != nil {
			klog.Warningf("Could not change ownership for %s: %v", path, err)
		}
	}
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if running {
				klog.Errorf("Could not accept on notification socket: %v", err)
			}
			return
		}
		sess := newSession(s, conn)
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()
		klog.Infof("New notification connection")
		go sess.readLoop()
		go sess.writeLoop()
	}
}

// Stop closes the listener and every session and removes the socket
// file
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	listener := s.listener
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, sess := range sessions {
		sess.close()
	}
	os.Remove(s.config.SocketName)
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// Dispatch publishes a notification of the given type. The encoded
// message is framed once and enqueued to every subscribed session;
// within one session, the order of Dispatch calls is preserved.
func (s *Server) Dispatch(notifType string, params interface{}) {
	body, err := json.Marshal(struct {
		Method string      `json:"method"`
		Params interface{} `json:"params"`
	}{Method: notifType, Params: params})
	if err != nil {
		klog.Errorf("Could not encode %s notification: %v", notifType, err)
		return
	}
	framed := frame(body)

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if sess.subscribed(notifType) {
			sess.enqueue(framed)
		}
	}
}

// frame prepends the 32-bit big-endian length
func frame(body []byte) []byte {
	framed := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(framed, uint32(len(body)))
	copy(framed[4:], body)
	return framed
}

// session is the per-connection state
type session struct {
	server *Server
	conn   net.Conn

	mu            sync.Mutex
	subscriptions sets.Set[string]
	closed        bool

	writeQueue chan []byte
	done       chan struct{}
	closeOnce  sync.Once
}

func newSession(server *Server, conn net.Conn) *session {
	return &session{
		server:        server,
		conn:          conn,
		subscriptions: sets.New[string](),
		writeQueue:    make(chan []byte, writeQueueDepth),
		done:          make(chan struct{}),
	}
}

func (s *session) subscribed(notifType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions.Has(notifType)
}

// enqueue queues a framed message; a session with a full queue is
// closed so a stuck subscriber cannot stall publication
func (s *session) enqueue(framed []byte) {
	s.mu.Lock()
	ok := s.enqueueLocked(framed)
	s.mu.Unlock()
	if !ok {
		klog.Errorf("Notification session write queue overflow, closing")
		s.close()
	}
}

// enqueueLocked queues a framed message with s.mu held; it returns
// false on queue overflow and leaves closing to the caller, which must
// release s.mu first
func (s *session) enqueueLocked(framed []byte) bool {
	if s.closed {
		return true
	}
	select {
	case s.writeQueue <- framed:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.conn.Close()
		close(s.done)
		s.server.removeSession(s)
	})
}

// subscribeRequest is the only inbound message type
type subscribeRequest struct {
	Method string `json:"method"`
	Params struct {
		Type []string `json:"type"`
	} `json:"params"`
	ID *json.RawMessage `json:"id"`
}

// readLoop reads length-prefixed requests until the session errors or
// violates the protocol
func (s *session) readLoop() {
	defer s.close()

	var lenBuf [4]byte
	for {
		if _, err := readFull(s.conn, lenBuf[:]); err != nil {
			return
		}
		msgLen := binary.BigEndian.Uint32(lenBuf[:])
		if msgLen == 0 || msgLen > MaxMessageSize {
			klog.Errorf("Invalid message length: %d", msgLen)
			return
		}
		body := make([]byte, msgLen)
		if _, err := readFull(s.conn, body); err != nil {
			klog.Errorf("Could not read from notification socket: %v", err)
			return
		}

		var req subscribeRequest
		if err := json.Unmarshal(body, &req); err != nil {
			klog.Errorf("Could not parse request: %v", err)
			return
		}
		if req.Method == "" {
			klog.Errorf("Malformed request")
			return
		}
		if req.Method == "subscribe" {
			var reply []byte
			if req.ID != nil {
				var err error
				reply, err = json.Marshal(struct {
					Result map[string]interface{} `json:"result"`
					ID     *json.RawMessage       `json:"id"`
				}{Result: map[string]interface{}{}, ID: req.ID})
				if err != nil {
					klog.Errorf("Could not encode subscribe reply: %v", err)
					return
				}
			}

			// the ack is enqueued in the same critical section that
			// installs the subscriptions, so no notification for a
			// newly subscribed type can precede it
			s.mu.Lock()
			ok := true
			if reply != nil {
				ok = s.enqueueLocked(frame(reply))
			}
			if ok {
				for _, t := range req.Params.Type {
					s.subscriptions.Insert(t)
					klog.V(4).Infof("Subscribed to %s", t)
				}
			}
			s.mu.Unlock()
			if !ok {
				klog.Errorf("Notification session write queue overflow, closing")
				return
			}
		}
	}
}

// writeLoop drains the outbound queue; a write error closes only this
// session
func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case framed := <-s.writeQueue:
			if _, err := s.conn.Write(framed); err != nil {
				klog.Errorf("Could not write to notification socket: %v", err)
				s.close()
				return
			}
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		if err != nil {
			return read, err
		}
		read += n
	}
	return read, nil
}
