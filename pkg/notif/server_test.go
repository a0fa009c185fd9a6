// Package notif tests for the notification server.
package notif

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "notif.sock")
	srv := NewServer(Config{SocketName: sock})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)
	return srv, sock
}

func dialServer(t *testing.T, sock string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("unix", sock, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// sendFramed writes one length-prefixed message
func sendFramed(t *testing.T, conn net.Conn, body string) {
	t.Helper()
	if _, err := conn.Write(frame([]byte(body))); err != nil {
		t.Fatal(err)
	}
}

// readFramed reads one length-prefixed message with a deadline
func readFramed(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var lenBuf [4]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		t.Fatalf("reading frame length: %v", err)
	}
	body := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := readFull(conn, body); err != nil {
		t.Fatalf("reading frame body: %v", err)
	}
	return body
}

// TestSubscribeAndDispatch verifies the subscribe reply precedes the
// notification and only subscribed sessions receive it.
func TestSubscribeAndDispatch(t *testing.T) {
	srv, sock := startServer(t)

	subscriber := dialServer(t, sock)
	bystander := dialServer(t, sock)

	sendFramed(t, subscriber,
		`{"method":"subscribe","params":{"type":["virtual-ip"]},"id":1}`)

	// the subscribe reply arrives before any notification
	reply := readFramed(t, subscriber)
	var ack struct {
		Result map[string]interface{} `json:"result"`
		ID     int                    `json:"id"`
	}
	if err := json.Unmarshal(reply, &ack); err != nil {
		t.Fatalf("bad subscribe reply %s: %v", reply, err)
	}
	if ack.ID != 1 || ack.Result == nil {
		t.Fatalf("subscribe reply = %s", reply)
	}

	srv.DispatchVirtualIP(map[string]struct{}{"u1": {}},
		"22:22:22:22:22:22", "10.0.0.50")

	notifBody := readFramed(t, subscriber)
	var notification struct {
		Method string `json:"method"`
		Params struct {
			UUIDs []string `json:"uuid"`
			MAC   string   `json:"mac"`
			IP    string   `json:"ip"`
		} `json:"params"`
	}
	if err := json.Unmarshal(notifBody, &notification); err != nil {
		t.Fatalf("bad notification %s: %v", notifBody, err)
	}
	if notification.Method != "virtual-ip" ||
		notification.Params.MAC != "22:22:22:22:22:22" ||
		notification.Params.IP != "10.0.0.50" {
		t.Errorf("notification = %s", notifBody)
	}

	// the bystander did not subscribe and receives nothing
	bystander.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var buf [1]byte
	if _, err := bystander.Read(buf[:]); err == nil {
		t.Error("unsubscribed session received data")
	}
}

// TestFraming verifies the wire bytes are be32(len) followed by the
// JSON payload exactly.
func TestFraming(t *testing.T) {
	body := []byte(`{"method":"x","params":{}}`)
	framed := frame(body)
	if len(framed) != 4+len(body) {
		t.Fatalf("framed length = %d", len(framed))
	}
	if binary.BigEndian.Uint32(framed[:4]) != uint32(len(body)) {
		t.Errorf("length prefix = %d, want %d",
			binary.BigEndian.Uint32(framed[:4]), len(body))
	}
	if string(framed[4:]) != string(body) {
		t.Error("payload bytes differ")
	}
}

// TestOversizeMessageClosesSession verifies the 1024-byte bound
func TestOversizeMessageClosesSession(t *testing.T) {
	_, sock := startServer(t)
	conn := dialServer(t, sock)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 4096)
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var buf [1]byte
	if _, err := conn.Read(buf[:]); err == nil {
		t.Error("session not closed after oversize length")
	}
}

// TestMalformedJSONClosesSession verifies protocol errors close only
// the offending session
func TestMalformedJSONClosesSession(t *testing.T) {
	srv, sock := startServer(t)

	offender := dialServer(t, sock)
	healthy := dialServer(t, sock)
	sendFramed(t, healthy,
		`{"method":"subscribe","params":{"type":["virtual-ip"]},"id":7}`)
	readFramed(t, healthy)

	sendFramed(t, offender, `{not json`)
	offender.SetReadDeadline(time.Now().Add(2 * time.Second))
	var buf [1]byte
	if _, err := offender.Read(buf[:]); err == nil {
		t.Error("offending session not closed")
	}

	// the healthy session still receives notifications
	srv.DispatchVirtualIP(map[string]struct{}{"u1": {}}, "02:00:00:00:00:01", "10.0.0.1")
	if body := readFramed(t, healthy); len(body) == 0 {
		t.Error("healthy session lost its subscription")
	}
}

// TestRateLimiter verifies duplicate (topic, key) events are elided
// within the window
func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(time.Minute)
	base := time.Now()
	rl.now = func() time.Time { return base }

	if !rl.event("k") {
		t.Fatal("first event elided")
	}
	if rl.event("k") {
		t.Error("duplicate within window not elided")
	}
	if !rl.event("other") {
		t.Error("independent key elided")
	}

	rl.now = func() time.Time { return base.Add(2 * time.Minute) }
	if !rl.event("k") {
		t.Error("event after window elided")
	}
}
