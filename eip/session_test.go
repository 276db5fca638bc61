package eip

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// testPLC is a minimal scripted EIP endpoint: it answers Register Session
// and replies to SendRRData frames with a canned payload.  skipReplies
// drops that many data requests before answering, for retry tests.
type testPLC struct {
	ln          net.Listener
	handle      uint32
	payload     []byte
	skipReplies int32
	rrCount     atomic.Int32
}

func startTestPLC(t *testing.T, payload []byte) *testPLC {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	plc := &testPLC{ln: ln, handle: 0x01020304, payload: payload}
	go plc.serve()
	t.Cleanup(func() { ln.Close() })
	return plc
}

func (p *testPLC) addr() string {
	return p.ln.Addr().String()
}

func (p *testPLC) serve() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.serveConn(conn)
	}
}

func (p *testPLC) serveConn(conn net.Conn) {
	defer conn.Close()

	for {
		header := make([]byte, EncapHeaderSize)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.LittleEndian.Uint16(header[2:4])
		body := make([]byte, length)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		command := binary.LittleEndian.Uint16(header[:2])
		switch command {
		case RegisterSession:
			resp := Encap{
				Command:       RegisterSession,
				Length:        4,
				SessionHandle: p.handle,
				Data:          []byte{1, 0, 0, 0},
			}
			conn.Write(resp.Bytes())

		case SendRRData:
			n := p.rrCount.Add(1)
			if n <= atomic.LoadInt32(&p.skipReplies) {
				continue
			}
			resp := Encap{
				Command:       SendRRData,
				Length:        uint16(len(p.payload)),
				SessionHandle: p.handle,
				Data:          p.payload,
			}
			conn.Write(resp.Bytes())
		}
	}
}

// buildTestFrame builds a minimal SendRRData frame for queueing.
func buildTestFrame(payload []byte) []byte {
	msg := Encap{
		Command: SendRRData,
		Length:  uint16(len(payload)),
		Data:    payload,
	}
	return msg.Bytes()
}

func waitReceived(t *testing.T, req *Request, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !req.Received() {
		if time.Now().After(deadline) {
			t.Fatal("request did not complete in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSessionRegisters(t *testing.T) {
	plc := startTestPLC(t, nil)

	sess := NewSession(plc.addr())
	defer sess.Close()

	if err := sess.WaitReady(2 * time.Second); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}
	if sess.State() != SessionReady {
		t.Errorf("state = %s, want Ready", sess.State())
	}
	if sess.Handle() != plc.handle {
		t.Errorf("handle = 0x%08X, want 0x%08X", sess.Handle(), plc.handle)
	}
}

func TestSessionTransactsRequest(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	plc := startTestPLC(t, payload)

	sess := NewSession(plc.addr())
	defer sess.Close()

	if err := sess.WaitReady(2 * time.Second); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}

	req := NewRequest(256)
	if err := req.SetFrame(buildTestFrame([]byte{1, 2, 3})); err != nil {
		t.Fatalf("SetFrame failed: %v", err)
	}
	req.MarkReady()
	if err := sess.AddRequest(req); err != nil {
		t.Fatalf("AddRequest failed: %v", err)
	}

	waitReceived(t, req, 2*time.Second)

	if err := req.Err(); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp := req.Response()
	if len(resp) != EncapHeaderSize+len(payload) {
		t.Fatalf("response length = %d", len(resp))
	}
	if !bytes.Equal(resp[EncapHeaderSize:], payload) {
		t.Errorf("response payload = % X, want % X", resp[EncapHeaderSize:], payload)
	}
}

func TestSessionPatchesHandleIntoFrame(t *testing.T) {
	plc := startTestPLC(t, []byte{0x00})

	sess := NewSession(plc.addr())
	defer sess.Close()

	if err := sess.WaitReady(2 * time.Second); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}

	// The frame is built before the session handle is known; the tickler
	// patches it at transmit time.
	req := NewRequest(256)
	req.SetFrame(buildTestFrame(nil))
	req.MarkReady()
	sess.AddRequest(req)

	waitReceived(t, req, 2*time.Second)

	if got := binary.LittleEndian.Uint32(req.Data[4:8]); got != plc.handle {
		t.Errorf("transmitted handle = 0x%08X, want 0x%08X", got, plc.handle)
	}
}

func TestSessionServicesFIFO(t *testing.T) {
	plc := startTestPLC(t, []byte{0x55})

	sess := NewSession(plc.addr())
	defer sess.Close()

	if err := sess.WaitReady(2 * time.Second); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}

	var reqs []*Request
	for i := 0; i < 4; i++ {
		req := NewRequest(256)
		req.SetFrame(buildTestFrame([]byte{byte(i)}))
		req.MarkReady()
		if err := sess.AddRequest(req); err != nil {
			t.Fatalf("AddRequest failed: %v", err)
		}
		reqs = append(reqs, req)
	}

	for i, req := range reqs {
		waitReceived(t, req, 2*time.Second)
		if err := req.Err(); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}
	if got := plc.rrCount.Load(); got != 4 {
		t.Errorf("PLC saw %d requests, want 4", got)
	}
}

func TestSessionSkipsAbandonedRequests(t *testing.T) {
	plc := startTestPLC(t, []byte{0x55})

	sess := NewSession(plc.addr())
	defer sess.Close()

	if err := sess.WaitReady(2 * time.Second); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}

	// Queued but never marked ready, so it blocks the FIFO head until the
	// owner drops it.
	dead := NewRequest(256)
	dead.SetFrame(buildTestFrame([]byte{0xFF}))
	sess.AddRequest(dead)
	dead.Abandon()

	live := NewRequest(256)
	live.SetFrame(buildTestFrame([]byte{0x01}))
	live.MarkReady()
	sess.AddRequest(live)

	waitReceived(t, live, 2*time.Second)
	if dead.Received() {
		t.Error("abandoned request should never complete")
	}
}

func TestSessionRetriesOnTimeout(t *testing.T) {
	plc := startTestPLC(t, []byte{0x77})
	atomic.StoreInt32(&plc.skipReplies, 1)

	sess := NewSession(plc.addr())
	defer sess.Close()

	if err := sess.WaitReady(2 * time.Second); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}

	req := NewRequest(256)
	req.SetFrame(buildTestFrame([]byte{0x01}))
	req.NumRetriesLeft = 2
	req.RetryInterval = 50 * time.Millisecond
	req.MarkReady()
	sess.AddRequest(req)

	waitReceived(t, req, 3*time.Second)
	if err := req.Err(); err != nil {
		t.Fatalf("request failed despite retry budget: %v", err)
	}
	if got := plc.rrCount.Load(); got < 2 {
		t.Errorf("PLC saw %d requests, want at least 2", got)
	}
}

func TestSessionFailsRequestWhenRetriesExhausted(t *testing.T) {
	plc := startTestPLC(t, []byte{0x77})
	atomic.StoreInt32(&plc.skipReplies, 1<<30)

	sess := NewSession(plc.addr())
	defer sess.Close()

	if err := sess.WaitReady(2 * time.Second); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}

	req := NewRequest(256)
	req.SetFrame(buildTestFrame([]byte{0x01}))
	req.NumRetriesLeft = 1
	req.RetryInterval = 30 * time.Millisecond
	req.MarkReady()
	sess.AddRequest(req)

	waitReceived(t, req, 3*time.Second)
	if req.Err() == nil {
		t.Error("expected a timeout error after retries ran out")
	}
}

func TestSessionSeqIDWraps(t *testing.T) {
	plc := startTestPLC(t, nil)
	sess := NewSession(plc.addr())
	defer sess.Close()

	seen := make(map[uint16]bool)
	for i := 0; i < 1000; i++ {
		id := sess.NewSeqID()
		if seen[id] {
			t.Fatalf("sequence id %d repeated within the first 1000", id)
		}
		seen[id] = true
	}

	// Past 0xFFFF the 16-bit id wraps to zero.
	sess.seq.Store(0xFFFF)
	if id := sess.NewSeqID(); id != 0 {
		t.Errorf("NewSeqID after 0xFFFF = %d, want 0", id)
	}
}

func TestSessionCloseFailsQueuedRequests(t *testing.T) {
	plc := startTestPLC(t, nil)
	sess := NewSession(plc.addr())

	if err := sess.WaitReady(2 * time.Second); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}

	req := NewRequest(256)
	req.SetFrame(buildTestFrame(nil))
	// Not marked ready, so it sits in the FIFO until Close.
	sess.AddRequest(req)

	sess.Close()

	waitReceived(t, req, time.Second)
	if req.Err() == nil {
		t.Error("expected queued request to fail on Close")
	}

	if err := sess.AddRequest(NewRequest(16)); err == nil {
		t.Error("expected AddRequest to fail on a closed session")
	}
}
