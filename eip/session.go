package eip

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"pcclink/logging"
)

// SessionState is the lifecycle state of a session.
type SessionState int

const (
	SessionUnconnected SessionState = iota
	SessionRegistering
	SessionReady
	SessionBroken
)

func (s SessionState) String() string {
	switch s {
	case SessionUnconnected:
		return "Unconnected"
	case SessionRegistering:
		return "Registering"
	case SessionReady:
		return "Ready"
	case SessionBroken:
		return "Broken"
	default:
		return "Unknown"
	}
}

const (
	defaultTimeout       = 5 * time.Second
	defaultRetryInterval = 1 * time.Second
	tickInterval         = 5 * time.Millisecond
	reconnectBackoff     = 1 * time.Second
	keepaliveInterval    = 30 * time.Second
)

// Session owns one TCP connection to a PLC gateway and the EIP session
// registered on it.  Requests from any number of tags are queued in FIFO
// order and driven by a background tickler goroutine: the tickler transmits
// ready requests, reassembles inbound encapsulation frames, matches replies
// to the in-flight request, retries on timeout, and reconnects after
// transport loss.  At most one request is in flight at a time; PCCC has no
// pipelining.
type Session struct {
	gateway string
	port    uint16
	timeout time.Duration

	mu           sync.Mutex
	conn         net.Conn
	handle       uint32
	state        SessionState
	lastErr      error
	queue        []*Request
	inflight     *Request
	nextConnect  time.Time
	lastActivity time.Time
	closed       bool

	seq  atomic.Uint32
	refs atomic.Int32

	wake chan struct{}
	done chan struct{}

	// Inbound frame reassembly carried across ticks.
	rhdr    [EncapHeaderSize]byte
	rhdrGot int
	rpay    []byte
	rpayGot int
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithPort overrides the default EIP port of 44818.
func WithPort(port uint16) SessionOption {
	return func(s *Session) {
		s.port = port
	}
}

// WithTimeout sets the connect and per-attempt I/O timeout.
func WithTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewSession creates a session for the given gateway and starts its tickler.
// The gateway is a host name or IP, optionally with an explicit ":port".
// The TCP connection and register-session handshake happen in the background;
// use WaitReady to block until the session is usable.
func NewSession(gateway string, opts ...SessionOption) *Session {
	port := DefaultPort
	if host, portStr, err := net.SplitHostPort(gateway); err == nil {
		if p, perr := strconv.ParseUint(portStr, 10, 16); perr == nil {
			gateway = host
			port = uint16(p)
		}
	}
	s := &Session{
		gateway: gateway,
		port:    port,
		timeout: defaultTimeout,
		state:   SessionUnconnected,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.refs.Store(1)
	go s.tickler()
	return s
}

// Gateway returns the gateway address this session is bound to.
func (s *Session) Gateway() string {
	if s == nil {
		return ""
	}
	return s.gateway
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	if s == nil {
		return SessionBroken
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the last transport error, if any.
func (s *Session) Err() error {
	if s == nil {
		return fmt.Errorf("nil session")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Handle returns the EIP session handle from Register Session.
func (s *Session) Handle() uint32 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// NewSeqID atomically returns the next 16-bit sequence id, wrapping at 65535.
func (s *Session) NewSeqID() uint16 {
	return uint16(s.seq.Add(1))
}

// AddRef takes a shared reference to the session.
func (s *Session) AddRef() {
	s.refs.Add(1)
}

// Release drops a shared reference.  When the last reference goes away the
// session is closed and the holder must consider its pointer dead.
func (s *Session) Release() {
	if s == nil {
		return
	}
	if s.refs.Add(-1) == 0 {
		_ = s.Close()
	}
}

// AddRequest appends a request to the FIFO and wakes the tickler.
func (s *Session) AddRequest(req *Request) error {
	if s == nil {
		return fmt.Errorf("AddRequest: nil session")
	}
	if req == nil {
		return fmt.Errorf("AddRequest: nil request")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("AddRequest: session is closed")
	}
	s.queue = append(s.queue, req)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// WaitReady blocks until the session has registered with the PLC or the
// timeout elapses.  A zero timeout returns the current state immediately.
func (s *Session) WaitReady(timeout time.Duration) error {
	if s == nil {
		return fmt.Errorf("WaitReady: nil session")
	}

	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		state, lastErr := s.state, s.lastErr
		s.mu.Unlock()

		if state == SessionReady {
			return nil
		}
		if timeout <= 0 || !time.Now().Before(deadline) {
			if lastErr != nil {
				return fmt.Errorf("WaitReady: session %s: %w", state, lastErr)
			}
			return fmt.Errorf("WaitReady: session %s", state)
		}
		time.Sleep(tickInterval)
	}
}

// Close unregisters the EIP session, closes the socket, and stops the
// tickler.  Queued requests are failed.  Safe to call more than once.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	handle := s.handle
	pending := append(s.queue, s.inflight)
	s.queue = nil
	s.inflight = nil
	s.conn = nil
	s.state = SessionUnconnected
	s.mu.Unlock()

	close(s.done)

	for _, req := range pending {
		if req != nil && !req.Abandoned() {
			req.Fail(fmt.Errorf("session closed"))
		}
	}

	if conn != nil {
		logging.DebugDisconnect("eip", s.gateway, "session close requested")
		if handle != 0 {
			// Best-effort unregister; the PLC drops the session on socket
			// close regardless.
			msg := Encap{Command: UnRegisterSession, SessionHandle: handle}
			_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
			_, _ = conn.Write(msg.Bytes())
		}
		return conn.Close()
	}
	return nil
}

// tickler drives the session state machine until Close.
func (s *Session) tickler() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.tick()
	}
}

// tick advances the state machine one step.
func (s *Session) tick() {
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	state := s.state
	s.mu.Unlock()

	switch state {
	case SessionUnconnected, SessionBroken:
		s.maybeConnect(now)
	case SessionReady:
		s.service(now)
	}
}

// maybeConnect dials and registers, honoring the reconnect backoff.
func (s *Session) maybeConnect(now time.Time) {
	s.mu.Lock()
	if now.Before(s.nextConnect) {
		s.mu.Unlock()
		return
	}
	s.state = SessionRegistering
	s.mu.Unlock()

	connString := net.JoinHostPort(s.gateway, strconv.Itoa(int(s.port)))
	logging.DebugConnect("eip", connString)

	d := net.Dialer{Timeout: s.timeout}
	conn, err := d.Dial("tcp", connString)
	if err != nil {
		logging.DebugConnectError("eip", connString, err)
		s.fault(fmt.Errorf("connect: %w", err))
		return
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}

	handle, err := registerSession(conn, s.timeout)
	if err != nil {
		_ = conn.Close()
		logging.DebugError("eip", "RegisterSession", err)
		s.fault(fmt.Errorf("register session: %w", err))
		return
	}

	logging.DebugConnectSuccess("eip", connString, fmt.Sprintf("session=0x%08X", handle))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.handle = handle
	s.state = SessionReady
	s.lastErr = nil
	s.lastActivity = time.Now()
	s.rhdrGot = 0
	s.rpay = nil
	s.rpayGot = 0
	s.mu.Unlock()
}

// registerSession performs the Register Session handshake on a fresh socket.
func registerSession(conn net.Conn, timeout time.Duration) (uint32, error) {
	msg := Encap{
		Command: RegisterSession,
		Length:  4,
		Data:    []byte{1, 0, 0, 0}, // protocol version 1, options 0
	}

	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(msg.Bytes()); err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	header := make([]byte, EncapHeaderSize)
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}

	resp, err := ParseEncapHeader(header)
	if err != nil {
		return 0, err
	}
	if resp.Length > 0 {
		payload := make([]byte, resp.Length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, fmt.Errorf("read payload: %w", err)
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	if resp.Status != 0 {
		return 0, fmt.Errorf("encap returned status 0x%08X", resp.Status)
	}
	if resp.SessionHandle == 0 {
		return 0, fmt.Errorf("got session_handle=0")
	}

	return resp.SessionHandle, nil
}

// service runs one tick of a ready session: purge abandoned requests, pull
// inbound bytes, time out or retry the in-flight request, transmit the next
// queued request, and keep the connection alive when idle.
func (s *Session) service(now time.Time) {
	s.purgeAbandoned()

	if err := s.pumpInbound(); err != nil {
		s.fault(err)
		return
	}

	s.mu.Lock()
	inflight := s.inflight
	s.mu.Unlock()

	if inflight != nil {
		if inflight.Abandoned() {
			// Owner is gone; forget it.  Late reply bytes for its stale
			// conn_seq are discarded in dispatch.
			s.mu.Lock()
			s.inflight = nil
			s.mu.Unlock()
		} else if inflight.timedOut(now) {
			if inflight.NumRetriesLeft > 0 {
				inflight.NumRetriesLeft--
				logging.DebugLog("eip", "request seq=%d timed out, retrying (%d left)", inflight.ConnSeq, inflight.NumRetriesLeft)
				if err := s.transmit(inflight, now); err != nil {
					s.fault(err)
				}
			} else {
				logging.DebugLog("eip", "request seq=%d timed out, no retries left", inflight.ConnSeq)
				inflight.Fail(fmt.Errorf("request timed out"))
				s.mu.Lock()
				s.inflight = nil
				s.mu.Unlock()
			}
		}
		return
	}

	// No request in flight; transmit the next ready one.
	s.mu.Lock()
	var next *Request
	for len(s.queue) > 0 {
		head := s.queue[0]
		if head.Abandoned() {
			s.queue = s.queue[1:]
			continue
		}
		if !head.Ready() {
			break
		}
		s.queue = s.queue[1:]
		next = head
		break
	}
	if next != nil {
		s.inflight = next
	}
	s.mu.Unlock()

	if next != nil {
		if err := s.transmit(next, now); err != nil {
			s.fault(err)
		}
		return
	}

	s.maybeKeepalive(now)
}

// transmit writes the request frame, patching the current session handle
// into the encapsulation header first.
func (s *Session) transmit(req *Request, now time.Time) error {
	s.mu.Lock()
	conn := s.conn
	handle := s.handle
	s.lastActivity = now
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("transmit: no connection")
	}

	req.mu.Lock()
	binary.LittleEndian.PutUint32(req.Data[4:8], handle)
	frame := req.Data[:req.RequestSize]
	req.mu.Unlock()

	logging.DebugTX("eip", frame)

	_ = conn.SetWriteDeadline(now.Add(s.timeout))
	_, err := conn.Write(frame)
	_ = conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("transmit: %w", err)
	}

	req.markSent(now)
	return nil
}

// pumpInbound reads whatever bytes are available and dispatches any complete
// frame.  Reassembly state is carried across ticks so a frame may arrive in
// arbitrary pieces.
func (s *Session) pumpInbound() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("pumpInbound: no connection")
	}

	_ = conn.SetReadDeadline(time.Now().Add(tickInterval))
	defer conn.SetReadDeadline(time.Time{})

	for {
		// Header first.
		for s.rhdrGot < EncapHeaderSize {
			n, err := conn.Read(s.rhdr[s.rhdrGot:])
			s.rhdrGot += n
			if err != nil {
				if isTimeout(err) {
					return nil
				}
				return fmt.Errorf("read: %w", err)
			}
		}

		if s.rpay == nil {
			length := binary.LittleEndian.Uint16(s.rhdr[2:4])
			s.rpay = make([]byte, length)
			s.rpayGot = 0
		}

		for s.rpayGot < len(s.rpay) {
			n, err := conn.Read(s.rpay[s.rpayGot:])
			s.rpayGot += n
			if err != nil {
				if isTimeout(err) {
					return nil
				}
				return fmt.Errorf("read: %w", err)
			}
		}

		frame := append(append([]byte{}, s.rhdr[:]...), s.rpay...)
		s.rhdrGot = 0
		s.rpay = nil
		s.rpayGot = 0

		s.dispatch(frame)
	}
}

// dispatch hands a complete inbound frame to the in-flight request.  Frames
// with a foreign session handle or with no waiting request are discarded.
func (s *Session) dispatch(frame []byte) {
	logging.DebugRX("eip", frame)

	encap, err := ParseEncapHeader(frame)
	if err != nil {
		logging.DebugError("eip", "dispatch", err)
		return
	}

	s.mu.Lock()
	handle := s.handle
	inflight := s.inflight
	if inflight != nil {
		s.inflight = nil
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	// Session 0 in a response is valid for session-less commands; otherwise
	// the handle must be ours.
	if encap.SessionHandle != 0 && handle != 0 && encap.SessionHandle != handle {
		logging.DebugLog("eip", "RX session mismatch: expected 0x%08X, got 0x%08X", handle, encap.SessionHandle)
		s.mu.Lock()
		s.inflight = inflight
		s.mu.Unlock()
		return
	}

	if inflight == nil || inflight.Abandoned() {
		logging.DebugLog("eip", "RX with no waiting request, %d bytes discarded", len(frame))
		return
	}

	inflight.Complete(frame)
}

// maybeKeepalive sends a NOP when the session has been idle for a while.
func (s *Session) maybeKeepalive(now time.Time) {
	s.mu.Lock()
	conn := s.conn
	handle := s.handle
	idle := now.Sub(s.lastActivity)
	if idle >= keepaliveInterval {
		s.lastActivity = now
	}
	s.mu.Unlock()

	if conn == nil || idle < keepaliveInterval {
		return
	}

	msg := Encap{Command: NOP, SessionHandle: handle}
	_ = conn.SetWriteDeadline(now.Add(s.timeout))
	_, _ = conn.Write(msg.Bytes())
	_ = conn.SetWriteDeadline(time.Time{})
}

// purgeAbandoned removes abandoned requests from the FIFO.
func (s *Session) purgeAbandoned() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return
	}
	kept := s.queue[:0]
	for _, req := range s.queue {
		if !req.Abandoned() {
			kept = append(kept, req)
		}
	}
	s.queue = kept
}

// fault records a transport error, fails the in-flight request, and arms the
// reconnect backoff.  Queued requests stay queued and are transmitted after
// the session re-registers.
func (s *Session) fault(err error) {
	logging.DebugError("eip", "session "+s.gateway, err)

	s.mu.Lock()
	conn := s.conn
	inflight := s.inflight
	s.conn = nil
	s.inflight = nil
	s.handle = 0
	s.state = SessionBroken
	s.lastErr = err
	s.nextConnect = time.Now().Add(reconnectBackoff)
	s.rhdrGot = 0
	s.rpay = nil
	s.rpayGot = 0
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if inflight != nil && !inflight.Abandoned() {
		inflight.Fail(err)
	}
}

// isTimeout reports whether err is a deadline expiry rather than a real
// transport failure.
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
