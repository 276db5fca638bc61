package eip

import (
	"fmt"
	"sync"
	"time"
)

// Request carries one outbound encapsulation frame and, later, its response.
// The buffer is allocated once at the protocol's maximum packet size and is
// reused for the inbound frame.  A Request moves through the session FIFO:
// the operation that built it marks it ready, the session tickler sends it
// and deposits the reply, and the operation's response checker consumes it.
type Request struct {
	// Data is the frame buffer, reused for outbound then inbound traffic.
	Data []byte

	// RequestSize is the number of bytes of Data used by the outbound frame.
	RequestSize int

	// ConnSeq is the sequence id copied into the payload, echoed by the PLC.
	ConnSeq uint16

	// Retry policy, copied from the owning tag at build time.
	NumRetriesLeft int
	RetryInterval  time.Duration

	mu           sync.Mutex
	sendReady    bool
	respReceived bool
	respSize     int
	respErr      error
	abandoned    bool
	sentAt       time.Time
}

// NewRequest allocates a request with a buffer of the given size.
func NewRequest(bufSize int) *Request {
	return &Request{Data: make([]byte, bufSize)}
}

// SetFrame copies a fully built outbound frame into the request buffer and
// records its size.  The frame must fit the buffer; PCCC has no fragment
// protocol, so an oversized frame is the caller's sizing error.
func (r *Request) SetFrame(frame []byte) error {
	if r == nil {
		return fmt.Errorf("SetFrame: nil request")
	}
	if len(frame) > len(r.Data) {
		return fmt.Errorf("SetFrame: frame is %d bytes, buffer is %d", len(frame), len(r.Data))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copy(r.Data, frame)
	r.RequestSize = len(frame)
	return nil
}

// MarkReady opens the ready-to-send gate.  The session tickler will not
// transmit a queued request before this is called.
func (r *Request) MarkReady() {
	r.mu.Lock()
	r.sendReady = true
	r.mu.Unlock()
}

// Ready reports whether the request may be transmitted.
func (r *Request) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendReady
}

// Complete deposits the inbound frame and flags the response as received.
// A reply larger than the buffer is recorded as an error instead; PCCC
// replies always fit the fixed packet size on conforming hardware.
func (r *Request) Complete(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(frame) > len(r.Data) {
		r.respErr = fmt.Errorf("response is %d bytes, buffer is %d", len(frame), len(r.Data))
		r.respReceived = true
		return
	}
	copy(r.Data, frame)
	r.respSize = len(frame)
	r.respReceived = true
}

// Fail flags the response as received with a transport-level error.
func (r *Request) Fail(err error) {
	r.mu.Lock()
	r.respErr = err
	r.respReceived = true
	r.mu.Unlock()
}

// Received reports whether a response (or a terminal error) has arrived.
func (r *Request) Received() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.respReceived
}

// Err returns the transport error recorded by Fail, if any.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.respErr
}

// Response returns the inbound frame deposited by the session.
func (r *Request) Response() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Data[:r.respSize]
}

// Abandon detaches the request from its owner.  The session tickler drops
// abandoned requests from the FIFO and discards any late reply bytes.
func (r *Request) Abandon() {
	r.mu.Lock()
	r.abandoned = true
	r.mu.Unlock()
}

// Abandoned reports whether the owner has dropped its reference.
func (r *Request) Abandoned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abandoned
}

// markSent stamps the transmit time for timeout tracking.
func (r *Request) markSent(now time.Time) {
	r.mu.Lock()
	r.sentAt = now
	r.mu.Unlock()
}

// timedOut reports whether the in-flight request has exceeded its retry
// interval without a response.
func (r *Request) timedOut(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.respReceived || r.sentAt.IsZero() {
		return false
	}
	interval := r.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	return now.Sub(r.sentAt) > interval
}
