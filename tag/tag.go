package tag

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"pcclink/eip"
	"pcclink/logging"
	"pcclink/pccc"
)

// Retry policy defaults applied when the attribute string does not override
// them.
const (
	defaultNumRetries = 5
	defaultRetryMS    = 1000
)

// pollInterval is the sleep used while a blocking Read or Write waits for
// the background tickler to complete the operation.
const pollInterval = time.Millisecond

// protocol is the capability set of a dialect: how to start a read, start a
// write, and advance/check an operation.  The dialect is chosen at Create
// time from the cpu attribute.
type protocol interface {
	startRead(t *Tag) Status
	startWrite(t *Tag) Status
	checkStatus(t *Tag) Status
}

// Tag is a caller-visible handle on one PLC data-table address range.  All
// methods are safe to call from any goroutine.  A tag holds a shared
// reference to the session for its gateway; many tags multiplex onto one
// session.
type Tag struct {
	id   int32
	name string
	cpu  CPUType

	elemSize  int
	elemCount int
	size      int // elemSize * elemCount

	encodedName []byte
	connPath    []byte // backplane, slot (LGX routing)
	useUCMM     bool

	needsConnection bool

	numRetries    int
	retryInterval time.Duration
	readCache     time.Duration

	session *eip.Session
	conn    *Connection

	proto protocol

	// apiMu is the caller-visible lock exposed through Lock/Unlock for
	// building read-modify-write sequences.  It is independent of mu, which
	// guards tag state against the session tickler and other callers.
	apiMu sync.Mutex

	mu              sync.Mutex
	data            []byte
	dirty           bool
	readInProgress  bool
	writeInProgress bool
	status          Status
	lastErrText     string
	req             *eip.Request
	lastRead        time.Time
	destroyed       bool
}

// newTag builds a tag from parsed attributes and a session reference.  The
// caller (Create) owns registry insertion and session refcounting.
func newTag(attrs *Attributes, addr *pccc.FileAddress, session *eip.Session) *Tag {
	t := &Tag{
		name:          attrs.Name,
		cpu:           attrs.CPU,
		elemSize:      attrs.ElemSize,
		elemCount:     attrs.ElemCount,
		size:          attrs.ElemSize * attrs.ElemCount,
		encodedName:   addr.Encode(),
		useUCMM:       attrs.CPU.UsesUCMM(),
		numRetries:    attrs.NumRetries,
		retryInterval: time.Duration(attrs.RetryMS) * time.Millisecond,
		readCache:     time.Duration(attrs.ReadCacheMS) * time.Millisecond,
		session:       session,
		proto:         pcccDialect{},
	}
	t.data = make([]byte, t.size)
	if len(attrs.Path) >= 2 {
		t.connPath = []byte{attrs.Path[0], attrs.Path[1]}
	}
	return t
}

// ID returns the tag handle.
func (t *Tag) ID() int32 { return t.id }

// Name returns the data-table address the tag was created with.
func (t *Tag) Name() string { return t.name }

// CPU returns the dialect the tag was created for.
func (t *Tag) CPU() CPUType { return t.cpu }

// ElemSize returns the element size in bytes.
func (t *Tag) ElemSize() int { return t.elemSize }

// ElemCount returns the element count.
func (t *Tag) ElemCount() int { return t.elemCount }

// Size returns the total buffer size in bytes.
func (t *Tag) Size() int { return t.size }

// Status advances any in-progress operation and returns its current state.
// With nothing in progress it folds the session, connection, and tag status
// together; the first non-OK wins, in that order.
func (t *Tag) Status() Status {
	if t == nil {
		return ErrNullPtr
	}
	return t.proto.checkStatus(t)
}

// LastErrorText returns the decoded text of the last PLC-reported error, or
// "" if the last operation did not fail remotely.
func (t *Tag) LastErrorText() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErrText
}

// Read starts a read and, with a nonzero timeout, blocks until it completes
// or the timeout elapses.  A read inside the cache window completes
// immediately without touching the wire.  On timeout the in-flight request
// is not aborted; a later Status or Read observes its completion.
func (t *Tag) Read(timeout time.Duration) Status {
	if t == nil {
		return ErrNullPtr
	}

	// Advance an operation left in flight (for example by an earlier
	// timeout) so that its completion is observed here.
	t.mu.Lock()
	inFlight := t.readInProgress || t.writeInProgress
	t.mu.Unlock()
	if inFlight {
		t.proto.checkStatus(t)
	}

	t.mu.Lock()
	if t.readCache > 0 && !t.lastRead.IsZero() && time.Since(t.lastRead) < t.readCache {
		t.mu.Unlock()
		return StatusOK
	}
	t.mu.Unlock()

	rc := t.proto.startRead(t)
	if rc != StatusPending {
		return rc
	}
	if timeout <= 0 {
		return StatusPending
	}
	return t.waitForCompletion(timeout)
}

// Write starts a write of the tag buffer and, with a nonzero timeout, blocks
// until it completes or the timeout elapses.
func (t *Tag) Write(timeout time.Duration) Status {
	if t == nil {
		return ErrNullPtr
	}

	rc := t.proto.startWrite(t)
	if rc != StatusPending {
		return rc
	}
	if timeout <= 0 {
		return StatusPending
	}
	return t.waitForCompletion(timeout)
}

// waitForCompletion polls Status until the operation resolves or the
// deadline passes.
func (t *Tag) waitForCompletion(timeout time.Duration) Status {
	deadline := time.Now().Add(timeout)
	for {
		rc := t.Status()
		if rc != StatusPending {
			return rc
		}
		if !time.Now().Before(deadline) {
			return ErrTimeout
		}
		time.Sleep(pollInterval)
	}
}

// Lock takes the application-visible tag mutex.  Callers use it to build
// read-modify-write sequences that must not interleave with other callers.
// Do not hold it across a blocking Read of another tag.
func (t *Tag) Lock() Status {
	if t == nil {
		return ErrNullPtr
	}
	t.apiMu.Lock()
	return StatusOK
}

// Unlock releases the application-visible tag mutex.
func (t *Tag) Unlock() Status {
	if t == nil {
		return ErrNullPtr
	}
	t.apiMu.Unlock()
	return StatusOK
}

// destroy abandons any in-flight request and marks the tag unusable.  The
// session tickler discovers the abandoned request and discards it, along
// with any bytes that later arrive for its stale sequence id.
func (t *Tag) destroy() {
	t.mu.Lock()
	req := t.req
	conn := t.conn
	t.req = nil
	t.conn = nil
	t.readInProgress = false
	t.writeInProgress = false
	t.destroyed = true
	t.mu.Unlock()

	if req != nil {
		req.Abandon()
	}
	if conn != nil {
		conn.Close()
	}
	logging.DebugLog("tag", "tag %d (%s) destroyed", t.id, t.name)
}

// --- typed accessors -----------------------------------------------------
//
// All accessors decode little-endian at a byte offset into the tag buffer
// and are range-checked against the buffer size.

// checkRange validates [offset, offset+width) against the buffer.  Must be
// called with t.mu held.
func (t *Tag) checkRange(offset, width int) Status {
	if offset < 0 || width < 0 || offset+width > t.size {
		return ErrTooSmall
	}
	return StatusOK
}

// GetUint8 returns the byte at offset.
func (t *Tag) GetUint8(offset int) (uint8, Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rc := t.checkRange(offset, 1); rc != StatusOK {
		return 0, rc
	}
	return t.data[offset], StatusOK
}

// GetInt8 returns the signed byte at offset.
func (t *Tag) GetInt8(offset int) (int8, Status) {
	v, rc := t.GetUint8(offset)
	return int8(v), rc
}

// GetUint16 returns the little-endian uint16 at offset.
func (t *Tag) GetUint16(offset int) (uint16, Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rc := t.checkRange(offset, 2); rc != StatusOK {
		return 0, rc
	}
	return binary.LittleEndian.Uint16(t.data[offset:]), StatusOK
}

// GetInt16 returns the little-endian int16 at offset.
func (t *Tag) GetInt16(offset int) (int16, Status) {
	v, rc := t.GetUint16(offset)
	return int16(v), rc
}

// GetUint32 returns the little-endian uint32 at offset.
func (t *Tag) GetUint32(offset int) (uint32, Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rc := t.checkRange(offset, 4); rc != StatusOK {
		return 0, rc
	}
	return binary.LittleEndian.Uint32(t.data[offset:]), StatusOK
}

// GetInt32 returns the little-endian int32 at offset.
func (t *Tag) GetInt32(offset int) (int32, Status) {
	v, rc := t.GetUint32(offset)
	return int32(v), rc
}

// GetUint64 returns the little-endian uint64 at offset.
func (t *Tag) GetUint64(offset int) (uint64, Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rc := t.checkRange(offset, 8); rc != StatusOK {
		return 0, rc
	}
	return binary.LittleEndian.Uint64(t.data[offset:]), StatusOK
}

// GetInt64 returns the little-endian int64 at offset.
func (t *Tag) GetInt64(offset int) (int64, Status) {
	v, rc := t.GetUint64(offset)
	return int64(v), rc
}

// GetFloat32 returns the IEEE-754 float32 at offset.
func (t *Tag) GetFloat32(offset int) (float32, Status) {
	v, rc := t.GetUint32(offset)
	return math.Float32frombits(v), rc
}

// GetFloat64 returns the IEEE-754 float64 at offset.
func (t *Tag) GetFloat64(offset int) (float64, Status) {
	v, rc := t.GetUint64(offset)
	return math.Float64frombits(v), rc
}

// Bytes returns a copy of the tag buffer.
func (t *Tag) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte{}, t.data...)
}

// SetUint8 stores the byte at offset and marks the buffer dirty.  Nothing is
// sent until Write is called.
func (t *Tag) SetUint8(offset int, value uint8) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rc := t.checkRange(offset, 1); rc != StatusOK {
		return rc
	}
	t.data[offset] = value
	t.dirty = true
	return StatusOK
}

// SetInt8 stores the signed byte at offset.
func (t *Tag) SetInt8(offset int, value int8) Status {
	return t.SetUint8(offset, uint8(value))
}

// SetUint16 stores the little-endian uint16 at offset.
func (t *Tag) SetUint16(offset int, value uint16) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rc := t.checkRange(offset, 2); rc != StatusOK {
		return rc
	}
	binary.LittleEndian.PutUint16(t.data[offset:], value)
	t.dirty = true
	return StatusOK
}

// SetInt16 stores the little-endian int16 at offset.
func (t *Tag) SetInt16(offset int, value int16) Status {
	return t.SetUint16(offset, uint16(value))
}

// SetUint32 stores the little-endian uint32 at offset.
func (t *Tag) SetUint32(offset int, value uint32) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rc := t.checkRange(offset, 4); rc != StatusOK {
		return rc
	}
	binary.LittleEndian.PutUint32(t.data[offset:], value)
	t.dirty = true
	return StatusOK
}

// SetInt32 stores the little-endian int32 at offset.
func (t *Tag) SetInt32(offset int, value int32) Status {
	return t.SetUint32(offset, uint32(value))
}

// SetUint64 stores the little-endian uint64 at offset.
func (t *Tag) SetUint64(offset int, value uint64) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rc := t.checkRange(offset, 8); rc != StatusOK {
		return rc
	}
	binary.LittleEndian.PutUint64(t.data[offset:], value)
	t.dirty = true
	return StatusOK
}

// SetInt64 stores the little-endian int64 at offset.
func (t *Tag) SetInt64(offset int, value int64) Status {
	return t.SetUint64(offset, uint64(value))
}

// SetFloat32 stores the IEEE-754 float32 at offset.
func (t *Tag) SetFloat32(offset int, value float32) Status {
	return t.SetUint32(offset, math.Float32bits(value))
}

// SetFloat64 stores the IEEE-754 float64 at offset.
func (t *Tag) SetFloat64(offset int, value float64) Status {
	return t.SetUint64(offset, math.Float64bits(value))
}
