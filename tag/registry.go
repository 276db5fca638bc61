package tag

import (
	"sync"
	"sync/atomic"
	"time"

	"pcclink/eip"
	"pcclink/logging"
	"pcclink/pccc"
)

// The process-wide tag registry.  Tags are addressed by opaque int32
// handles; sessions are shared per gateway and outlive any single tag.
var (
	registryMu sync.RWMutex
	registry   = make(map[int32]*Tag)
	nextID     atomic.Int32

	sessionMu sync.Mutex
	sessions  = make(map[string]*eip.Session)
)

// getSession returns the shared session for a gateway, creating it on first
// use.  The returned session carries one new reference for the caller.
func getSession(gateway string) *eip.Session {
	sessionMu.Lock()
	defer sessionMu.Unlock()

	if sess, ok := sessions[gateway]; ok {
		sess.AddRef()
		return sess
	}

	sess := eip.NewSession(gateway)
	sess.AddRef() // the pool keeps the creation reference
	sessions[gateway] = sess
	return sess
}

// Create parses an attribute string, locates or creates the session for its
// gateway, and registers a new tag.  It returns the tag handle (>= 0) and
// StatusOK, or a negative status on failure.  A nonzero timeout blocks
// until the session has registered with the PLC.
func Create(attrStr string, timeout time.Duration) (int32, Status) {
	attrs, err := ParseAttributes(attrStr)
	if err != nil {
		logging.DebugError("tag", "Create", err)
		return int32(ErrCreate), ErrCreate
	}

	addr, err := pccc.ParseAddress(attrs.Name)
	if err != nil {
		logging.DebugError("tag", "Create", err)
		return int32(ErrCreate), ErrCreate
	}

	if attrs.Debug != "" {
		if logger := logging.GetGlobalDebugLogger(); logger != nil {
			logger.SetFilter(attrs.Debug)
		}
	}

	sess := getSession(attrs.Gateway)

	if timeout > 0 {
		if err := sess.WaitReady(timeout); err != nil {
			logging.DebugError("tag", "Create", err)
			sess.Release()
			return int32(ErrTimeout), ErrTimeout
		}
	}

	t := newTag(attrs, addr, sess)
	t.id = nextID.Add(1)

	// PCCC itself is unconnected; a class-3 connection is only opened when
	// the caller asks for connected messaging, and the PCCC dialect merely
	// folds its status.
	if attrs.UseConnection && len(attrs.Path) >= 2 {
		t.needsConnection = true
		t.conn = openConnection(sess, attrs.Path[0], attrs.Path[1])
	}

	registryMu.Lock()
	registry[t.id] = t
	registryMu.Unlock()

	logging.DebugLog("tag", "created tag %d: %s on %s (%s, elem_size=%d, elem_count=%d)",
		t.id, t.name, attrs.Gateway, t.cpu, t.elemSize, t.elemCount)

	return t.id, StatusOK
}

// Get returns the tag for a handle, or nil if the handle is unknown.
func Get(id int32) *Tag {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[id]
}

// Destroy releases all tag-owned references: the in-flight request is
// abandoned, the connection (if any) is closed, and the session reference
// is dropped.  Safe to call after errors.
func Destroy(id int32) Status {
	registryMu.Lock()
	t := registry[id]
	delete(registry, id)
	registryMu.Unlock()

	if t == nil {
		return ErrNullPtr
	}

	t.destroy()
	t.session.Release()
	return StatusOK
}

// Shutdown destroys every tag and closes every pooled session.  Intended
// for process teardown.
func Shutdown() {
	registryMu.Lock()
	all := make([]*Tag, 0, len(registry))
	for _, t := range registry {
		all = append(all, t)
	}
	registry = make(map[int32]*Tag)
	registryMu.Unlock()

	for _, t := range all {
		t.destroy()
		t.session.Release()
	}

	sessionMu.Lock()
	pool := sessions
	sessions = make(map[string]*eip.Session)
	sessionMu.Unlock()

	for _, sess := range pool {
		sess.Release()
	}
}

// --- handle-based API ----------------------------------------------------
//
// Thin wrappers so host programs can drive tags through opaque handles.

// Read starts (or completes from cache) a read on the handle.
func Read(id int32, timeout time.Duration) Status {
	t := Get(id)
	if t == nil {
		return ErrNullPtr
	}
	return t.Read(timeout)
}

// Write starts a write on the handle.
func Write(id int32, timeout time.Duration) Status {
	t := Get(id)
	if t == nil {
		return ErrNullPtr
	}
	return t.Write(timeout)
}

// GetStatus advances in-progress operations on the handle and returns their
// current status.
func GetStatus(id int32) Status {
	t := Get(id)
	if t == nil {
		return ErrNullPtr
	}
	return t.Status()
}

// Lock takes the handle's application-visible mutex.
func Lock(id int32) Status {
	t := Get(id)
	if t == nil {
		return ErrNullPtr
	}
	return t.Lock()
}

// Unlock releases the handle's application-visible mutex.
func Unlock(id int32) Status {
	t := Get(id)
	if t == nil {
		return ErrNullPtr
	}
	return t.Unlock()
}

// LastErrorText returns the decoded text of the handle's last PLC error.
func LastErrorText(id int32) string {
	return Get(id).LastErrorText()
}

func GetUint8(id int32, offset int) (uint8, Status) {
	t := Get(id)
	if t == nil {
		return 0, ErrNullPtr
	}
	return t.GetUint8(offset)
}

func GetInt8(id int32, offset int) (int8, Status) {
	t := Get(id)
	if t == nil {
		return 0, ErrNullPtr
	}
	return t.GetInt8(offset)
}

func GetUint16(id int32, offset int) (uint16, Status) {
	t := Get(id)
	if t == nil {
		return 0, ErrNullPtr
	}
	return t.GetUint16(offset)
}

func GetInt16(id int32, offset int) (int16, Status) {
	t := Get(id)
	if t == nil {
		return 0, ErrNullPtr
	}
	return t.GetInt16(offset)
}

func GetUint32(id int32, offset int) (uint32, Status) {
	t := Get(id)
	if t == nil {
		return 0, ErrNullPtr
	}
	return t.GetUint32(offset)
}

func GetInt32(id int32, offset int) (int32, Status) {
	t := Get(id)
	if t == nil {
		return 0, ErrNullPtr
	}
	return t.GetInt32(offset)
}

func GetUint64(id int32, offset int) (uint64, Status) {
	t := Get(id)
	if t == nil {
		return 0, ErrNullPtr
	}
	return t.GetUint64(offset)
}

func GetInt64(id int32, offset int) (int64, Status) {
	t := Get(id)
	if t == nil {
		return 0, ErrNullPtr
	}
	return t.GetInt64(offset)
}

func GetFloat32(id int32, offset int) (float32, Status) {
	t := Get(id)
	if t == nil {
		return 0, ErrNullPtr
	}
	return t.GetFloat32(offset)
}

func GetFloat64(id int32, offset int) (float64, Status) {
	t := Get(id)
	if t == nil {
		return 0, ErrNullPtr
	}
	return t.GetFloat64(offset)
}

func SetUint8(id int32, offset int, value uint8) Status {
	t := Get(id)
	if t == nil {
		return ErrNullPtr
	}
	return t.SetUint8(offset, value)
}

func SetInt8(id int32, offset int, value int8) Status {
	t := Get(id)
	if t == nil {
		return ErrNullPtr
	}
	return t.SetInt8(offset, value)
}

func SetUint16(id int32, offset int, value uint16) Status {
	t := Get(id)
	if t == nil {
		return ErrNullPtr
	}
	return t.SetUint16(offset, value)
}

func SetInt16(id int32, offset int, value int16) Status {
	t := Get(id)
	if t == nil {
		return ErrNullPtr
	}
	return t.SetInt16(offset, value)
}

func SetUint32(id int32, offset int, value uint32) Status {
	t := Get(id)
	if t == nil {
		return ErrNullPtr
	}
	return t.SetUint32(offset, value)
}

func SetInt32(id int32, offset int, value int32) Status {
	t := Get(id)
	if t == nil {
		return ErrNullPtr
	}
	return t.SetInt32(offset, value)
}

func SetUint64(id int32, offset int, value uint64) Status {
	t := Get(id)
	if t == nil {
		return ErrNullPtr
	}
	return t.SetUint64(offset, value)
}

func SetInt64(id int32, offset int, value int64) Status {
	t := Get(id)
	if t == nil {
		return ErrNullPtr
	}
	return t.SetInt64(offset, value)
}

func SetFloat32(id int32, offset int, value float32) Status {
	t := Get(id)
	if t == nil {
		return ErrNullPtr
	}
	return t.SetFloat32(offset, value)
}

func SetFloat64(id int32, offset int, value float64) Status {
	t := Get(id)
	if t == nil {
		return ErrNullPtr
	}
	return t.SetFloat64(offset, value)
}
