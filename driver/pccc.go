package driver

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"pcclink/config"
	"pcclink/logging"
	"pcclink/tag"
)

// PCCCAdapter drives PLC-5, SLC-500, MicroLogix, and ControlLogix
// processors through the tag layer.  One adapter owns one PLC; each
// configured address gets a long-lived tag handle so polling reuses the
// session and the read cache.
type PCCCAdapter struct {
	cfg *config.PLCConfig

	mu        sync.Mutex
	handles   map[string]int32 // address/count -> tag handle
	connected bool
}

// defaultOpTimeout bounds a single read or write round trip.
const defaultOpTimeout = 2 * time.Second

// NewPCCCAdapter creates an adapter from configuration.  No connection is
// made until Connect.
func NewPCCCAdapter(cfg *config.PLCConfig) (*PCCCAdapter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("NewPCCCAdapter: nil config")
	}
	return &PCCCAdapter{
		cfg:     cfg,
		handles: make(map[string]int32),
	}, nil
}

// attributeString builds the tag-layer attribute string for one address.
func (a *PCCCAdapter) attributeString(address string, count int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "protocol=ab_eip&gateway=%s&cpu=%s", a.cfg.Address, a.cfg.Family.CPU())
	if a.cfg.Family.NeedsRoute() {
		fmt.Fprintf(&sb, "&path=%s", a.cfg.Path)
	}
	fmt.Fprintf(&sb, "&name=%s", address)
	if count > 1 {
		fmt.Fprintf(&sb, "&elem_count=%d", count)
	}
	if a.cfg.ReadCacheMS > 0 {
		fmt.Fprintf(&sb, "&read_cache_ms=%d", a.cfg.ReadCacheMS)
	}
	return sb.String()
}

// opTimeout returns the configured round-trip budget.
func (a *PCCCAdapter) opTimeout() time.Duration {
	if a.cfg.Timeout > 0 {
		return a.cfg.Timeout
	}
	return defaultOpTimeout
}

// Connect creates tag handles for every configured address.  The first
// handle's Create blocks until the EIP session registers, so a dead PLC
// fails here rather than on every poll.
func (a *PCCCAdapter) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}

	timeout := a.opTimeout()
	for _, tc := range a.cfg.Tags {
		if _, err := a.ensureHandleLocked(tc.Address, tc.Count, timeout); err != nil {
			a.closeLocked()
			return fmt.Errorf("Connect %s: %w", a.cfg.Name, err)
		}
		// Only the first create needs to wait out the handshake.
		timeout = 0
	}

	a.connected = true
	logging.DebugLog("plcman", "PLC %s: connected with %d tag handles", a.cfg.Name, len(a.handles))
	return nil
}

// ensureHandleLocked returns the handle for an address, creating it on first
// use.  Must be called with a.mu held.
func (a *PCCCAdapter) ensureHandleLocked(address string, count int, timeout time.Duration) (int32, error) {
	if count <= 0 {
		count = 1
	}
	key := fmt.Sprintf("%s/%d", address, count)
	if id, ok := a.handles[key]; ok {
		return id, nil
	}

	id, rc := tag.Create(a.attributeString(address, count), timeout)
	if rc != tag.StatusOK {
		return 0, fmt.Errorf("create tag %s: %s", address, rc)
	}
	a.handles[key] = id
	return id, nil
}

// Close destroys all tag handles.
func (a *PCCCAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
	return nil
}

func (a *PCCCAdapter) closeLocked() {
	for _, id := range a.handles {
		tag.Destroy(id)
	}
	a.handles = make(map[string]int32)
	a.connected = false
}

// IsConnected reports whether the adapter holds live handles whose session
// is usable.
func (a *PCCCAdapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return false
	}
	for _, id := range a.handles {
		rc := tag.GetStatus(id)
		return rc == tag.StatusOK || rc == tag.StatusPending || rc == tag.ErrBusy
	}
	return false
}

// Family returns the configured processor family.
func (a *PCCCAdapter) Family() config.PLCFamily {
	return a.cfg.Family
}

// GetDeviceInfo describes the connection.
func (a *PCCCAdapter) GetDeviceInfo() (*DeviceInfo, error) {
	mode := "PCCC unconnected"
	if a.cfg.Family.NeedsRoute() {
		mode = fmt.Sprintf("PCCC via Unconnected Send (route %s)", a.cfg.Path)
	}
	return &DeviceInfo{
		Family:  a.cfg.Family,
		Address: a.cfg.Address,
		Mode:    mode,
	}, nil
}

// Read polls the requested addresses.  Each result carries its own error;
// the call-level error is reserved for an unusable adapter.
func (a *PCCCAdapter) Read(requests []TagRequest) ([]*TagValue, error) {
	if a == nil {
		return nil, fmt.Errorf("Read: nil adapter")
	}

	timeout := a.opTimeout()
	results := make([]*TagValue, 0, len(requests))

	for _, req := range requests {
		result := &TagValue{Name: req.Name, Address: req.Address}
		results = append(results, result)

		a.mu.Lock()
		id, err := a.ensureHandleLocked(req.Address, req.Count, 0)
		a.mu.Unlock()
		if err != nil {
			result.Error = err
			continue
		}

		if rc := tag.Read(id, timeout); rc != tag.StatusOK {
			result.Error = fmt.Errorf("read %s: %s", req.Address, rc)
			if text := tag.LastErrorText(id); text != "" {
				result.Error = fmt.Errorf("read %s: %s: %s", req.Address, rc, text)
			}
			continue
		}

		t := tag.Get(id)
		if t == nil {
			result.Error = fmt.Errorf("read %s: handle vanished", req.Address)
			continue
		}
		result.Bytes = t.Bytes()
		result.Value, result.Type, result.Error = decodeValue(req.Address, result.Bytes)
	}

	return results, nil
}

// Write encodes a Go value and writes it to a data-table address.
func (a *PCCCAdapter) Write(address string, value interface{}) error {
	if a == nil {
		return fmt.Errorf("Write: nil adapter")
	}

	a.mu.Lock()
	id, err := a.ensureHandleLocked(address, 1, 0)
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("Write %s: %w", address, err)
	}

	t := tag.Get(id)
	if t == nil {
		return fmt.Errorf("Write %s: handle vanished", address)
	}

	if rc := encodeValue(t, address, value); rc != tag.StatusOK {
		return fmt.Errorf("Write %s: %s", address, rc)
	}

	if rc := tag.Write(id, a.opTimeout()); rc != tag.StatusOK {
		if text := tag.LastErrorText(id); text != "" {
			return fmt.Errorf("Write %s: %s: %s", address, rc, text)
		}
		return fmt.Errorf("Write %s: %s", address, rc)
	}
	return nil
}

// IsConnectionError reports whether an error from Read or Write indicates a
// lost connection rather than a per-tag problem.
func (a *PCCCAdapter) IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, tag.DecodeError(tag.ErrTimeout)) ||
		strings.Contains(msg, tag.DecodeError(tag.ErrCreate))
}
