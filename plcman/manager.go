// Package plcman provides PLC connection management with background polling.
package plcman

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"pcclink/config"
	"pcclink/driver"
	"pcclink/logging"
)

// ConnectionStatus represents the state of a PLC connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// HealthStatus represents the health state of a PLC for publishing.
type HealthStatus struct {
	Driver    string    `json:"driver"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MaxConnectRetries is the number of consecutive failed connection attempts
// before the manager stops auto-reconnecting a PLC.
const MaxConnectRetries = 5

// connectRetryDelay spaces consecutive connection attempts.
const connectRetryDelay = 2 * time.Second

// ValueListener is called when a polled tag value changes.
type ValueListener func(plcName string, value *driver.TagValue)

// ManagedPLC represents a PLC under management.
type ManagedPLC struct {
	Config *config.PLCConfig
	Driver driver.Driver

	mu           sync.RWMutex
	values       map[string]*driver.TagValue
	status       ConnectionStatus
	lastError    error
	lastPoll     time.Time
	connRetries  int
	retryLimited bool
}

// GetStatus returns the current connection status.
func (m *ManagedPLC) GetStatus() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// GetError returns the last error.
func (m *ManagedPLC) GetError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// GetValues returns a copy of the current tag values.
func (m *ManagedPLC) GetValues() map[string]*driver.TagValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]*driver.TagValue, len(m.values))
	for k, v := range m.values {
		result[k] = v
	}
	return result
}

// IsTagWritable reports whether a tag is configured as writable.
func (m *ManagedPLC) IsTagWritable(tagName string) bool {
	if m.Config == nil {
		return false
	}
	for _, tc := range m.Config.Tags {
		if tc.DisplayName() == tagName {
			return tc.Writable
		}
	}
	return false
}

// GetHealthStatus returns the current health status for publishing.
func (m *ManagedPLC) GetHealthStatus() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health := HealthStatus{
		Driver:    "pccc",
		Timestamp: time.Now().UTC(),
	}

	if m.Config != nil && !m.Config.Enabled {
		health.Status = "disabled"
		return health
	}

	switch m.status {
	case StatusConnected:
		health.Online = true
		health.Status = "connected"
	case StatusConnecting:
		health.Status = "connecting"
	case StatusDisconnected:
		health.Status = "disconnected"
	case StatusError:
		health.Status = "error"
	default:
		health.Status = "unknown"
	}

	if m.lastError != nil {
		health.Error = m.lastError.Error()
	}
	return health
}

// setStatus records a status transition.
func (m *ManagedPLC) setStatus(status ConnectionStatus, err error) {
	m.mu.Lock()
	m.status = status
	m.lastError = err
	m.mu.Unlock()
}

// requests builds the poll request list from config.
func (m *ManagedPLC) requests() []driver.TagRequest {
	reqs := make([]driver.TagRequest, 0, len(m.Config.Tags))
	for _, tc := range m.Config.Tags {
		reqs = append(reqs, driver.TagRequest{
			Name:    tc.DisplayName(),
			Address: tc.Address,
			Count:   tc.Count,
		})
	}
	return reqs
}

// Manager owns the managed PLCs and their polling goroutines.
type Manager struct {
	cfg *config.Config

	mu   sync.RWMutex
	plcs map[string]*ManagedPLC

	listenerMu sync.RWMutex
	listeners  []ValueListener

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager builds a manager and its drivers from config.  PLCs whose
// driver cannot be built are skipped with a logged error.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		cfg:  cfg,
		plcs: make(map[string]*ManagedPLC),
		stop: make(chan struct{}),
	}

	for i := range cfg.PLCs {
		plcCfg := &cfg.PLCs[i]
		drv, err := driver.NewDriver(plcCfg)
		if err != nil {
			logging.DebugError("plcman", "NewDriver "+plcCfg.Name, err)
			continue
		}
		m.plcs[plcCfg.Name] = &ManagedPLC{
			Config: plcCfg,
			Driver: drv,
			values: make(map[string]*driver.TagValue),
		}
	}

	return m
}

// OnValueChange registers a listener invoked when a polled value changes.
// Listeners run on the poll goroutine and must not block.
func (m *Manager) OnValueChange(fn ValueListener) {
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenerMu.Unlock()
}

func (m *Manager) emit(plcName string, value *driver.TagValue) {
	m.listenerMu.RLock()
	listeners := m.listeners
	m.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(plcName, value)
	}
}

// PLC returns the managed PLC by name, or nil.
func (m *Manager) PLC(name string) *ManagedPLC {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plcs[name]
}

// PLCNames returns the managed PLC names, sorted.
func (m *Manager) PLCNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.plcs))
	for name := range m.plcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches a poll goroutine per enabled PLC.
func (m *Manager) Start() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, plc := range m.plcs {
		if !plc.Config.Enabled {
			continue
		}
		m.wg.Add(1)
		go m.pollLoop(plc)
	}
}

// Stop halts polling and closes all drivers.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, plc := range m.plcs {
		_ = plc.Driver.Close()
	}
}

// WriteTag writes a value to a named tag on a named PLC, honoring the
// writable flag.
func (m *Manager) WriteTag(plcName, tagName string, value interface{}) error {
	plc := m.PLC(plcName)
	if plc == nil {
		return fmt.Errorf("WriteTag: unknown PLC %q", plcName)
	}
	if !plc.IsTagWritable(tagName) {
		return fmt.Errorf("WriteTag: tag %q on %q is not writable", tagName, plcName)
	}

	var address string
	for _, tc := range plc.Config.Tags {
		if tc.DisplayName() == tagName {
			address = tc.Address
			break
		}
	}
	if address == "" {
		return fmt.Errorf("WriteTag: unknown tag %q on %q", tagName, plcName)
	}

	if err := plc.Driver.Write(address, value); err != nil {
		return fmt.Errorf("WriteTag: %w", err)
	}
	logging.DebugLog("plcman", "wrote %s/%s = %v", plcName, tagName, value)
	return nil
}

// pollLoop connects (with bounded retries) and polls one PLC until Stop.
func (m *Manager) pollLoop(plc *ManagedPLC) {
	defer m.wg.Done()

	for {
		if !m.connectWithRetry(plc) {
			return
		}

		if !m.pollUntilFailure(plc) {
			return
		}
		// Connection lost; tear down and reconnect from scratch.
		_ = plc.Driver.Close()
		plc.setStatus(StatusDisconnected, plc.GetError())
	}
}

// connectWithRetry attempts to connect until it succeeds, the retry budget
// is exhausted, or the manager stops.  Returns false when polling should
// end.
func (m *Manager) connectWithRetry(plc *ManagedPLC) bool {
	for attempt := 1; ; attempt++ {
		select {
		case <-m.stop:
			return false
		default:
		}

		plc.setStatus(StatusConnecting, nil)
		err := plc.Driver.Connect()
		if err == nil {
			plc.mu.Lock()
			plc.status = StatusConnected
			plc.lastError = nil
			plc.connRetries = 0
			plc.mu.Unlock()
			return true
		}

		logging.DebugError("plcman", "connect "+plc.Config.Name, err)
		plc.mu.Lock()
		plc.connRetries = attempt
		plc.status = StatusError
		plc.lastError = err
		limited := attempt >= MaxConnectRetries
		plc.retryLimited = limited
		plc.mu.Unlock()

		if limited {
			logging.DebugLog("plcman", "PLC %s: giving up after %d attempts", plc.Config.Name, attempt)
			return false
		}

		select {
		case <-m.stop:
			return false
		case <-time.After(connectRetryDelay):
		}
	}
}

// pollUntilFailure polls at the configured rate until the connection drops
// (returns true, caller reconnects) or the manager stops (returns false).
func (m *Manager) pollUntilFailure(plc *ManagedPLC) bool {
	ticker := time.NewTicker(plc.Config.PollRate)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return false
		case <-ticker.C:
		}

		results, err := plc.Driver.Read(plc.requests())
		if err != nil {
			plc.setStatus(StatusError, err)
			return true
		}

		connErrors := 0
		var changed []*driver.TagValue
		plc.mu.Lock()
		plc.lastPoll = time.Now()
		for _, result := range results {
			if result.Error != nil {
				connErrors += boolToInt(plc.Driver.IsConnectionError(result.Error))
			}
			prev := plc.values[result.Name]
			plc.values[result.Name] = result
			if result.Error == nil && (prev == nil || prev.Error != nil || fmt.Sprintf("%v", prev.Value) != fmt.Sprintf("%v", result.Value)) {
				changed = append(changed, result)
			}
		}
		plc.mu.Unlock()

		for _, result := range changed {
			m.emit(plc.Config.Name, result)
		}

		// A poll where every tag failed with a transport error means the
		// session is gone.
		if len(results) > 0 && connErrors == len(results) {
			plc.setStatus(StatusError, results[0].Error)
			return true
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
