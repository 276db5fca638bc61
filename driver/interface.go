package driver

import "pcclink/config"

// Driver is the unified interface the gateway uses to talk to a PLC.  Each
// processor family has an adapter that implements it.
type Driver interface {
	// Connection management
	Connect() error
	Close() error
	IsConnected() bool

	// Identification
	Family() config.PLCFamily
	GetDeviceInfo() (*DeviceInfo, error)

	// Read/Write operations
	Read(requests []TagRequest) ([]*TagValue, error)
	Write(address string, value interface{}) error

	// Maintenance
	IsConnectionError(err error) bool
}
