package driver

import "pcclink/config"

// TagValue holds one polled tag value with its decoded Go form.
type TagValue struct {
	Name    string      // Display name
	Address string      // Data table address (e.g., "N7:0")
	Type    string      // Human-readable type ("Integer", "Float", ...)
	Value   interface{} // Decoded Go value (int16, float32, []int16, ...)
	Bytes   []byte      // Raw little-endian bytes from the PLC
	Error   error       // Per-tag error (nil on success)
}

// TagRequest names one tag to read.
type TagRequest struct {
	Name    string // Display name carried through to the result
	Address string // Data table address
	Count   int    // Element count (0 or 1 for scalar)
}

// DeviceInfo describes the connected PLC.
type DeviceInfo struct {
	Family  config.PLCFamily
	Address string
	Mode    string // connection mode description
}
