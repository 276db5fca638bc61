package cip

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"
)

// CIP Connection Manager services
const (
	SvcForwardOpen      byte = 0x54 // Standard Forward Open (16-bit params, ≤511 bytes)
	SvcForwardOpenLarge byte = 0x5B // Large Forward Open (32-bit params, >511 bytes)
	SvcForwardClose     byte = 0x4E
)

// Connection represents an established class-3 CIP connection.
type Connection struct {
	OTConnID     uint32 // Originator -> Target connection ID
	TOConnID     uint32 // Target -> Originator connection ID
	SerialNumber uint16 // Connection serial number (for Forward Close)
	VendorID     uint16 // Originator vendor ID
	OrigSerial   uint32 // Originator serial number

	seq uint32 // Atomic sequence counter (low 16 bits used)
}

// NextSequence returns the next sequence number for connected messaging.
func (c *Connection) NextSequence() uint16 {
	return uint16(atomic.AddUint32(&c.seq, 1))
}

// WrapConnected prefixes a 16-bit sequence number to the CIP payload.
func (c *Connection) WrapConnected(cipPayload []byte) []byte {
	s := c.NextSequence()
	out := make([]byte, 2+len(cipPayload))
	binary.LittleEndian.PutUint16(out[0:2], s)
	copy(out[2:], cipPayload)
	return out
}

// UnwrapConnected extracts the sequence and CIP response payload.
func (c *Connection) UnwrapConnected(raw []byte) (seq uint16, cipPayload []byte, err error) {
	if len(raw) < 2 {
		return 0, nil, fmt.Errorf("connected data too short: %d bytes", len(raw))
	}
	seq = binary.LittleEndian.Uint16(raw[0:2])
	return seq, raw[2:], nil
}

// ForwardOpenConfig contains parameters for establishing a CIP connection.
type ForwardOpenConfig struct {
	// Connection parameters
	OTConnectionSize uint16 // Max packet size O->T (default 504)
	TOConnectionSize uint16 // Max packet size T->O (default 504)

	// Connection path to target (e.g., backplane port 1, slot 0, then the
	// Message Router class/instance)
	ConnectionPath []byte

	// Vendor/serial for connection tracking
	VendorID         uint16
	OriginatorSerial uint32
}

// DefaultForwardOpenConfig returns a config with sensible defaults.
func DefaultForwardOpenConfig() ForwardOpenConfig {
	return ForwardOpenConfig{
		OTConnectionSize: 504,
		TOConnectionSize: 504,
		VendorID:         0x0001, // Rockwell
		OriginatorSerial: uint32(rand.Int31()),
	}
}

// RoutedMessageRouterPath builds the class-3 connection path: the backplane
// route followed by the Message Router object (class 0x02, instance 1).
func RoutedMessageRouterPath(backplane, slot byte) []byte {
	return []byte{backplane, slot, 0x20, 0x02, 0x24, 0x01}
}

// BuildForwardOpenRequest builds a standard Forward Open (0x54) CIP request.
// Returns the request data and the connection serial number chosen for it.
func BuildForwardOpenRequest(cfg ForwardOpenConfig) ([]byte, uint16, error) {
	return buildForwardOpenInternal(cfg, false)
}

// BuildForwardOpenRequestLarge builds a Large Forward Open (0x5B) request
// with 32-bit connection parameters for packet sizes above 511 bytes.
func BuildForwardOpenRequestLarge(cfg ForwardOpenConfig) ([]byte, uint16, error) {
	return buildForwardOpenInternal(cfg, true)
}

func buildForwardOpenInternal(cfg ForwardOpenConfig, large bool) ([]byte, uint16, error) {
	if len(cfg.ConnectionPath) == 0 {
		return nil, 0, fmt.Errorf("ForwardOpen: empty connection path")
	}

	connSerial := uint16(rand.Intn(65000))

	// Class-3 explicit messaging timing: ~2.1 second RPIs in both
	// directions, transport trigger 0xA3 (server, application object,
	// class 3).
	otRPI := uint32(0x00201234)
	toRPI := uint32(0x00204001)
	connParamsBase := uint16(0x4200)

	var otParams, toParams uint32
	if large {
		otParams = (uint32(connParamsBase) << 16) | uint32(cfg.OTConnectionSize)
		toParams = (uint32(connParamsBase) << 16) | uint32(cfg.TOConnectionSize)
	} else {
		otParams = uint32(connParamsBase) | uint32(cfg.OTConnectionSize)
		toParams = uint32(connParamsBase) | uint32(cfg.TOConnectionSize)
	}

	svcCode := SvcForwardOpen
	if large {
		svcCode = SvcForwardOpenLarge
	}

	data := make([]byte, 0, 48+len(cfg.ConnectionPath))

	data = append(data, svcCode)
	data = append(data, 0x02)       // path size to Connection Manager, words
	data = append(data, 0x20, 0x06) // class 6 = Connection Manager
	data = append(data, 0x24, 0x01) // instance 1

	data = append(data, 0x0A) // priority/tick time
	data = append(data, 0x0E) // timeout ticks

	data = binary.LittleEndian.AppendUint32(data, 0x20000002) // O->T connection ID
	data = binary.LittleEndian.AppendUint32(data, uint32(rand.Intn(65000)))

	data = binary.LittleEndian.AppendUint16(data, connSerial)
	data = binary.LittleEndian.AppendUint16(data, cfg.VendorID)
	data = binary.LittleEndian.AppendUint32(data, cfg.OriginatorSerial)

	// Connection timeout multiplier plus three reserved bytes.
	data = binary.LittleEndian.AppendUint32(data, 0x03)

	data = binary.LittleEndian.AppendUint32(data, otRPI)
	if large {
		data = binary.LittleEndian.AppendUint32(data, otParams)
	} else {
		data = binary.LittleEndian.AppendUint16(data, uint16(otParams))
	}

	data = binary.LittleEndian.AppendUint32(data, toRPI)
	if large {
		data = binary.LittleEndian.AppendUint32(data, toParams)
	} else {
		data = binary.LittleEndian.AppendUint16(data, uint16(toParams))
	}

	data = append(data, 0xA3) // transport type/trigger

	pathSizeWords := byte(len(cfg.ConnectionPath) / 2)
	data = append(data, pathSizeWords)
	data = append(data, cfg.ConnectionPath...)

	return data, connSerial, nil
}

// ForwardOpenResponse contains the parsed response from Forward Open.
type ForwardOpenResponse struct {
	OTConnectionID   uint32
	TOConnectionID   uint32
	ConnectionSerial uint16
	VendorID         uint16
	OriginatorSerial uint32
	OTRPI            uint32
	TORPI            uint32
}

// ParseForwardOpenResponse parses a Forward Open response.
// Input should be the CIP response data (after the service/status header).
func ParseForwardOpenResponse(data []byte) (*ForwardOpenResponse, error) {
	if len(data) < 26 {
		return nil, fmt.Errorf("Forward Open response too short: %d bytes", len(data))
	}

	return &ForwardOpenResponse{
		OTConnectionID:   binary.LittleEndian.Uint32(data[0:4]),
		TOConnectionID:   binary.LittleEndian.Uint32(data[4:8]),
		ConnectionSerial: binary.LittleEndian.Uint16(data[8:10]),
		VendorID:         binary.LittleEndian.Uint16(data[10:12]),
		OriginatorSerial: binary.LittleEndian.Uint32(data[12:16]),
		OTRPI:            binary.LittleEndian.Uint32(data[16:20]),
		TORPI:            binary.LittleEndian.Uint32(data[20:24]),
	}, nil
}

// BuildForwardCloseRequest builds a Forward Close (0x4E) CIP request.
func BuildForwardCloseRequest(conn *Connection, connectionPath []byte) ([]byte, error) {
	if conn == nil {
		return nil, fmt.Errorf("ForwardClose: nil connection")
	}

	cmPath, err := Path().Class(ClassConnectionManager).Instance(1).Build()
	if err != nil {
		return nil, fmt.Errorf("ForwardClose: %w", err)
	}

	data := make([]byte, 0, 16+len(connectionPath))

	data = append(data, 0x0A) // priority/tick time
	data = append(data, 0x01) // timeout ticks

	data = binary.LittleEndian.AppendUint16(data, conn.SerialNumber)
	data = binary.LittleEndian.AppendUint16(data, conn.VendorID)
	data = binary.LittleEndian.AppendUint32(data, conn.OrigSerial)

	pathSizeWords := byte(len(connectionPath) / 2)
	if len(connectionPath)%2 != 0 {
		pathSizeWords++
	}
	data = append(data, pathSizeWords)
	data = append(data, 0x00) // reserved

	data = append(data, connectionPath...)
	if len(connectionPath)%2 != 0 {
		data = append(data, 0x00)
	}

	reqData := make([]byte, 0, 2+len(cmPath)+len(data))
	reqData = append(reqData, SvcForwardClose)
	reqData = append(reqData, cmPath.WordLen())
	reqData = append(reqData, cmPath...)
	reqData = append(reqData, data...)

	return reqData, nil
}

// ConnectionTimeout is how long a pending Forward Open is allowed to take
// before the owning layer should consider it failed.
const ConnectionTimeout = 10 * time.Second
