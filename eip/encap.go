package eip

import (
	"encoding/binary"
	"fmt"
)

// EtherNet/IP encapsulation commands.
const (
	NOP               uint16 = 0x00
	RegisterSession   uint16 = 0x65
	UnRegisterSession uint16 = 0x66
	SendRRData        uint16 = 0x6F
	SendUnitData      uint16 = 0x70
)

// EncapHeaderSize is the fixed size of the encapsulation header.
const EncapHeaderSize = 24

// DefaultPort is the EtherNet/IP TCP port.
const DefaultPort uint16 = 44818

// Encap is a generic EtherNet/IP encapsulation frame.
type Encap struct {
	Command       uint16
	Length        uint16
	SessionHandle uint32
	Status        uint32
	Context       [8]byte
	Options       uint32
	Data          []byte
}

// CommandData is the interface-handle/timeout wrapper that precedes the CPF
// packet in SendRRData and SendUnitData frames.
type CommandData struct {
	InterfaceHandle uint32
	Timeout         uint16
	Packet          []byte
}

// Bytes returns the little-endian wire form of the frame.
func (m *Encap) Bytes() []byte {
	buf := make([]byte, 0, EncapHeaderSize+len(m.Data))
	buf = binary.LittleEndian.AppendUint16(buf, m.Command)
	buf = binary.LittleEndian.AppendUint16(buf, m.Length)
	buf = binary.LittleEndian.AppendUint32(buf, m.SessionHandle)
	buf = binary.LittleEndian.AppendUint32(buf, m.Status)
	buf = append(buf, m.Context[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, m.Options)
	buf = append(buf, m.Data...)
	return buf
}

// ParseEncapHeader decodes a 24-byte encapsulation header.  The payload is
// not consumed; Data is left nil.
func ParseEncapHeader(header []byte) (*Encap, error) {
	if len(header) < EncapHeaderSize {
		return nil, fmt.Errorf("ParseEncapHeader: need %d bytes, got %d", EncapHeaderSize, len(header))
	}

	var ctx [8]byte
	copy(ctx[:], header[12:20])

	return &Encap{
		Command:       binary.LittleEndian.Uint16(header[:2]),
		Length:        binary.LittleEndian.Uint16(header[2:4]),
		SessionHandle: binary.LittleEndian.Uint32(header[4:8]),
		Status:        binary.LittleEndian.Uint32(header[8:12]),
		Context:       ctx,
		Options:       binary.LittleEndian.Uint32(header[20:24]),
	}, nil
}

// ParseEncap decodes a complete frame (header plus payload).
func ParseEncap(raw []byte) (*Encap, error) {
	encap, err := ParseEncapHeader(raw)
	if err != nil {
		return nil, err
	}
	if len(raw)-EncapHeaderSize < int(encap.Length) {
		return nil, fmt.Errorf("ParseEncap: payload truncated: header says %d, have %d", encap.Length, len(raw)-EncapHeaderSize)
	}
	encap.Data = raw[EncapHeaderSize : EncapHeaderSize+int(encap.Length)]
	return encap, nil
}

// Bytes returns the little-endian wire form of the command data wrapper.
func (r *CommandData) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint32(nil, r.InterfaceHandle)
	raw = binary.LittleEndian.AppendUint16(raw, r.Timeout)
	raw = append(raw, r.Packet...)
	return raw
}

// ParseCommandData decodes the interface-handle/timeout wrapper.
func ParseCommandData(raw []byte) (*CommandData, error) {
	if len(raw) < 6 {
		return nil, fmt.Errorf("ParseCommandData: raw bytes too short: minimum 6, got %d", len(raw))
	}

	return &CommandData{
		InterfaceHandle: binary.LittleEndian.Uint32(raw[:4]),
		Timeout:         binary.LittleEndian.Uint16(raw[4:6]),
		Packet:          raw[6:],
	}, nil
}
