package eip

// Common Packet Format for EIP per ODVA v1.4

import (
	"encoding/binary"
	"fmt"
)

const (
	CpfAddressNullId              uint16 = 0x00
	CpfAddressConnectionId        uint16 = 0xA1
	CpfConnectedTransportPacketId uint16 = 0xB1
	CpfUnconnectedMessageId       uint16 = 0xB2
	CpfSockAddrInfoOtoTId         uint16 = 0x8000
	CpfSockAddrInfoTtoOId         uint16 = 0x8001
	CpfSequencedAddressId         uint16 = 0x8002
)

// CommonPacket is a wrapper for CPF data items.
type CommonPacket struct {
	Items []CommonPacketItem
}

// CommonPacketItem is the item format used for address and data items.
type CommonPacketItem struct {
	TypeId uint16
	Length uint16
	Data   []byte
}

// Bytes returns the little-endian wire form of the packet.
func (p *CommonPacket) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint16(nil, uint16(len(p.Items)))
	for _, item := range p.Items {
		raw = append(raw, item.Bytes()...)
	}
	return raw
}

// Bytes returns the little-endian wire form of one item.
func (item *CommonPacketItem) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint16(nil, item.TypeId)
	raw = binary.LittleEndian.AppendUint16(raw, item.Length)
	raw = append(raw, item.Data...)
	return raw
}

// UnconnectedPacket wraps a CIP request in the two-item CPF used for
// unconnected messaging: a null address item and an unconnected data item.
func UnconnectedPacket(cipRequest []byte) *CommonPacket {
	return &CommonPacket{
		Items: []CommonPacketItem{
			{TypeId: CpfAddressNullId, Length: 0, Data: nil},
			{TypeId: CpfUnconnectedMessageId, Length: uint16(len(cipRequest)), Data: cipRequest},
		},
	}
}

// ParseCommonPacket parses a list of CPF items from a raw byte stream.
func ParseCommonPacket(raw []byte) (*CommonPacket, error) {

	if len(raw) < 2 {
		return nil, fmt.Errorf("ParseCommonPacket: raw bytes too short: minimum 2, got %d", len(raw))
	}

	// Get the number of items and advance the slice.
	itemCount := binary.LittleEndian.Uint16(raw[:2])
	raw = raw[2:]

	if itemCount > 0 && len(raw) == 0 {
		return nil, fmt.Errorf("ParseCommonPacket: item count is nonzero but no bytes remain")
	}

	var items []CommonPacketItem

	for i := uint16(0); i < itemCount; i++ {

		if len(raw) < 4 {
			return nil, fmt.Errorf("ParseCommonPacket: truncated item header at item %d: have %d bytes", i, len(raw))
		}

		typeId := binary.LittleEndian.Uint16(raw[:2])
		length := binary.LittleEndian.Uint16(raw[2:4])

		need := int(4 + length)
		if len(raw) < need {
			return nil, fmt.Errorf("ParseCommonPacket: insufficient data for item %d: need %d bytes, have %d", i, need, len(raw))
		}

		items = append(items, CommonPacketItem{TypeId: typeId, Length: length, Data: raw[4 : 4+length]})

		raw = raw[4+length:]
	}

	return &CommonPacket{Items: items}, nil
}

// UnconnectedData returns the payload of the unconnected data item, which
// carries the CIP response in an unconnected exchange.
func (p *CommonPacket) UnconnectedData() ([]byte, error) {
	if len(p.Items) < 2 {
		return nil, fmt.Errorf("UnconnectedData: expected 2 CPF items, got %d", len(p.Items))
	}
	for _, item := range p.Items {
		if item.TypeId == CpfUnconnectedMessageId {
			return item.Data, nil
		}
	}
	return nil, fmt.Errorf("UnconnectedData: no unconnected data item in packet")
}
