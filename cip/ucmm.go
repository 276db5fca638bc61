package cip

import (
	"encoding/binary"
	"fmt"
)

// CIP service codes and classes used for PCCC transport.
const (
	SvcExecutePCCC          byte = 0x4B
	SvcExecutePCCCReply     byte = 0xCB // 0x4B | 0x80
	SvcUnconnectedSend      byte = 0x52
	SvcUnconnectedSendReply byte = 0xD2 // 0x52 | 0x80

	ClassPCCCObject        byte = 0x67
	ClassConnectionManager byte = 0x06

	// RequesterIDLength is the fixed PCCC requester id length:
	// 1-byte length + 2-byte vendor id + 4-byte serial number.
	RequesterIDLength byte = 7

	// Unconnected Send timing, matching the values AB gear is known to
	// accept: priority/tick 0x0A, timeout ticks 0x05.
	DefaultSecsPerTick  byte = 0x0A
	DefaultTimeoutTicks byte = 0x05
)

// ExecutePCCC wraps a PCCC command in a CIP Execute PCCC request addressed
// to the PCCC object (class 0x67, instance 1).
//
// Request format:
//
//	[Service:0x4B] [PathSize:2] [Path: 20 67 24 01]
//	[RequesterIDLen:7] [VendorID:2 LE] [SerialNum:4 LE]
//	[PCCC command bytes...]
func ExecutePCCC(pcccPayload []byte, vendorID uint16, serialNum uint32) ([]byte, error) {
	path, err := Path().Class(ClassPCCCObject).Instance(1).Build()
	if err != nil {
		return nil, fmt.Errorf("ExecutePCCC: failed to build PCCC object path: %w", err)
	}

	req := make([]byte, 0, 2+len(path)+int(RequesterIDLength)+len(pcccPayload))
	req = append(req, SvcExecutePCCC)
	req = append(req, path.WordLen())
	req = append(req, path...)

	req = append(req, RequesterIDLength)
	req = binary.LittleEndian.AppendUint16(req, vendorID)
	req = binary.LittleEndian.AppendUint32(req, serialNum)

	req = append(req, pcccPayload...)

	return req, nil
}

// UnconnectedSendPCCC wraps an embedded CIP request in a Connection Manager
// Unconnected Send for routing to a processor slot.  ControlLogix PLCs only
// accept PCCC through this wrapper.
//
// Request format:
//
//	[Service:0x52] [PathSize:2] [Path: 20 06 24 01]
//	[SecsPerTick:1] [TimeoutTicks:1] [EmbeddedLen:2 LE]
//	[embedded request...] [pad if odd]
//	[RoutePathSize:1 = 1 word] [slot] [backplane]
func UnconnectedSendPCCC(embedded []byte, backplane, slot byte) ([]byte, error) {
	if len(embedded) == 0 {
		return nil, fmt.Errorf("UnconnectedSendPCCC: empty embedded request")
	}
	if len(embedded) > 0xFFFF {
		return nil, fmt.Errorf("UnconnectedSendPCCC: embedded request too large: %d bytes", len(embedded))
	}

	cmPath, err := Path().Class(ClassConnectionManager).Instance(1).Build()
	if err != nil {
		return nil, fmt.Errorf("UnconnectedSendPCCC: failed to build CM path: %w", err)
	}

	out := make([]byte, 0, 2+len(cmPath)+4+len(embedded)+4)
	out = append(out, SvcUnconnectedSend)
	out = append(out, cmPath.WordLen())
	out = append(out, cmPath...)
	out = append(out, DefaultSecsPerTick)
	out = append(out, DefaultTimeoutTicks)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(embedded)))
	out = append(out, embedded...)
	if len(embedded)%2 != 0 {
		out = append(out, 0x00)
	}

	// Route path: one word, slot first then backplane port.
	out = append(out, 0x01)
	out = append(out, slot)
	out = append(out, backplane)

	return out, nil
}

// ExecutePCCCResponse is the decoded CIP layer of an Execute PCCC reply.
// Status handling is the caller's: a nonzero GeneralStatus is a remote
// error, not a parse failure.
type ExecutePCCCResponse struct {
	ReplyService  byte
	GeneralStatus byte
	PCCCReply     []byte // PCCC response: CMD, STS, TNS, [EXT STS], data
}

// ParseExecutePCCCResponse decodes the CIP response carried in the
// unconnected data item.  An Unconnected Send reply (0xD2) that reports a
// routing failure is surfaced through GeneralStatus; on success the embedded
// Execute PCCC reply is unwrapped recursively.
//
// Reply format:
//
//	[ReplyService] [Reserved:1] [GeneralStatus:1] [AddlStatusSize:1] [AddlStatus...]
//	[RequesterIDLen] [VendorID:2] [SerialNum:4]
//	[PCCC response bytes...]
func ParseExecutePCCCResponse(data []byte) (*ExecutePCCCResponse, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("ParseExecutePCCCResponse: CIP response too short: %d bytes", len(data))
	}

	replyService := data[0]
	status := data[2]
	addlStatusSize := data[3]

	if replyService == SvcUnconnectedSendReply {
		if status != 0 {
			return &ExecutePCCCResponse{ReplyService: replyService, GeneralStatus: status}, nil
		}
		embeddedStart := 4 + int(addlStatusSize)*2
		if embeddedStart >= len(data) {
			return nil, fmt.Errorf("ParseExecutePCCCResponse: Unconnected Send reply has no embedded data")
		}
		return ParseExecutePCCCResponse(data[embeddedStart:])
	}

	if replyService != SvcExecutePCCCReply {
		return nil, fmt.Errorf("ParseExecutePCCCResponse: unexpected reply service 0x%02X (expected 0x%02X)", replyService, SvcExecutePCCCReply)
	}

	if status != 0 {
		return &ExecutePCCCResponse{ReplyService: replyService, GeneralStatus: status}, nil
	}

	payloadStart := 4 + int(addlStatusSize)*2
	if payloadStart >= len(data) {
		return nil, fmt.Errorf("ParseExecutePCCCResponse: CIP response has no PCCC payload")
	}
	payload := data[payloadStart:]

	// Skip the echoed requester id.
	if len(payload) < 1 {
		return nil, fmt.Errorf("ParseExecutePCCCResponse: CIP response missing requester id")
	}
	idLen := int(payload[0])
	if idLen == 0 || len(payload) < idLen {
		return nil, fmt.Errorf("ParseExecutePCCCResponse: CIP response requester id truncated")
	}

	return &ExecutePCCCResponse{
		ReplyService: replyService,
		PCCCReply:    payload[idLen:],
	}, nil
}

// GeneralStatusName returns a short description for a CIP general status.
func GeneralStatusName(status byte) string {
	switch status {
	case 0x00:
		return "Success"
	case 0x01:
		return "Connection Failure"
	case 0x02:
		return "Resource Unavailable"
	case 0x04:
		return "Path Segment Error"
	case 0x05:
		return "Path Destination Unknown"
	case 0x08:
		return "Service Not Supported"
	case 0x0A:
		return "Attribute List Error"
	case 0x13:
		return "Not Enough Data"
	case 0x15:
		return "Too Much Data"
	case 0x1E:
		return "Embedded Service Error"
	default:
		return fmt.Sprintf("General Status 0x%02X", status)
	}
}
