package tag

import (
	"time"

	"pcclink/cip"
	"pcclink/eip"
	"pcclink/logging"
	"pcclink/pccc"
)

// pcccDialect implements the PCCC-over-EIP operations for PLC-5, SLC,
// MicroLogix, and (via the Unconnected Send wrapper) ControlLogix.
type pcccDialect struct{}

// routerTimeout is the CPF router timeout in seconds.
const routerTimeout = 1

// frameOverhead is headroom for the encapsulation header, CPF items, and
// Unconnected Send wrapper around the PCCC payload.  The request buffer is
// sized for the PCCC packet limit plus this framing so a full-sized write
// can never run past the buffer.
const frameOverhead = 80

// readOverhead is the per-reply fixed-field budget used to bound a read:
// CIP reply header (4), requester id (7), PCCC reply header (4), and the
// worst-case DT descriptors (5 for the outer type, 5 for an array element).
const readOverhead = 4 + 7 + 4 + 5 + 5

// writeOverheadBase is the fixed-field budget of a write request, before
// the encoded address: CIP service/path (6), requester id (7), PCCC header
// (5), transfer size twice (4), and worst-case DT descriptors (3).
const writeOverheadBase = 6 + 7 + 5 + 4 + 3

// startRead validates preconditions, builds the read packet into a fresh
// request, and queues it on the session.
func (d pcccDialect) startRead(t *Tag) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rc := d.precheck(t); rc != StatusOK {
		return rc
	}

	dataPerPacket := pccc.MaxPacketSize - readOverhead
	if dataPerPacket <= 0 {
		logging.DebugLog("pccc", "read overhead %d leaves no room in %d byte packet", readOverhead, pccc.MaxPacketSize)
		return ErrTooLarge
	}
	if t.size > dataPerPacket {
		logging.DebugLog("pccc", "tag %s size %d exceeds %d data bytes per packet", t.name, t.size, dataPerPacket)
		return ErrTooLarge
	}

	seq := t.session.NewSeqID()
	payload := pccc.BuildTypedRead(t.encodedName, uint16(t.elemCount), seq)

	rc := d.enqueue(t, payload, seq)
	if rc != StatusOK {
		return rc
	}

	t.readInProgress = true
	return StatusPending
}

// startWrite validates preconditions (writes are limited to 2-byte INT and
// 4-byte REAL elements), builds the write packet, and queues it.
func (d pcccDialect) startWrite(t *Tag) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rc := d.precheck(t); rc != StatusOK {
		return rc
	}

	if t.elemSize != 2 && t.elemSize != 4 {
		logging.DebugLog("pccc", "tag %s: unsupported element size %d for write", t.name, t.elemSize)
		return ErrNotAllowed
	}

	overhead := writeOverheadBase + len(t.encodedName)
	dataPerPacket := pccc.MaxPacketSize - overhead
	if dataPerPacket <= 0 {
		logging.DebugLog("pccc", "write overhead %d leaves no room in %d byte packet", overhead, pccc.MaxPacketSize)
		return ErrTooLarge
	}
	if t.size > dataPerPacket {
		logging.DebugLog("pccc", "tag %s size %d exceeds %d data bytes per packet", t.name, t.size, dataPerPacket)
		return ErrTooLarge
	}

	seq := t.session.NewSeqID()
	payload, err := pccc.BuildTypedWrite(t.encodedName, uint16(t.elemCount), seq, t.elemSize, t.data)
	if err != nil {
		logging.DebugError("pccc", "BuildTypedWrite", err)
		return ErrEncode
	}

	rc := d.enqueue(t, payload, seq)
	if rc != StatusOK {
		return rc
	}

	t.writeInProgress = true
	t.dirty = false
	return StatusPending
}

// precheck holds the preconditions shared by read and write starts.  Must be
// called with t.mu held.
func (d pcccDialect) precheck(t *Tag) Status {
	if t.destroyed {
		return ErrNullPtr
	}
	if t.session == nil {
		return ErrCreate
	}
	if t.readInProgress || t.writeInProgress {
		return ErrBusy
	}
	if len(t.encodedName) == 0 {
		return ErrEncode
	}
	if t.session.State() == eip.SessionBroken {
		return ErrCreate
	}
	return StatusOK
}

// enqueue wraps a PCCC payload in its CIP and encapsulation framing, fills a
// request, and hands it to the session.  Must be called with t.mu held.
func (d pcccDialect) enqueue(t *Tag, pcccPayload []byte, seq uint16) Status {
	cipReq, err := cip.ExecutePCCC(pcccPayload, pccc.DefaultVendorID, pccc.DefaultVendorSerial)
	if err != nil {
		logging.DebugError("cip", "ExecutePCCC", err)
		return ErrEncode
	}

	if t.useUCMM {
		cipReq, err = cip.UnconnectedSendPCCC(cipReq, t.connPath[0], t.connPath[1])
		if err != nil {
			logging.DebugError("cip", "UnconnectedSendPCCC", err)
			return ErrEncode
		}
	}

	cpf := eip.UnconnectedPacket(cipReq)
	cmdData := eip.CommandData{Timeout: routerTimeout, Packet: cpf.Bytes()}
	encapPayload := cmdData.Bytes()
	encap := eip.Encap{
		Command: eip.SendRRData,
		Length:  uint16(len(encapPayload)),
		Data:    encapPayload,
	}

	req := eip.NewRequest(pccc.MaxPacketSize + frameOverhead)
	req.ConnSeq = seq
	req.NumRetriesLeft = t.numRetries
	req.RetryInterval = t.retryInterval

	if err := req.SetFrame(encap.Bytes()); err != nil {
		logging.DebugError("pccc", "SetFrame", err)
		return ErrTooLarge
	}
	req.MarkReady()

	if err := t.session.AddRequest(req); err != nil {
		logging.DebugError("eip", "AddRequest", err)
		return ErrCreate
	}

	t.req = req
	return StatusOK
}

// checkStatus is the tag status tickler.  It advances an in-progress read or
// write; otherwise it folds session, connection, and tag status together
// with first-non-OK-wins, in that order.
func (d pcccDialect) checkStatus(t *Tag) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.readInProgress {
		return d.checkReadStatus(t)
	}
	if t.writeInProgress {
		return d.checkWriteStatus(t)
	}

	if t.session == nil {
		return ErrCreate
	}
	if rc := sessionStatus(t.session); rc != StatusOK {
		return rc
	}

	if t.needsConnection {
		if t.conn == nil {
			return ErrCreate
		}
		if rc := t.conn.Status(); rc != StatusOK {
			return rc
		}
	}

	return t.status
}

// sessionStatus maps the session lifecycle onto tag status codes.
func sessionStatus(s *eip.Session) Status {
	switch s.State() {
	case eip.SessionReady:
		return StatusOK
	case eip.SessionUnconnected, eip.SessionRegistering:
		return StatusPending
	default:
		return ErrCreate
	}
}

// checkReadStatus consumes a completed read response.  PCCC supports no
// fragments, so exactly one request can be outstanding.  Must be called
// with t.mu held.
func (d pcccDialect) checkReadStatus(t *Tag) Status {
	req := t.req
	if req == nil {
		t.readInProgress = false
		logging.DebugLog("pccc", "tag %s: read in progress but no request in flight", t.name)
		return ErrNullPtr
	}

	if !req.Received() {
		return StatusPending
	}

	// The request is consumed on exit, success or failure.
	t.readInProgress = false
	t.req = nil

	rc := d.parseReadResponse(t, req)
	t.status = rc
	return rc
}

// parseReadResponse validates the response layer by layer and copies the
// payload into the tag buffer.  Must be called with t.mu held.
func (d pcccDialect) parseReadResponse(t *Tag, req *eip.Request) Status {
	reply, rc := d.unwrapReply(t, req)
	if rc != StatusOK {
		return rc
	}

	data := reply.Data

	resType, resLength, consumed, err := pccc.DecodeDTByte(data)
	if err != nil {
		logging.DebugError("pccc", "decode DT byte", err)
		return ErrBadData
	}
	data = data[consumed:]

	// An array descriptor is followed by a second descriptor for the
	// element type.
	if resType == pccc.DataTypeArray {
		resType, resLength, consumed, err = pccc.DecodeDTByte(data)
		if err != nil {
			logging.DebugError("pccc", "decode array element DT byte", err)
			return ErrBadData
		}
		data = data[consumed:]
	}

	logging.DebugLog("pccc", "tag %s: reply type %d, declared length %d, %d payload bytes", t.name, resType, resLength, len(data))

	if len(data) > t.size {
		logging.DebugLog("pccc", "tag %s: reply carries %d bytes, buffer is %d", t.name, len(data), t.size)
		return ErrTooLarge
	}

	copy(t.data, data)
	t.lastRead = time.Now()
	t.lastErrText = ""
	return StatusOK
}

// checkWriteStatus consumes a completed write response.  Write replies carry
// no data; only the status layers are checked.  Must be called with t.mu
// held.
func (d pcccDialect) checkWriteStatus(t *Tag) Status {
	req := t.req
	if req == nil {
		t.writeInProgress = false
		logging.DebugLog("pccc", "tag %s: write in progress but no request in flight", t.name)
		return ErrNullPtr
	}

	if !req.Received() {
		return StatusPending
	}

	t.writeInProgress = false
	t.req = nil

	_, rc := d.unwrapReply(t, req)
	if rc == StatusOK {
		t.lastErrText = ""
	}
	t.status = rc
	return rc
}

// unwrapReply validates the encapsulation, CIP, and PCCC status layers of a
// completed request, in order, and returns the parsed PCCC reply.  Must be
// called with t.mu held.
func (d pcccDialect) unwrapReply(t *Tag, req *eip.Request) (*pccc.TypedReply, Status) {
	if err := req.Err(); err != nil {
		logging.DebugError("pccc", "tag "+t.name, err)
		return nil, ErrTimeout
	}

	frame := req.Response()

	encap, err := eip.ParseEncap(frame)
	if err != nil {
		logging.DebugError("eip", "parse response", err)
		return nil, ErrBadData
	}
	if encap.Command != eip.SendRRData {
		logging.DebugLog("eip", "tag %s: unexpected encap command 0x%04X", t.name, encap.Command)
		return nil, ErrBadData
	}
	if encap.Status != 0 {
		logging.DebugLog("eip", "tag %s: encap status 0x%08X", t.name, encap.Status)
		return nil, ErrRemoteErr
	}

	cmdData, err := eip.ParseCommandData(encap.Data)
	if err != nil {
		logging.DebugError("eip", "parse command data", err)
		return nil, ErrBadData
	}
	cpf, err := eip.ParseCommonPacket(cmdData.Packet)
	if err != nil {
		logging.DebugError("eip", "parse CPF", err)
		return nil, ErrBadData
	}
	udi, err := cpf.UnconnectedData()
	if err != nil {
		logging.DebugError("eip", "CPF items", err)
		return nil, ErrBadData
	}

	cipResp, err := cip.ParseExecutePCCCResponse(udi)
	if err != nil {
		logging.DebugError("cip", "parse Execute PCCC response", err)
		return nil, ErrBadData
	}
	if cipResp.GeneralStatus != 0 {
		t.lastErrText = cip.GeneralStatusName(cipResp.GeneralStatus)
		logging.DebugLog("cip", "tag %s: general status 0x%02X (%s)", t.name, cipResp.GeneralStatus, t.lastErrText)
		return nil, ErrRemoteErr
	}

	reply, err := pccc.ParseTypedReply(cipResp.PCCCReply)
	if err != nil {
		logging.DebugError("pccc", "parse typed reply", err)
		return nil, ErrBadData
	}
	if reply.Status != pccc.StsSuccess {
		t.lastErrText = pccc.StatusString(reply.Status, reply.ExtStatus)
		logging.DebugLog("pccc", "tag %s: %s", t.name, t.lastErrText)
		return nil, ErrRemoteErr
	}

	// A reply belongs to the request whose sequence id it echoes; anything
	// else is a protocol error.
	if reply.Seq != req.ConnSeq {
		logging.DebugLog("pccc", "tag %s: sequence mismatch: sent %d, got %d", t.name, req.ConnSeq, reply.Seq)
		return nil, ErrBadData
	}

	return reply, StatusOK
}
