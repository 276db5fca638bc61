package tag

import (
	"sync"
	"time"

	"pcclink/cip"
	"pcclink/eip"
	"pcclink/logging"
	"pcclink/pccc"
)

// Connection is an optional class-3 CIP connection layered on a session,
// opened with a Connection Manager Forward Open.  Dialects that need
// connected messaging hold one; the PCCC dialects use unconnected messaging
// and only fold its status into theirs.  The open runs asynchronously
// through the session FIFO like any other request.
type Connection struct {
	sess     *eip.Session
	connPath []byte

	mu      sync.Mutex
	status  Status
	cipConn *cip.Connection
	req     *eip.Request
	started time.Time
	closed  bool
}

// openConnection queues a Forward Open for the processor at
// backplane/slot.  The returned connection is pending until its Status
// observes the reply.
func openConnection(sess *eip.Session, backplane, slot byte) *Connection {
	c := &Connection{
		sess:     sess,
		connPath: cip.RoutedMessageRouterPath(backplane, slot),
		status:   StatusPending,
		started:  time.Now(),
	}

	cfg := cip.DefaultForwardOpenConfig()
	cfg.ConnectionPath = c.connPath

	cipReq, serial, err := cip.BuildForwardOpenRequest(cfg)
	if err != nil {
		logging.DebugError("cip", "BuildForwardOpenRequest", err)
		c.status = ErrEncode
		return c
	}

	c.cipConn = &cip.Connection{
		SerialNumber: serial,
		VendorID:     cfg.VendorID,
		OrigSerial:   cfg.OriginatorSerial,
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
	if err := req.SetFrame(encap.Bytes()); err != nil {
		logging.DebugError("cip", "ForwardOpen SetFrame", err)
		c.status = ErrEncode
		return c
	}
	req.MarkReady()

	if err := sess.AddRequest(req); err != nil {
		logging.DebugError("cip", "ForwardOpen AddRequest", err)
		c.status = ErrCreate
		return c
	}

	c.req = req
	return c
}

// Status advances the pending Forward Open and returns the connection state.
func (c *Connection) Status() Status {
	if c == nil {
		return ErrNullPtr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.req == nil || c.status != StatusPending {
		return c.status
	}

	if !c.req.Received() {
		if time.Since(c.started) > cip.ConnectionTimeout {
			c.req.Abandon()
			c.req = nil
			c.status = ErrTimeout
		}
		return c.status
	}

	req := c.req
	c.req = nil
	c.status = c.parseForwardOpenReply(req)
	return c.status
}

// parseForwardOpenReply consumes the Forward Open response and records the
// connection ids.  Must be called with c.mu held.
func (c *Connection) parseForwardOpenReply(req *eip.Request) Status {
	if err := req.Err(); err != nil {
		logging.DebugError("cip", "ForwardOpen", err)
		return ErrTimeout
	}

	encap, err := eip.ParseEncap(req.Response())
	if err != nil || encap.Status != 0 {
		logging.DebugLog("cip", "ForwardOpen: bad encapsulation reply")
		return ErrBadData
	}
	cmdData, err := eip.ParseCommandData(encap.Data)
	if err != nil {
		return ErrBadData
	}
	cpf, err := eip.ParseCommonPacket(cmdData.Packet)
	if err != nil {
		return ErrBadData
	}
	udi, err := cpf.UnconnectedData()
	if err != nil {
		return ErrBadData
	}

	if len(udi) < 4 {
		return ErrBadData
	}
	if udi[2] != 0 {
		logging.DebugLog("cip", "ForwardOpen rejected: %s", cip.GeneralStatusName(udi[2]))
		return ErrRemoteErr
	}

	resp, err := cip.ParseForwardOpenResponse(udi[4:])
	if err != nil {
		logging.DebugError("cip", "ParseForwardOpenResponse", err)
		return ErrBadData
	}

	c.cipConn.OTConnID = resp.OTConnectionID
	c.cipConn.TOConnID = resp.TOConnectionID
	logging.DebugLog("cip", "ForwardOpen established: O->T 0x%08X, T->O 0x%08X", resp.OTConnectionID, resp.TOConnectionID)
	return StatusOK
}

// Close sends a best-effort Forward Close and marks the connection dead.
func (c *Connection) Close() {
	if c == nil {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.req != nil {
		c.req.Abandon()
		c.req = nil
	}
	open := c.status == StatusOK
	cipConn := c.cipConn
	c.status = ErrNullPtr
	c.mu.Unlock()

	if !open || cipConn == nil {
		return
	}

	cipReq, err := cip.BuildForwardCloseRequest(cipConn, c.connPath)
	if err != nil {
		return
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
	if err := req.SetFrame(encap.Bytes()); err != nil {
		return
	}
	req.MarkReady()
	// Fire and forget; nobody examines the Forward Close reply.
	_ = c.sess.AddRequest(req)
}
