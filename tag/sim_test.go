package tag

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"pcclink/eip"
	"pcclink/pccc"
)

// plcSim is a scripted PLC endpoint speaking EIP + Execute PCCC.  It keeps a
// small data table keyed by the encoded address, answers typed reads from
// it, and applies typed writes to it.  Hooks let tests force canned replies,
// NAKs, sequence mangling, or silence.
type plcSim struct {
	t      *testing.T
	ln     net.Listener
	handle uint32

	mu       sync.Mutex
	memory   map[string][]byte
	rawReply map[string][]byte // canned typed data (DT bytes + payload) per address
	rotate   [][]byte          // rotating canned replies, any address
	rotIdx   int
	nakSts   byte
	nakExt   byte
	mangle   bool // corrupt the echoed TNS
	drop     bool // swallow data requests without replying

	rrRequests atomic.Int32
	lastUDI    []byte
	lastRoute  []byte
}

func startPLCSim(t *testing.T) *plcSim {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	s := &plcSim{
		t:        t,
		ln:       ln,
		handle:   0xCAFE0001,
		memory:   make(map[string][]byte),
		rawReply: make(map[string][]byte),
	}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *plcSim) addr() string {
	return s.ln.Addr().String()
}

// addrKey returns the memory key for a data-table address string.
func addrKey(t *testing.T, address string) string {
	t.Helper()
	fa, err := pccc.ParseAddress(address)
	if err != nil {
		t.Fatalf("bad sim address %q: %v", address, err)
	}
	return string(fa.Encode())
}

// prime loads raw bytes into the simulated data table.
func (s *plcSim) prime(address string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory[addrKey(s.t, address)] = append([]byte{}, data...)
}

// primeRaw cans a complete typed-data reply (DT bytes + payload) for an
// address, bypassing the data table.
func (s *plcSim) primeRaw(address string, typedData []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawReply[addrKey(s.t, address)] = append([]byte{}, typedData...)
}

// read returns the current data table contents for an address.
func (s *plcSim) read(address string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte{}, s.memory[addrKey(s.t, address)]...)
}

func (s *plcSim) lastUDIBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte{}, s.lastUDI...)
}

func (s *plcSim) lastRouteBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte{}, s.lastRoute...)
}

func (s *plcSim) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *plcSim) serveConn(conn net.Conn) {
	defer conn.Close()

	for {
		header := make([]byte, eip.EncapHeaderSize)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.LittleEndian.Uint16(header[2:4])
		body := make([]byte, length)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		command := binary.LittleEndian.Uint16(header[:2])
		switch command {
		case eip.RegisterSession:
			resp := eip.Encap{
				Command:       eip.RegisterSession,
				Length:        4,
				SessionHandle: s.handle,
				Data:          []byte{1, 0, 0, 0},
			}
			conn.Write(resp.Bytes())

		case eip.UnRegisterSession:
			return

		case eip.SendRRData:
			s.rrRequests.Add(1)
			if reply := s.handleRRData(body); reply != nil {
				conn.Write(reply)
			}
		}
	}
}

// handleRRData unwraps the CPF, dispatches the CIP request, and returns the
// complete response frame (or nil to stay silent).
func (s *plcSim) handleRRData(body []byte) []byte {
	cmdData, err := eip.ParseCommandData(body)
	if err != nil {
		return nil
	}
	cpf, err := eip.ParseCommonPacket(cmdData.Packet)
	if err != nil {
		return nil
	}
	cipReq, err := cpf.UnconnectedData()
	if err != nil {
		return nil
	}

	s.mu.Lock()
	s.lastUDI = append([]byte{}, cipReq...)
	drop := s.drop
	s.mu.Unlock()

	if drop {
		return nil
	}

	// Unwrap a Connection Manager Unconnected Send.
	if cipReq[0] == 0x52 {
		pathWords := int(cipReq[1])
		off := 2 + 2*pathWords
		if len(cipReq) < off+4 {
			return nil
		}
		embLen := int(binary.LittleEndian.Uint16(cipReq[off+2 : off+4]))
		start := off + 4
		if len(cipReq) < start+embLen {
			return nil
		}
		route := cipReq[start+embLen:]
		if embLen%2 != 0 && len(route) > 0 {
			route = route[1:] // pad byte
		}
		s.mu.Lock()
		s.lastRoute = append([]byte{}, route...)
		s.mu.Unlock()
		cipReq = cipReq[start : start+embLen]
	}

	// Forward Open: accept and hand back connection ids.
	if cipReq[0] == 0x54 || cipReq[0] == 0x5B {
		cipResp := []byte{cipReq[0] | 0x80, 0x00, 0x00, 0x00}
		cipResp = binary.LittleEndian.AppendUint32(cipResp, 0x10000001) // O->T
		cipResp = binary.LittleEndian.AppendUint32(cipResp, 0x20000001) // T->O
		cipResp = append(cipResp, 0x01, 0x00)                           // serial
		cipResp = append(cipResp, 0x01, 0x00)                           // vendor
		cipResp = binary.LittleEndian.AppendUint32(cipResp, 42)         // originator serial
		cipResp = binary.LittleEndian.AppendUint32(cipResp, 0x00201234) // O->T RPI
		cipResp = binary.LittleEndian.AppendUint32(cipResp, 0x00204001) // T->O RPI
		cipResp = append(cipResp, 0x00, 0x00)                           // application reply size, reserved
		return s.wrapCIPReply(cipResp)
	}

	// Forward Close: acknowledge and move on.
	if cipReq[0] == 0x4E {
		cipResp := []byte{0xCE, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00}
		cipResp = binary.LittleEndian.AppendUint32(cipResp, 42)
		cipResp = append(cipResp, 0x00, 0x00)
		return s.wrapCIPReply(cipResp)
	}

	if cipReq[0] != 0x4B {
		return nil
	}
	pathWords := int(cipReq[1])
	off := 2 + 2*pathWords
	if len(cipReq) <= off {
		return nil
	}
	idLen := int(cipReq[off])
	pcccCmd := cipReq[off+idLen:]

	pcccReply := s.handlePCCC(pcccCmd)
	if pcccReply == nil {
		return nil
	}

	cipResp := []byte{0xCB, 0x00, 0x00, 0x00}
	cipResp = append(cipResp, 0x07, 0x01, 0x00, 0x78, 0x56, 0x34, 0x12)
	cipResp = append(cipResp, pcccReply...)

	return s.wrapCIPReply(cipResp)
}

// wrapCIPReply frames a CIP response in CPF and the encapsulation header.
func (s *plcSim) wrapCIPReply(cipResp []byte) []byte {
	respCPF := eip.UnconnectedPacket(cipResp)
	respCmdData := eip.CommandData{Timeout: 0, Packet: respCPF.Bytes()}
	payload := respCmdData.Bytes()

	encap := eip.Encap{
		Command:       eip.SendRRData,
		Length:        uint16(len(payload)),
		SessionHandle: s.handle,
		Data:          payload,
	}
	return encap.Bytes()
}

// handlePCCC executes a typed read or write against the data table.
func (s *plcSim) handlePCCC(cmd []byte) []byte {
	if len(cmd) < 7 || cmd[0] != pccc.CmdTyped {
		return nil
	}
	seq := binary.LittleEndian.Uint16(cmd[2:4])
	fnc := cmd[4]
	rest := cmd[7:] // past transfer size

	s.mu.Lock()
	mangle := s.mangle
	nakSts, nakExt := s.nakSts, s.nakExt
	s.mu.Unlock()

	if mangle {
		seq++
	}

	if nakSts != 0 {
		return []byte{pccc.CmdTypedReply, nakSts, byte(seq), byte(seq >> 8), nakExt}
	}

	// Decode the compact 3-address-field form.
	key, n := decodeSimAddress(rest)
	if n < 0 {
		return nil
	}
	rest = rest[n:]
	if len(rest) < 2 {
		return nil
	}
	rest = rest[2:] // duplicated transfer size

	header := []byte{pccc.CmdTypedReply, pccc.StsSuccess, byte(seq), byte(seq >> 8)}

	switch fnc {
	case pccc.FncTypedRead:
		return append(header, s.typedReadData(key)...)

	case pccc.FncTypedWrite:
		// Skip the array and element descriptors ahead of the data.
		for i := 0; i < 2; i++ {
			_, _, consumed, err := pccc.DecodeDTByte(rest)
			if err != nil {
				return nil
			}
			rest = rest[consumed:]
		}
		s.mu.Lock()
		s.memory[key] = append([]byte{}, rest...)
		s.mu.Unlock()
		return header

	default:
		return nil
	}
}

// typedReadData builds the typed-data portion of a read reply.
func (s *plcSim) typedReadData(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rotate) > 0 {
		data := s.rotate[s.rotIdx%len(s.rotate)]
		s.rotIdx++
		return append([]byte{}, data...)
	}
	if raw, ok := s.rawReply[key]; ok {
		return append([]byte{}, raw...)
	}

	data := s.memory[key]
	elemDef, _ := pccc.EncodeDTByte(pccc.DataTypeInt, 2)
	if len(data) > 2 {
		arrDef, _ := pccc.EncodeDTByte(pccc.DataTypeArray, len(elemDef)+len(data))
		out := append([]byte{}, arrDef...)
		out = append(out, elemDef...)
		return append(out, data...)
	}
	return append(append([]byte{}, elemDef...), data...)
}

// decodeSimAddress consumes the encoded address and returns its memory key.
func decodeSimAddress(b []byte) (string, int) {
	start := b
	n := 0

	skipCompact := func() bool {
		if n >= len(b) {
			return false
		}
		if b[n] == 0xFF {
			n += 3
		} else {
			n++
		}
		return n <= len(b)
	}

	if !skipCompact() { // file number
		return "", -1
	}
	if n >= len(b) { // file type
		return "", -1
	}
	n++
	if !skipCompact() { // element
		return "", -1
	}
	if !skipCompact() { // sub-element
		return "", -1
	}
	return string(start[:n]), n
}
