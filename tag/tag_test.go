package tag

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"
)

// createTestTag creates a tag against the simulator and cleans it up with
// the test.
func createTestTag(t *testing.T, sim *plcSim, attrs string) int32 {
	t.Helper()

	full := fmt.Sprintf("protocol=ab_eip&gateway=%s&%s", sim.addr(), attrs)
	id, rc := Create(full, 2*time.Second)
	if rc != StatusOK {
		t.Fatalf("Create(%q) = %s", full, rc)
	}
	t.Cleanup(func() { Destroy(id) })
	return id
}

func TestReadInt16PLC5(t *testing.T) {
	sim := startPLCSim(t)
	// Hardware-style reply: INT descriptor then the value 0x1234.
	sim.primeRaw("N7:0", []byte{0x89, 0x34, 0x12})

	id := createTestTag(t, sim, "cpu=PLC5&elem_size=2&elem_count=1&name=N7:0")

	if rc := Read(id, 2*time.Second); rc != StatusOK {
		t.Fatalf("Read = %s", rc)
	}
	v, rc := GetInt16(id, 0)
	if rc != StatusOK {
		t.Fatalf("GetInt16 = %s", rc)
	}
	if v != 0x1234 {
		t.Errorf("GetInt16(0) = 0x%04X, want 0x1234", v)
	}
}

func TestReadRealLGXViaUnconnectedSend(t *testing.T) {
	sim := startPLCSim(t)
	// REAL descriptor then IEEE-754 -1.5.
	sim.primeRaw("F8:3", []byte{0xCA, 0x00, 0x00, 0xC0, 0xBF})

	id := createTestTag(t, sim, "cpu=LGX&path=1,0&elem_size=4&elem_count=1&name=F8:3")

	if rc := Read(id, 2*time.Second); rc != StatusOK {
		t.Fatalf("Read = %s", rc)
	}
	v, rc := GetFloat32(id, 0)
	if rc != StatusOK {
		t.Fatalf("GetFloat32 = %s", rc)
	}
	if v != -1.5 {
		t.Errorf("GetFloat32(0) = %v, want -1.5", v)
	}

	// The outbound request must carry the Unconnected Send wrapper.
	udi := sim.lastUDIBytes()
	if len(udi) == 0 || udi[0] != 0x52 {
		t.Fatalf("request service = 0x%02X, want 0x52", udi[0])
	}
	if !bytes.Contains(udi, []byte{0x20, 0x06, 0x24, 0x01}) {
		t.Error("request is missing the Connection Manager path")
	}
	if !bytes.Contains(udi, []byte{0x4B, 0x02, 0x20, 0x67, 0x24, 0x01}) {
		t.Error("request is missing the embedded Execute PCCC service")
	}
	if route := sim.lastRouteBytes(); !bytes.Equal(route, []byte{0x01, 0x00, 0x01}) {
		t.Errorf("route path = % X, want 01 00 01", route)
	}
}

func TestWriteThenReadIntArray(t *testing.T) {
	sim := startPLCSim(t)

	id := createTestTag(t, sim, "cpu=SLC&elem_size=2&elem_count=4&name=N7:0")

	for i := 0; i < 4; i++ {
		if rc := SetInt16(id, i*2, int16(i+1)); rc != StatusOK {
			t.Fatalf("SetInt16 offset %d = %s", i*2, rc)
		}
	}
	if rc := Write(id, 2*time.Second); rc != StatusOK {
		t.Fatalf("Write = %s", rc)
	}

	want := []byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00}
	if got := sim.read("N7:0"); !bytes.Equal(got, want) {
		t.Fatalf("PLC memory = % X, want % X", got, want)
	}

	if rc := Read(id, 2*time.Second); rc != StatusOK {
		t.Fatalf("Read = %s", rc)
	}
	for i := 0; i < 4; i++ {
		v, rc := GetInt16(id, i*2)
		if rc != StatusOK {
			t.Fatalf("GetInt16 offset %d = %s", i*2, rc)
		}
		if v != int16(i+1) {
			t.Errorf("GetInt16(%d) = %d, want %d", i*2, v, i+1)
		}
	}
}

func TestReadCacheSendsOnePacket(t *testing.T) {
	sim := startPLCSim(t)
	sim.prime("N7:1", []byte{0x05, 0x00})

	id := createTestTag(t, sim, "cpu=SLC&elem_size=2&elem_count=1&name=N7:1&read_cache_ms=5000")

	before := sim.rrRequests.Load()

	if rc := Read(id, 2*time.Second); rc != StatusOK {
		t.Fatalf("first Read = %s", rc)
	}
	first, _ := GetInt16(id, 0)

	time.Sleep(100 * time.Millisecond)

	if rc := Read(id, 2*time.Second); rc != StatusOK {
		t.Fatalf("second Read = %s", rc)
	}
	second, _ := GetInt16(id, 0)

	if got := sim.rrRequests.Load() - before; got != 1 {
		t.Errorf("PLC saw %d packets, want 1", got)
	}
	if first != second || first != 5 {
		t.Errorf("cached read values differ: %d then %d", first, second)
	}
}

func TestOversizedTagIsRejectedBeforeTheWire(t *testing.T) {
	sim := startPLCSim(t)

	id := createTestTag(t, sim, "cpu=SLC&elem_size=4&elem_count=100&name=F8:0")

	before := sim.rrRequests.Load()
	if rc := Read(id, 2*time.Second); rc != ErrTooLarge {
		t.Fatalf("Read = %s, want %s", rc, ErrTooLarge)
	}
	if rc := Write(id, 2*time.Second); rc != ErrNotAllowed && rc != ErrTooLarge {
		t.Fatalf("Write = %s, want too-large or not-allowed", rc)
	}
	if got := sim.rrRequests.Load() - before; got != 0 {
		t.Errorf("PLC saw %d packets, want 0", got)
	}
}

func TestRemoteNAKSurfacesDecodedError(t *testing.T) {
	sim := startPLCSim(t)
	sim.mu.Lock()
	sim.nakSts = 0xF0
	sim.nakExt = 0x10 // element out of range
	sim.mu.Unlock()

	id := createTestTag(t, sim, "cpu=PLC5&elem_size=2&elem_count=1&name=N7:9")

	rc := Read(id, 2*time.Second)
	if rc != ErrRemoteErr {
		t.Fatalf("Read = %s, want %s", rc, ErrRemoteErr)
	}

	text := LastErrorText(id)
	if !bytes.Contains([]byte(text), []byte("Element Out of Range")) {
		t.Errorf("LastErrorText = %q, want the decoded PCCC string", text)
	}
	if DecodeError(rc) == "" {
		t.Error("DecodeError returned an empty string")
	}
}

func TestBusyExclusion(t *testing.T) {
	sim := startPLCSim(t)
	sim.mu.Lock()
	sim.drop = true
	sim.mu.Unlock()

	id := createTestTag(t, sim, "cpu=SLC&elem_size=2&elem_count=1&name=N7:3&num_retries=0&retry_interval_ms=60000")

	if rc := Read(id, 0); rc != StatusPending {
		t.Fatalf("first Read = %s, want %s", rc, StatusPending)
	}
	if rc := Read(id, 0); rc != ErrBusy {
		t.Errorf("second Read = %s, want %s", rc, ErrBusy)
	}
	if rc := Write(id, 0); rc != ErrBusy {
		t.Errorf("Write during read = %s, want %s", rc, ErrBusy)
	}
}

func TestSequenceMismatchIsProtocolError(t *testing.T) {
	sim := startPLCSim(t)
	sim.prime("N7:4", []byte{0x01, 0x00})
	sim.mu.Lock()
	sim.mangle = true
	sim.mu.Unlock()

	id := createTestTag(t, sim, "cpu=SLC&elem_size=2&elem_count=1&name=N7:4")

	if rc := Read(id, 2*time.Second); rc != ErrBadData {
		t.Fatalf("Read = %s, want %s", rc, ErrBadData)
	}
}

func TestDestroyCancelsPendingRead(t *testing.T) {
	sim := startPLCSim(t)
	sim.mu.Lock()
	sim.drop = true
	sim.mu.Unlock()

	full := fmt.Sprintf("protocol=ab_eip&gateway=%s&cpu=SLC&elem_size=2&elem_count=1&name=N7:6", sim.addr())
	id, rc := Create(full, 2*time.Second)
	if rc != StatusOK {
		t.Fatalf("Create = %s", rc)
	}

	if rc := Read(id, 0); rc != StatusPending {
		t.Fatalf("Read = %s, want %s", rc, StatusPending)
	}
	if rc := Destroy(id); rc != StatusOK {
		t.Fatalf("Destroy = %s", rc)
	}
	if rc := GetStatus(id); rc != ErrNullPtr {
		t.Errorf("GetStatus after destroy = %s, want %s", rc, ErrNullPtr)
	}
}

func TestAccessorBounds(t *testing.T) {
	sim := startPLCSim(t)

	id := createTestTag(t, sim, "cpu=SLC&elem_size=2&elem_count=2&name=N7:7")

	if _, rc := GetInt16(id, 3); rc != ErrTooSmall {
		t.Errorf("GetInt16(3) on 4-byte tag = %s, want %s", rc, ErrTooSmall)
	}
	if _, rc := GetInt16(id, -1); rc != ErrTooSmall {
		t.Errorf("GetInt16(-1) = %s, want %s", rc, ErrTooSmall)
	}
	if _, rc := GetUint64(id, 0); rc != ErrTooSmall {
		t.Errorf("GetUint64(0) on 4-byte tag = %s, want %s", rc, ErrTooSmall)
	}
	if rc := SetInt32(id, 2, 7); rc != ErrTooSmall {
		t.Errorf("SetInt32(2) on 4-byte tag = %s, want %s", rc, ErrTooSmall)
	}

	if rc := SetInt16(id, 2, -42); rc != StatusOK {
		t.Fatalf("SetInt16(2) = %s", rc)
	}
	v, rc := GetInt16(id, 2)
	if rc != StatusOK || v != -42 {
		t.Errorf("GetInt16(2) = %d, %s; want -42, OK", v, rc)
	}
}

func TestConnectionStatusFoldsIntoTagStatus(t *testing.T) {
	sim := startPLCSim(t)
	sim.prime("N7:8", []byte{0x09, 0x00})

	id := createTestTag(t, sim, "cpu=SLC&path=1,0&use_connected_msg=1&elem_size=2&elem_count=1&name=N7:8")

	// The Forward Open runs through the session FIFO; poll until it lands.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rc := GetStatus(id)
		if rc == StatusOK {
			break
		}
		if rc != StatusPending {
			t.Fatalf("GetStatus = %s", rc)
		}
		if time.Now().After(deadline) {
			t.Fatal("connection never became ready")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if rc := Read(id, 2*time.Second); rc != StatusOK {
		t.Fatalf("Read over connected tag = %s", rc)
	}
}

func TestMultiThreadCachedRead(t *testing.T) {
	sim := startPLCSim(t)
	served := map[int16]bool{0x11: true, 0x22: true, 0x33: true}
	sim.mu.Lock()
	sim.rotate = [][]byte{
		{0x89, 0x11, 0x00},
		{0x89, 0x22, 0x00},
		{0x89, 0x33, 0x00},
	}
	sim.mu.Unlock()

	id := createTestTag(t, sim, "cpu=SLC&elem_size=2&elem_count=1&name=N7:2&read_cache_ms=20")

	const workers = 16
	okCounts := make([]int, workers)
	var badValue error
	var mu sync.Mutex
	var wg sync.WaitGroup

	stop := time.Now().Add(300 * time.Millisecond)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for time.Now().Before(stop) {
				rc := Read(id, time.Second)
				// Pause between reads so that on a single CPU no worker
				// keeps the processor through a whole cache window, and
				// the session and simulator goroutines get to run.
				time.Sleep(time.Millisecond)
				if rc != StatusOK {
					continue
				}
				v, grc := GetInt16(id, 0)
				mu.Lock()
				okCounts[w]++
				if grc != StatusOK || !served[v] {
					badValue = fmt.Errorf("worker %d read %d (%s)", w, v, grc)
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if badValue != nil {
		t.Error(badValue)
	}
	for w, n := range okCounts {
		if n == 0 {
			t.Errorf("worker %d never saw StatusOK", w)
		}
	}
}
