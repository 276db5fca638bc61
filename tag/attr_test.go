package tag

import (
	"testing"
)

func TestParseAttributesFull(t *testing.T) {
	attrs, err := ParseAttributes("protocol=ab_eip&gateway=10.1.2.3&path=1,0&cpu=LGX&elem_size=4&elem_count=2&name=F8:3&read_cache_ms=250&num_retries=3&retry_interval_ms=500")
	if err != nil {
		t.Fatalf("ParseAttributes failed: %v", err)
	}

	if attrs.Gateway != "10.1.2.3" {
		t.Errorf("Gateway = %q", attrs.Gateway)
	}
	if attrs.CPU != CPULGX {
		t.Errorf("CPU = %s, want LGX", attrs.CPU)
	}
	if !attrs.CPU.UsesUCMM() {
		t.Error("LGX should use the Unconnected Send wrapper")
	}
	if len(attrs.Path) != 2 || attrs.Path[0] != 1 || attrs.Path[1] != 0 {
		t.Errorf("Path = %v, want [1 0]", attrs.Path)
	}
	if attrs.ElemSize != 4 || attrs.ElemCount != 2 {
		t.Errorf("elem = %dx%d, want 4x2", attrs.ElemSize, attrs.ElemCount)
	}
	if attrs.ReadCacheMS != 250 {
		t.Errorf("ReadCacheMS = %d", attrs.ReadCacheMS)
	}
	if attrs.NumRetries != 3 || attrs.RetryMS != 500 {
		t.Errorf("retries = %d/%dms", attrs.NumRetries, attrs.RetryMS)
	}
}

func TestParseAttributesCPUAliases(t *testing.T) {
	cases := map[string]CPUType{
		"PLC5":      CPUPLC5,
		"plc5_pccc": CPUPLC5,
		"SLC":       CPUSLC,
		"slc_pccc":  CPUSLC,
		"MLGX":      CPUMLGX,
		"LGX":       CPULGX,
	}
	for alias, want := range cases {
		attrStr := "protocol=ab_eip&gateway=h&cpu=" + alias + "&elem_size=2&elem_count=1&name=N7:0"
		if want.UsesUCMM() {
			attrStr += "&path=1,0"
		}
		attrs, err := ParseAttributes(attrStr)
		if err != nil {
			t.Errorf("cpu=%s: %v", alias, err)
			continue
		}
		if attrs.CPU != want {
			t.Errorf("cpu=%s parsed as %s, want %s", alias, attrs.CPU, want)
		}
	}
}

func TestParseAttributesElemSizeDefaultsFromFileType(t *testing.T) {
	cases := map[string]int{
		"N7:0": 2,
		"F8:0": 4,
		"L9:0": 4,
		"T4:0": 6,
	}
	for name, want := range cases {
		attrs, err := ParseAttributes("protocol=ab_eip&gateway=h&cpu=SLC&name=" + name)
		if err != nil {
			t.Errorf("name=%s: %v", name, err)
			continue
		}
		if attrs.ElemSize != want {
			t.Errorf("name=%s: ElemSize = %d, want %d", name, attrs.ElemSize, want)
		}
		if attrs.ElemCount != 1 {
			t.Errorf("name=%s: ElemCount = %d, want 1", name, attrs.ElemCount)
		}
	}
}

func TestParseAttributesErrors(t *testing.T) {
	bad := []string{
		"",
		"protocol=modbus&gateway=h&cpu=SLC&name=N7:0",            // wrong protocol
		"protocol=ab_eip&cpu=SLC&name=N7:0",                      // no gateway
		"protocol=ab_eip&gateway=h&name=N7:0",                    // no cpu
		"protocol=ab_eip&gateway=h&cpu=SLC",                      // no name
		"protocol=ab_eip&gateway=h&cpu=LGX&name=N7:0",            // LGX without path
		"protocol=ab_eip&gateway=h&cpu=VAX&name=N7:0",            // unknown cpu
		"protocol=ab_eip&gateway=h&cpu=SLC&name=N7:0&elem_size=0",
		"protocol=ab_eip&gateway=h&cpu=SLC&name=N7:0&elem_count=x",
		"protocol=ab_eip&gateway=h&cpu=SLC&name",                 // malformed pair
	}
	for _, attrStr := range bad {
		if _, err := ParseAttributes(attrStr); err == nil {
			t.Errorf("ParseAttributes(%q): expected error", attrStr)
		}
	}
}

func TestParseAttributesIgnoresUnknownKeys(t *testing.T) {
	_, err := ParseAttributes("protocol=ab_eip&gateway=h&cpu=SLC&name=N7:0&frobnicate=1")
	if err != nil {
		t.Errorf("unknown key should be ignored: %v", err)
	}
}

func TestDecodeErrorCoversAllCodes(t *testing.T) {
	codes := []Status{
		StatusOK, StatusPending,
		ErrCreate, ErrNoMem, ErrTooLarge, ErrTooSmall, ErrNotAllowed,
		ErrBadData, ErrRemoteErr, ErrNullPtr, ErrTimeout, ErrEncode, ErrBusy,
	}
	seen := map[string]bool{}
	for _, rc := range codes {
		text := DecodeError(rc)
		if text == "" || text == "Error: unknown status" {
			t.Errorf("DecodeError(%d) = %q", rc, text)
		}
		if seen[text] {
			t.Errorf("DecodeError(%d) duplicates %q", rc, text)
		}
		seen[text] = true
	}

	if !ErrBusy.IsError() || StatusOK.IsError() || StatusPending.IsError() {
		t.Error("IsError misclassifies a status")
	}
}
