package tag

import (
	"fmt"
	"strconv"
	"strings"

	"pcclink/cip"
	"pcclink/pccc"
)

// CPUType selects the protocol dialect for a tag.
type CPUType int

const (
	CPUNone CPUType = iota
	CPUPLC5         // PLC-5, direct PCCC
	CPUSLC          // SLC 500, direct PCCC
	CPUMLGX         // MicroLogix, direct PCCC
	CPULGX          // ControlLogix, PCCC via Unconnected Send
)

func (c CPUType) String() string {
	switch c {
	case CPUPLC5:
		return "PLC5"
	case CPUSLC:
		return "SLC"
	case CPUMLGX:
		return "MLGX"
	case CPULGX:
		return "LGX"
	default:
		return "None"
	}
}

// UsesUCMM reports whether the dialect wraps PCCC in a Connection Manager
// Unconnected Send.  ControlLogix only accepts PCCC through that wrapper.
func (c CPUType) UsesUCMM() bool {
	return c == CPULGX
}

// Attributes is the parsed form of the URL-style attribute string passed to
// Create, e.g.
//
//	protocol=ab_eip&gateway=10.1.2.3&cpu=PLC5&elem_size=2&elem_count=1&name=N7:0
type Attributes struct {
	Protocol      string
	Gateway       string
	Path          []byte // CIP route: first element backplane, second slot
	CPU           CPUType
	ElemSize      int
	ElemCount     int
	Name          string
	ReadCacheMS   int
	NumRetries    int
	RetryMS       int
	Debug         string
	UseConnection bool // open a class-3 connection; PCCC requests stay unconnected and only fold its status
}

// ParseAttributes parses a key=value&key=value attribute string.
func ParseAttributes(attrStr string) (*Attributes, error) {
	if strings.TrimSpace(attrStr) == "" {
		return nil, fmt.Errorf("ParseAttributes: empty attribute string")
	}

	attrs := &Attributes{
		ElemCount:  1,
		NumRetries: defaultNumRetries,
		RetryMS:    defaultRetryMS,
	}

	for _, pair := range strings.Split(attrStr, "&") {
		if pair == "" {
			continue
		}
		eq := strings.Index(pair, "=")
		if eq < 0 {
			return nil, fmt.Errorf("ParseAttributes: malformed attribute %q", pair)
		}
		key := strings.ToLower(strings.TrimSpace(pair[:eq]))
		value := strings.TrimSpace(pair[eq+1:])

		switch key {
		case "protocol":
			attrs.Protocol = strings.ToLower(value)
		case "gateway":
			attrs.Gateway = value
		case "path":
			route, err := cip.ParseConnectionPath(value)
			if err != nil {
				return nil, fmt.Errorf("ParseAttributes: %w", err)
			}
			attrs.Path = route
		case "cpu", "plc":
			cpu, err := parseCPU(value)
			if err != nil {
				return nil, fmt.Errorf("ParseAttributes: %w", err)
			}
			attrs.CPU = cpu
		case "elem_size":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("ParseAttributes: bad elem_size %q", value)
			}
			attrs.ElemSize = n
		case "elem_count":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("ParseAttributes: bad elem_count %q", value)
			}
			attrs.ElemCount = n
		case "name":
			attrs.Name = value
		case "read_cache_ms":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("ParseAttributes: bad read_cache_ms %q", value)
			}
			attrs.ReadCacheMS = n
		case "num_retries":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("ParseAttributes: bad num_retries %q", value)
			}
			attrs.NumRetries = n
		case "retry_interval_ms":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("ParseAttributes: bad retry_interval_ms %q", value)
			}
			attrs.RetryMS = n
		case "use_connected_msg":
			attrs.UseConnection = value == "1" || strings.EqualFold(value, "true")
		case "debug":
			attrs.Debug = value
		default:
			// Unknown keys are ignored so attribute strings can carry
			// options for other layers.
		}
	}

	if attrs.Protocol != "ab_eip" && attrs.Protocol != "ab-eip" {
		return nil, fmt.Errorf("ParseAttributes: unsupported protocol %q", attrs.Protocol)
	}
	if attrs.Gateway == "" {
		return nil, fmt.Errorf("ParseAttributes: gateway is required")
	}
	if attrs.CPU == CPUNone {
		return nil, fmt.Errorf("ParseAttributes: cpu is required")
	}
	if attrs.Name == "" {
		return nil, fmt.Errorf("ParseAttributes: name is required")
	}
	if attrs.CPU.UsesUCMM() && len(attrs.Path) < 2 {
		return nil, fmt.Errorf("ParseAttributes: cpu %s requires path=backplane,slot", attrs.CPU)
	}

	// Element size defaults from the data table file type when not given.
	if attrs.ElemSize == 0 {
		addr, err := pccc.ParseAddress(attrs.Name)
		if err != nil {
			return nil, fmt.Errorf("ParseAttributes: elem_size not given and %w", err)
		}
		attrs.ElemSize = pccc.ElementSize(addr.FileType)
	}

	return attrs, nil
}

func parseCPU(value string) (CPUType, error) {
	switch strings.ToUpper(value) {
	case "PLC5", "PLC-5", "PLC5_PCCC":
		return CPUPLC5, nil
	case "SLC", "SLC500", "SLC_PCCC":
		return CPUSLC, nil
	case "MLGX", "MICROLOGIX":
		return CPUMLGX, nil
	case "LGX", "CONTROLLOGIX", "COMPACTLOGIX", "LGX_PCCC":
		return CPULGX, nil
	default:
		return CPUNone, fmt.Errorf("unsupported cpu %q", value)
	}
}
