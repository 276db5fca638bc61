package driver

import (
	"encoding/binary"
	"fmt"
	"math"

	"pcclink/pccc"
	"pcclink/tag"
)

// decodeValue converts raw PLC bytes to a Go value based on the address's
// file type.  Multi-element buffers decode to slices.
func decodeValue(address string, raw []byte) (interface{}, string, error) {
	addr, err := pccc.ParseAddress(address)
	if err != nil {
		return nil, "", err
	}
	typeName := pccc.FileTypeName(addr.FileType)

	// Bit addresses extract one bit from the containing word.
	if addr.BitNumber >= 0 {
		if len(raw) < 2 {
			return nil, typeName, fmt.Errorf("decode %s: need 2 bytes, have %d", address, len(raw))
		}
		word := binary.LittleEndian.Uint16(raw[:2])
		return (word>>uint(addr.BitNumber))&1 != 0, "Bit", nil
	}

	switch addr.FileType {
	case pccc.FileTypeFloat:
		vals := make([]float32, 0, len(raw)/4)
		for off := 0; off+4 <= len(raw); off += 4 {
			vals = append(vals, math.Float32frombits(binary.LittleEndian.Uint32(raw[off:])))
		}
		if len(vals) == 1 {
			return vals[0], typeName, nil
		}
		return vals, typeName, nil

	case pccc.FileTypeLong:
		vals := make([]int32, 0, len(raw)/4)
		for off := 0; off+4 <= len(raw); off += 4 {
			vals = append(vals, int32(binary.LittleEndian.Uint32(raw[off:])))
		}
		if len(vals) == 1 {
			return vals[0], typeName, nil
		}
		return vals, typeName, nil

	case pccc.FileTypeString:
		if len(raw) < 2 {
			return nil, typeName, fmt.Errorf("decode %s: short string element", address)
		}
		strLen := int(binary.LittleEndian.Uint16(raw[:2]))
		if strLen > len(raw)-2 {
			strLen = len(raw) - 2
		}
		if strLen > 82 {
			strLen = 82
		}
		return string(raw[2 : 2+strLen]), typeName, nil

	default:
		// Everything else is 16-bit words: N, B, O, I, S, A, and the word
		// views of Timer/Counter/Control elements.
		vals := make([]int16, 0, len(raw)/2)
		for off := 0; off+2 <= len(raw); off += 2 {
			vals = append(vals, int16(binary.LittleEndian.Uint16(raw[off:])))
		}
		if len(vals) == 1 {
			return vals[0], typeName, nil
		}
		return vals, typeName, nil
	}
}

// encodeValue stores a Go value into the tag buffer ahead of a Write.
func encodeValue(t *tag.Tag, address string, value interface{}) tag.Status {
	addr, err := pccc.ParseAddress(address)
	if err != nil {
		return tag.ErrEncode
	}

	switch addr.FileType {
	case pccc.FileTypeFloat:
		v, ok := toFloat32(value)
		if !ok {
			return tag.ErrEncode
		}
		return t.SetFloat32(0, v)

	case pccc.FileTypeLong:
		v, ok := toInt32(value)
		if !ok {
			return tag.ErrEncode
		}
		return t.SetInt32(0, v)

	default:
		v, ok := toInt16(value)
		if !ok {
			return tag.ErrEncode
		}
		return t.SetInt16(0, v)
	}
}

func toInt16(value interface{}) (int16, bool) {
	switch v := value.(type) {
	case int16:
		return v, true
	case int:
		return int16(v), true
	case int8:
		return int16(v), true
	case int32:
		return int16(v), true
	case int64:
		return int16(v), true
	case uint8:
		return int16(v), true
	case uint16:
		return int16(v), true
	case float32:
		return int16(v), true
	case float64:
		return int16(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func toInt32(value interface{}) (int32, bool) {
	switch v := value.(type) {
	case int32:
		return v, true
	case int:
		return int32(v), true
	case int8:
		return int32(v), true
	case int16:
		return int32(v), true
	case int64:
		return int32(v), true
	case uint8:
		return int32(v), true
	case uint16:
		return int32(v), true
	case uint32:
		return int32(v), true
	case float32:
		return int32(v), true
	case float64:
		return int32(v), true
	default:
		return 0, false
	}
}

func toFloat32(value interface{}) (float32, bool) {
	switch v := value.(type) {
	case float32:
		return v, true
	case float64:
		return float32(v), true
	case int:
		return float32(v), true
	case int16:
		return float32(v), true
	case int32:
		return float32(v), true
	case int64:
		return float32(v), true
	default:
		return 0, false
	}
}
