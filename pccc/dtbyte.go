package pccc

import (
	"encoding/binary"
	"fmt"
)

// PCCC typed-data type codes carried in data-type (DT) bytes.
const (
	DataTypeBit        = 1
	DataTypeBitString  = 2
	DataTypeByteString = 3
	DataTypeInt        = 4
	DataTypeTimer      = 5
	DataTypeCounter    = 6
	DataTypeControl    = 7
	DataTypeReal       = 8
	DataTypeArray      = 9
	DataTypeAddress    = 15
	DataTypeBCD        = 16
)

// nibbleEscape marks a nibble whose value is carried in a following 16-bit
// little-endian field instead.
const nibbleEscape = 0x0F

// EncodeDTByte encodes a type/size pair as a PCCC data-type byte.  The high
// nibble carries the type and the low nibble the size; a value that does not
// fit four bits sets its nibble to 0x0F and is emitted as a 16-bit
// little-endian extension, type extension first.
func EncodeDTByte(dataType, size int) ([]byte, error) {
	if dataType < 0 || dataType > 0xFFFF {
		return nil, fmt.Errorf("EncodeDTByte: data type %d out of range", dataType)
	}
	if size < 0 || size > 0xFFFF {
		return nil, fmt.Errorf("EncodeDTByte: size %d out of range", size)
	}

	typeNibble := byte(dataType)
	sizeNibble := byte(size)
	extType := dataType >= nibbleEscape
	extSize := size >= nibbleEscape
	if extType {
		typeNibble = nibbleEscape
	}
	if extSize {
		sizeNibble = nibbleEscape
	}

	out := []byte{typeNibble<<4 | sizeNibble}
	if extType {
		out = binary.LittleEndian.AppendUint16(out, uint16(dataType))
	}
	if extSize {
		out = binary.LittleEndian.AppendUint16(out, uint16(size))
	}
	return out, nil
}

// DecodeDTByte decodes a data-type byte (with any extensions) from the front
// of data.  It returns the type, the size, and the number of bytes consumed.
func DecodeDTByte(data []byte) (dataType, size, consumed int, err error) {
	if len(data) < 1 {
		return 0, 0, 0, fmt.Errorf("DecodeDTByte: no data")
	}

	dataType = int(data[0] >> 4)
	size = int(data[0] & 0x0F)
	consumed = 1

	if dataType == nibbleEscape {
		if len(data) < consumed+2 {
			return 0, 0, 0, fmt.Errorf("DecodeDTByte: truncated type extension")
		}
		dataType = int(binary.LittleEndian.Uint16(data[consumed : consumed+2]))
		consumed += 2
	}
	if size == nibbleEscape {
		if len(data) < consumed+2 {
			return 0, 0, 0, fmt.Errorf("DecodeDTByte: truncated size extension")
		}
		size = int(binary.LittleEndian.Uint16(data[consumed : consumed+2]))
		consumed += 2
	}

	return dataType, size, consumed, nil
}
