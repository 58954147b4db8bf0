package ysync

import "errors"

// ErrMalformedFrame is returned when a frame cannot be decoded: a truncated
// payload, a length prefix pointing past the end of the buffer, or a varint
// longer than maxVarintLen bytes.
var ErrMalformedFrame = errors.New("malformed frame")

// maxVarintLen bounds unsigned LEB128 integers to 10 bytes (70 data bits).
const maxVarintLen = 10

// WriteVarUint appends num to buf as an unsigned LEB128 varint.
func WriteVarUint(buf []byte, num uint64) []byte {
	for num >= 0x80 {
		buf = append(buf, byte(num)|0x80)
		num >>= 7
	}
	return append(buf, byte(num))
}

// ReadVarUint decodes an unsigned LEB128 varint from the start of data and
// returns the value and the remaining bytes.
func ReadVarUint(data []byte) (uint64, []byte, error) {
	var num uint64
	var shift uint
	for i, b := range data {
		if i >= maxVarintLen {
			return 0, nil, ErrMalformedFrame
		}
		num |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return num, data[i+1:], nil
		}
		shift += 7
	}
	return 0, nil, ErrMalformedFrame
}

// WriteVarUintPrefixed appends payload to buf with a varint length prefix.
func WriteVarUintPrefixed(buf, payload []byte) []byte {
	buf = WriteVarUint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// ReadVarUintPrefixed decodes a varint-length-prefixed byte string from the
// start of data and returns the payload and the remaining bytes.
func ReadVarUintPrefixed(data []byte) ([]byte, []byte, error) {
	length, rest, err := ReadVarUint(data)
	if err != nil {
		return nil, nil, err
	}
	if length > uint64(len(rest)) {
		return nil, nil, ErrMalformedFrame
	}
	return rest[:length], rest[length:], nil
}
