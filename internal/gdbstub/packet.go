package gdbstub

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// checksum is the modulo-256 sum of the packet body.
func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// frame escapes payload and wraps it as $payload#xx.
func frame(payload string) []byte {
	body := escape([]byte(payload))
	out := make([]byte, 0, len(body)+4)
	out = append(out, '$')
	out = append(out, body...)
	out = append(out, '#')
	return append(out, fmt.Sprintf("%02x", checksum(body))...)
}

func escape(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch c {
		case '$', '#', '}', '*':
			out = append(out, '}', c^0x20)
		default:
			out = append(out, c)
		}
	}
	return out
}

// unescape reverses binary escaping in place.
func unescape(b []byte) []byte {
	out := b[:0]
	for i := 0; i < len(b); i++ {
		if b[i] == '}' && i+1 < len(b) {
			i++
			out = append(out, b[i]^0x20)
			continue
		}
		out = append(out, b[i])
	}
	return out
}

func parseHexByte(hi, lo byte) (byte, bool) {
	v, err := strconv.ParseUint(string([]byte{hi, lo}), 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

// hexEncode returns hex string for a byte slice
func hexEncode(b []byte) string { return hex.EncodeToString(b) }

// parseAddrLen parses "ADDR,LEN" in hex.
func parseAddrLen(s string) (addr, n uint64, ok bool) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	addr, err1 := strconv.ParseUint(parts[0], 16, 64)
	n, err2 := strconv.ParseUint(parts[1], 16, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return addr, n, true
}

// parseTracepoint parses the "TYPE,ADDR,KIND" tail of a Z/z packet.
func parseTracepoint(s string) (kind byte, addr uint64, ok bool) {
	parts := strings.SplitN(s, ",", 3)
	if len(parts) < 2 || len(parts[0]) != 1 {
		return 0, 0, false
	}
	addr, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	return parts[0][0], addr, true
}

// errorReply converts a failed status into an Exx reply. NotSupported is
// reported with the empty reply gdb uses for unknown packets.
func errorReply(st Status) string {
	switch st {
	case StatusNotSupported:
		return ""
	case StatusTryAgain:
		return "E0b"
	}
	if st < 0 {
		return fmt.Sprintf("E%02x", int(-st))
	}
	return "E01"
}
