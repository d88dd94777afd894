// Package mllp implements MLLP-style byte framing with configurable
// start/end block sequences. The defaults are the standard MLLP bytes
// (VT start, FS+CR end); instruments with nonstandard framing configure
// their own sequences.
package mllp

import "bytes"

const (
	// StartBlock is the default MLLP start-of-message byte (VT).
	StartBlock = 0x0B

	// EndBlock is the default MLLP end-of-message byte (FS).
	EndBlock = 0x1C

	// CarriageReturn trails the end block in standard MLLP.
	CarriageReturn = 0x0D
)

// DefaultStart returns the default start-block sequence.
func DefaultStart() []byte { return []byte{StartBlock} }

// DefaultEnd returns the default end-block sequence.
func DefaultEnd() []byte { return []byte{EndBlock, CarriageReturn} }

// Frame wraps a message in the given start/end block sequences. Nil
// sequences fall back to the MLLP defaults.
func Frame(data, start, end []byte) []byte {
	if len(start) == 0 {
		start = DefaultStart()
	}
	if len(end) == 0 {
		end = DefaultEnd()
	}
	frame := make([]byte, 0, len(start)+len(data)+len(end))
	frame = append(frame, start...)
	frame = append(frame, data...)
	frame = append(frame, end...)
	return frame
}

// Extract scans buf for one complete frame: the first start-block sequence
// followed by an end-block sequence. It returns the message between them
// (exclusive), the unconsumed bytes after the frame, and whether a complete
// frame was found. When no complete frame exists the whole buffer is
// returned as rest so the caller keeps accumulating.
func Extract(buf, start, end []byte) (message, rest []byte, found bool) {
	if len(start) == 0 {
		start = DefaultStart()
	}
	if len(end) == 0 {
		end = DefaultEnd()
	}

	startIdx := bytes.Index(buf, start)
	if startIdx == -1 {
		return nil, buf, false
	}
	msgStart := startIdx + len(start)

	endIdx := bytes.Index(buf[msgStart:], end)
	if endIdx == -1 {
		return nil, buf, false
	}
	endIdx += msgStart

	return buf[msgStart:endIdx], buf[endIdx+len(end):], true
}
