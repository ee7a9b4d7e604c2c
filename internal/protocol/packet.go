// Package protocol defines the frame format used on relay streams.
//
// A frame is an 8-byte header followed by the payload:
//
//	[4 bytes: "TUN "][4 bytes: big-endian uint32 length][length bytes: payload]
//
// Frames carry exactly one IP packet each and are not versioned.
package protocol

import "errors"

// Magic is the literal tag that opens every frame.
const Magic = "TUN "

// HeaderSize is the fixed header size: Magic(4) + Length(4).
const HeaderSize = 8

// MaxPayloadSize is the largest payload a reader accepts.
const MaxPayloadSize = 65535

var (
	// ErrFraming reports a bad magic tag or a truncated header/payload.
	ErrFraming = errors.New("framing error")

	// ErrFrameTooLarge reports a declared length above MaxPayloadSize. The
	// remainder is never drained, so the stream cannot be resynchronized.
	ErrFrameTooLarge = errors.New("frame too large")
)
