package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Encode serializes a payload into a single contiguous frame.
func Encode(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode parses one frame from data and returns its payload along with the
// number of bytes consumed. The payload is copied out of data.
func Decode(data []byte) ([]byte, int, error) {
	length, err := parseHeader(data)
	if err != nil {
		return nil, 0, err
	}
	end := HeaderSize + int(length)
	if len(data) < end {
		return nil, 0, fmt.Errorf("%w: payload has %d bytes (need %d)", ErrFraming, len(data)-HeaderSize, length)
	}
	payload := make([]byte, length)
	copy(payload, data[HeaderSize:end])
	return payload, end, nil
}

// WriteFrame writes payload to w as one frame in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	_, err := w.Write(Encode(payload))
	return err
}

// ReadFrame reads exactly one frame from r. A clean EOF before any header
// byte is returned as io.EOF; every other short read is an ErrFraming.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: header: %w", ErrFraming, err)
	}

	length, err := parseHeader(hdr[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrFraming, err)
	}
	return payload, nil
}

// parseHeader validates the magic tag and the declared length.
func parseHeader(data []byte) (uint32, error) {
	if len(data) < HeaderSize {
		return 0, fmt.Errorf("%w: header too short: %d bytes (need %d)", ErrFraming, len(data), HeaderSize)
	}
	if string(data[0:4]) != Magic {
		return 0, fmt.Errorf("%w: bad tag %q", ErrFraming, data[0:4])
	}
	length := binary.BigEndian.Uint32(data[4:8])
	if length > MaxPayloadSize {
		return 0, fmt.Errorf("%w: declared %d bytes (max %d)", ErrFrameTooLarge, length, MaxPayloadSize)
	}
	return length, nil
}
