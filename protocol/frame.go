package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum allowed frame payload (16 MiB).
const MaxFrameSize = 16 << 20

// WriteFrame writes a length-prefixed frame to w.
// The frame format is: 4-byte big-endian length prefix followed by the payload.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", len(data), MaxFrameSize)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame from r.
// A clean end of stream before the prefix is reported as io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", length, MaxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	return data, nil
}

// WriteMessage encodes msg with c and writes it as one frame.
func WriteMessage(w io.Writer, c Codec, msg Message) error {
	data, err := c.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg, err)
	}
	return WriteFrame(w, data)
}

// ReadMessage reads one frame from r and decodes it with c.
func ReadMessage(r io.Reader, c Codec) (Message, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	return c.Decode(data)
}
