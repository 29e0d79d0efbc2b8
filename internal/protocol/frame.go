package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerSize     = 4
	maxPayloadSize = 10 * 1024 * 1024 // 10MB max payload size
)

// ErrFrameTooLarge is returned for frames whose declared length exceeds the
// maximum payload size.
var ErrFrameTooLarge = errors.New("frame exceeds maximum payload size")

// Encode prefixes payload with its length as 4 big-endian bytes.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(payload), maxPayloadSize)
	}

	out := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(out[:headerSize], uint32(len(payload)))
	copy(out[headerSize:], payload)
	return out, nil
}

// Decode splits the first frame off data. It returns the frame payload and the
// remaining bytes. The payload references data - do not modify it.
// io.ErrUnexpectedEOF is returned while the frame is incomplete.
func Decode(data []byte) ([]byte, []byte, error) {
	if len(data) < headerSize {
		return nil, data, io.ErrUnexpectedEOF
	}

	size := binary.BigEndian.Uint32(data[:headerSize])
	if size > maxPayloadSize {
		return nil, data, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, size, maxPayloadSize)
	}

	end := headerSize + int(size)
	if len(data) < end {
		return nil, data, io.ErrUnexpectedEOF
	}
	return data[headerSize:end], data[end:], nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, size, maxPayloadSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload to w as one frame.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
