package wire

import (
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"
)

// MaxMessageSize caps a single wire message. Matches the server's
// maxMessageSizeBytes.
const MaxMessageSize = 48000000

// ReadFrame reads one length-prefixed wire message from r into dst, growing
// dst when its capacity is insufficient, and returns the full frame
// including the length prefix.
func ReadFrame(r io.Reader, dst []byte) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}

	size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
	if size < 4 || size > MaxMessageSize {
		return nil, fmt.Errorf("invalid wire message length %d", size)
	}

	if int(size) > cap(dst) {
		dst = make([]byte, 0, size)
	}
	frame := dst[:size]
	copy(frame, sizeBuf[:])

	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// RequestID extracts the request ID from a wire message header.
func RequestID(wm []byte) (int32, bool) {
	_, requestID, _, _, _, ok := wiremessage.ReadHeader(wm)
	return requestID, ok
}

// ResponseTo extracts the responseTo field from a wire message header, for
// pairing replies with the requests that prompted them.
func ResponseTo(wm []byte) (int32, bool) {
	_, _, responseTo, _, _, ok := wiremessage.ReadHeader(wm)
	return responseTo, ok
}
