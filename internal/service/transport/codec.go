// Package transport moves one opaque payload per direction over a TCP
// connection. A payload ends where the sender half-closes its write side.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"visiongate/internal/model"
)

// ChunkSize is the size of a single read from the connection.
const ChunkSize = 4096

type closeWriter interface {
	CloseWrite() error
}

// Send writes the whole payload and then signals end of stream. If w
// cannot half-close, the caller must close it to end the payload.
func Send(w io.Writer, payload []byte) error {
	for written := 0; written < len(payload); {
		n, err := w.Write(payload[written:])
		if err != nil {
			return Classify(err)
		}
		written += n
	}
	if cw, ok := w.(closeWriter); ok {
		if err := cw.CloseWrite(); err != nil {
			return Classify(err)
		}
	}
	return nil
}

// Receive reads until end of stream. It fails with model.ErrPayloadTooLarge
// once more than maxBytes arrive and with model.ErrEmptyResponse when the
// peer closes without sending anything. maxBytes <= 0 disables the bound.
func Receive(r io.Reader, maxBytes int64) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, ChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if maxBytes > 0 && int64(buf.Len()+n) > maxBytes {
				return nil, fmt.Errorf("%w: more than %d bytes", model.ErrPayloadTooLarge, maxBytes)
			}
			buf.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, Classify(err)
		}
	}
	if buf.Len() == 0 {
		return nil, model.ErrEmptyResponse
	}
	return buf.Bytes(), nil
}

// Classify maps network errors onto the transport error kinds. Errors
// already carrying a kind are returned unchanged.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrConnectionRefused),
		errors.Is(err, model.ErrTimeout),
		errors.Is(err, model.ErrPeerReset),
		errors.Is(err, model.ErrEmptyResponse),
		errors.Is(err, model.ErrPayloadTooLarge):
		return err
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", model.ErrConnectionRefused, err)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %v", model.ErrPeerReset, err)
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", model.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", model.ErrTimeout, err)
	}
	return err
}
