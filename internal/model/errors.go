package model

import "errors"

var (
	// Upload validation
	ErrNoImage         = errors.New("no image provided")
	ErrPayloadTooLarge = errors.New("payload too large")

	// Analysis
	ErrDecode = errors.New("image decode failed")
	ErrModel  = errors.New("model inference failed")
	ErrEncode = errors.New("image encode failed")

	// Transport
	ErrConnectionRefused = errors.New("connection refused")
	ErrTimeout           = errors.New("timeout")
	ErrPeerReset         = errors.New("connection reset by peer")
	ErrEmptyResponse     = errors.New("no data")

	// Jobs
	ErrNotFound          = errors.New("job not found")
	ErrNotReady          = errors.New("job not finished")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyClaimed    = errors.New("job already claimed")
	ErrUnavailable       = errors.New("service unavailable")
)

// Error codes exposed to clients and stored as a job's failure kind.
const (
	CodeNoImage           = "no_image"
	CodePayloadTooLarge   = "payload_too_large"
	CodeDecode            = "decode_error"
	CodeModel             = "model_error"
	CodeEncode            = "encode_error"
	CodeConnectionRefused = "connection_refused"
	CodeTimeout           = "timeout"
	CodePeerReset         = "peer_reset"
	CodeEmptyResponse     = "empty_response"
	CodeNotFound          = "not_found"
	CodeNotReady          = "not_ready"
	CodeUnavailable       = "unavailable"
	CodeWorkerLost        = "worker_lost"
	CodeInternal          = "internal"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNoImage, CodeNoImage},
	{ErrPayloadTooLarge, CodePayloadTooLarge},
	{ErrDecode, CodeDecode},
	{ErrModel, CodeModel},
	{ErrEncode, CodeEncode},
	{ErrConnectionRefused, CodeConnectionRefused},
	{ErrTimeout, CodeTimeout},
	{ErrPeerReset, CodePeerReset},
	{ErrEmptyResponse, CodeEmptyResponse},
	{ErrNotFound, CodeNotFound},
	{ErrNotReady, CodeNotReady},
	{ErrUnavailable, CodeUnavailable},
}

// ErrorCode returns the stable code for err, or CodeInternal when err does
// not wrap a known sentinel.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}
