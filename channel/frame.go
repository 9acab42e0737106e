package channel

import (
	"errors"
	"fmt"

	"github.com/Readm/memcoh/core"
)

// Ops carried in a Frame between a Remote client and the directory server.
const (
	OpFetch    = "fetch"
	OpPublish  = "publish"
	OpGet      = "get"
	OpPut      = "put"
	OpDelete   = "delete"
	OpWatch    = "watch"
	OpSnapshot = "snapshot" // server push on a watch connection
)

// Error codes reported in Frame.Code.
const (
	CodeConflict       = "conflict"
	CodeUnavailable    = "unavailable"
	CodeInvalidAddress = "invalid_address"
	CodeDecode         = "decode"
	CodeInvalid        = "invalid"
)

// Frame is one websocket message. Snapshot bodies travel as codec text.
type Frame struct {
	ID      uint64 `json:"id,omitempty"`
	Op      string `json:"op"`
	Version int64  `json:"version,omitempty"`
	Body    string `json:"body,omitempty"`
	Key     string `json:"key,omitempty"`
	Value   []byte `json:"value,omitempty"`
	Rev     int64  `json:"rev,omitempty"`
	Found   bool   `json:"found,omitempty"`
	Applied bool   `json:"applied,omitempty"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ErrorCode classifies err for the wire.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrVersionConflict):
		return CodeConflict
	case errors.Is(err, core.ErrChannelUnavailable):
		return CodeUnavailable
	case errors.Is(err, core.ErrInvalidAddress):
		return CodeInvalidAddress
	case errors.Is(err, core.ErrInvariantViolation):
		return CodeInvalid
	case errors.Is(err, core.ErrDecode):
		return CodeDecode
	default:
		return CodeInvalid
	}
}

// Err rebuilds the error carried by a response frame.
func (f Frame) Err() error {
	if f.Code == "" && f.Error == "" {
		return nil
	}
	switch f.Code {
	case CodeConflict:
		return fmt.Errorf("%w: %s", core.ErrVersionConflict, f.Error)
	case CodeUnavailable:
		return fmt.Errorf("%w: %s", core.ErrChannelUnavailable, f.Error)
	case CodeInvalidAddress:
		return fmt.Errorf("%w: %s", core.ErrInvalidAddress, f.Error)
	case CodeDecode:
		return fmt.Errorf("%w: %s", core.ErrDecode, f.Error)
	default:
		return fmt.Errorf("%w: %s", core.ErrInvariantViolation, f.Error)
	}
}
