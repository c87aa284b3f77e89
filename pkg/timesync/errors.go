package timesync

import (
	"errors"
	"fmt"
)

// PushErrorKind classifies push-time rejections.
type PushErrorKind int

const (
	// ErrLateMessage marks a timestamp at or below the commit cursor.
	ErrLateMessage PushErrorKind = iota + 1
	// ErrUnknownKey marks a push to a stream that was never registered.
	ErrUnknownKey
	// ErrBufferFull marks a rejected push under the RejectNew policy.
	ErrBufferFull
	// ErrOutOfOrder marks a timestamp at or below the stream's watermark.
	ErrOutOfOrder
	// ErrTimeout marks an elapsed PushBlocking deadline.
	ErrTimeout
)

func (k PushErrorKind) String() string {
	switch k {
	case ErrLateMessage:
		return "late message"
	case ErrUnknownKey:
		return "unknown key"
	case ErrBufferFull:
		return "buffer full"
	case ErrOutOfOrder:
		return "out of order"
	case ErrTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// PushError is returned by State.Push and State.PushBlocking. It carries the
// rejected message so callers can retry, log, or salvage the payload.
type PushError[T any] struct {
	Kind PushErrorKind
	Item T
}

func (e *PushError[T]) Error() string {
	return fmt.Sprintf("push rejected: %s", e.Kind)
}

// AsPushError unwraps err into a *PushError[T], if it is one.
func AsPushError[T any](err error) (*PushError[T], bool) {
	var pe *PushError[T]
	ok := errors.As(err, &pe)
	return pe, ok
}

func pushErr[T any](kind PushErrorKind, item T) error {
	return &PushError[T]{Kind: kind, Item: item}
}
