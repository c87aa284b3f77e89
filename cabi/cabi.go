// Package main provides the C ABI for the synchronization engine, built as
// a shared library:
//
//	go build -buildmode=c-shared -o libflowsync.so ./cabi
//
// The caller owns every user_data pointer; the engine stores them opaquely
// and hands them back intact through the poll callback. Handles returned by
// flowsync_synchronizer_new must be freed with flowsync_synchronizer_free.
package main

/*
#include <stdint.h>
#include <stddef.h>
#include <stdlib.h>

// Configuration for creating a synchronizer. A window_size_ms of 0 selects
// an infinite window. drop_policy: 0 = reject new, 1 = drop oldest.
typedef struct {
	uint64_t window_size_ms;
	size_t   buffer_size;
	uint32_t drop_policy;
} flowsync_config;

// Callback invoked once per group member, in stream registration order.
typedef void (*flowsync_group_callback)(const char* key, int64_t timestamp_ns, void* user_data, void* ctx);

static void flowsync_invoke_callback(flowsync_group_callback cb, const char* key, int64_t timestamp_ns, void* user_data, void* ctx) {
	cb(key, timestamp_ns, user_data, ctx);
}
*/
import "C"

import (
	"runtime/cgo"
	"time"
	"unsafe"

	"icc.tech/flowsync/pkg/timesync"
)

// Result codes shared with the C header.
const (
	resultOk              = C.int(0)
	resultInvalidArgument = C.int(1)
	resultBufferFull      = C.int(2)
	resultKeyNotFound     = C.int(3)
	resultNullPointer     = C.int(4)
	resultInternalError   = C.int(5)
)

// ffiMessage wraps an opaque caller pointer with its timestamp. The engine
// never dereferences user_data; it only moves it.
type ffiMessage struct {
	ts       time.Duration
	userData unsafe.Pointer
}

func (m ffiMessage) Timestamp() time.Duration { return m.ts }

type synchronizer struct {
	state *timesync.State[string, ffiMessage]
	keys  []string
	ckeys []*C.char
}

//export flowsync_synchronizer_new
func flowsync_synchronizer_new(config *C.flowsync_config, keys **C.char, keyCount C.size_t) C.uintptr_t {
	windowMS := C.uint64_t(50)
	bufSize := 64
	policy := timesync.RejectNew
	if config != nil {
		windowMS = config.window_size_ms
		bufSize = int(config.buffer_size)
		switch config.drop_policy {
		case 0:
			policy = timesync.RejectNew
		case 1:
			policy = timesync.DropOldest
		default:
			return 0
		}
	}

	if bufSize < 2 || keyCount == 0 || keys == nil {
		return 0
	}

	keyPtrs := unsafe.Slice(keys, int(keyCount))
	keyStrings := make([]string, 0, int(keyCount))
	for _, ptr := range keyPtrs {
		if ptr == nil {
			return 0
		}
		keyStrings = append(keyStrings, C.GoString(ptr))
	}

	state, err := timesync.NewState[string, ffiMessage](keyStrings, timesync.Config{
		WindowSize: time.Duration(windowMS) * time.Millisecond, // 0 = infinite
		BufSize:    bufSize,
		DropPolicy: policy,
	})
	if err != nil {
		return 0
	}

	// Keep one C copy of each key alive for callback invocations.
	ckeys := make([]*C.char, len(keyStrings))
	for i, k := range keyStrings {
		ckeys[i] = C.CString(k)
	}

	h := cgo.NewHandle(&synchronizer{state: state, keys: keyStrings, ckeys: ckeys})
	return C.uintptr_t(h)
}

//export flowsync_synchronizer_free
func flowsync_synchronizer_free(handle C.uintptr_t) {
	if handle == 0 {
		return
	}
	h := cgo.Handle(handle)
	sync, ok := h.Value().(*synchronizer)
	if ok {
		for _, ck := range sync.ckeys {
			C.free(unsafe.Pointer(ck))
		}
	}
	h.Delete()
}

//export flowsync_push
func flowsync_push(handle C.uintptr_t, key *C.char, timestampNS C.int64_t, userData unsafe.Pointer) C.int {
	sync, code := resolve(handle)
	if code != resultOk {
		return code
	}
	if key == nil {
		return resultNullPointer
	}

	ts := time.Duration(timestampNS)
	if ts < 0 {
		ts = 0
	}

	err := sync.state.Push(C.GoString(key), ffiMessage{ts: ts, userData: userData})
	if err == nil {
		return resultOk
	}
	pe, ok := timesync.AsPushError[ffiMessage](err)
	if !ok {
		return resultInternalError
	}
	switch pe.Kind {
	case timesync.ErrBufferFull:
		return resultBufferFull
	case timesync.ErrUnknownKey:
		return resultKeyNotFound
	case timesync.ErrLateMessage, timesync.ErrOutOfOrder:
		return resultInvalidArgument
	default:
		return resultInternalError
	}
}

//export flowsync_poll
func flowsync_poll(handle C.uintptr_t, callback C.flowsync_group_callback, ctx unsafe.Pointer) C.int {
	sync, code := resolve(handle)
	if code != resultOk {
		return C.int(-1)
	}
	if callback == nil {
		return C.int(-1)
	}

	group := sync.state.TryMatch()
	if group == nil {
		return C.int(0)
	}

	for i, key := range sync.keys {
		item, ok := group.Get(key)
		if !ok {
			return C.int(-1)
		}
		C.flowsync_invoke_callback(callback, sync.ckeys[i], C.int64_t(item.ts.Nanoseconds()), item.userData, ctx)
	}
	return C.int(1)
}

//export flowsync_key_count
func flowsync_key_count(handle C.uintptr_t) C.size_t {
	sync, code := resolve(handle)
	if code != resultOk {
		return 0
	}
	return C.size_t(len(sync.keys))
}

//export flowsync_is_ready
func flowsync_is_ready(handle C.uintptr_t) C.int {
	sync, code := resolve(handle)
	if code != resultOk {
		return 0
	}
	if sync.state.IsReady() {
		return 1
	}
	return 0
}

//export flowsync_is_empty
func flowsync_is_empty(handle C.uintptr_t) C.int {
	sync, code := resolve(handle)
	if code != resultOk {
		return 1
	}
	if sync.state.IsEmpty() {
		return 1
	}
	return 0
}

//export flowsync_buffer_len
func flowsync_buffer_len(handle C.uintptr_t, key *C.char) C.long {
	sync, code := resolve(handle)
	if code != resultOk || key == nil {
		return -1
	}
	n, ok := sync.state.BufferLen(C.GoString(key))
	if !ok {
		return -1
	}
	return C.long(n)
}

func resolve(handle C.uintptr_t) (*synchronizer, C.int) {
	if handle == 0 {
		return nil, resultNullPointer
	}
	sync, ok := cgo.Handle(handle).Value().(*synchronizer)
	if !ok {
		return nil, resultInternalError
	}
	return sync, resultOk
}

func main() {}
