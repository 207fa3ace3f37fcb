//go:build (darwin || linux || freebsd || windows) && (amd64 || arm64)

package readback

import (
	"github.com/ebitengine/purego"
)

// NativeLogSink adapts a C function pointer of type
//
//	void (*)(const char *message)
//
// into a LogSink, for hosts that hand the plugin a debug callback.
// The message is passed as a NUL-terminated string valid for the duration
// of the call.
func NativeLogSink(fn uintptr) (LogSink, error) {
	if fn == 0 {
		return nil, ErrNilSink
	}
	var call func(string)
	purego.RegisterFunc(&call, fn)
	return func(msg string) { call(msg) }, nil
}
