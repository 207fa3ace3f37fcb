//go:build !((darwin || linux || freebsd || windows) && (amd64 || arm64))

package readback

import "errors"

// NativeLogSink is not available on this platform.
func NativeLogSink(fn uintptr) (LogSink, error) {
	if fn == 0 {
		return nil, ErrNilSink
	}
	return nil, errors.New("readback: native log sinks are not supported on this platform")
}
