package protocol

import "github.com/jezek/xgb/xproto"

// CurrentTime in a request means "the server's time when the request is processed".
const CurrentTime xproto.Timestamp = xproto.TimeCurrentTime

// Earlier reports whether a is before b, treating the 32-bit millisecond clock
// as wrapping.
func Earlier(a, b xproto.Timestamp) bool {
	return int32(a-b) < 0
}

// Later reports whether a is after b.
func Later(a, b xproto.Timestamp) bool {
	return int32(a-b) > 0
}

// Resolve replaces CurrentTime with now.
func Resolve(t, now xproto.Timestamp) xproto.Timestamp {
	if t == CurrentTime {
		return now
	}
	return t
}
