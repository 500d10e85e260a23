package client

// Fallback decides whether a failed call may be answered with the mock
// value supplied by the caller. It is consulted only after a genuine
// failure.
type Fallback interface {
	Permitted() bool
}

// StaticFallback is a fixed switch, typically read from configuration.
type StaticFallback bool

// Permitted returns the switch value.
func (s StaticFallback) Permitted() bool {
	return bool(s)
}

// FallbackFunc adapts a function to Fallback.
type FallbackFunc func() bool

// Permitted calls f.
func (f FallbackFunc) Permitted() bool {
	return f()
}
