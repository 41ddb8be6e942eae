package transport

import (
	"context"
	"errors"

	"kronoterm_gateway/internal/catalog"
)

var (
	// ErrUnavailable marks a call that exhausted its retry budget.
	ErrUnavailable = errors.New("transport unavailable")
	// ErrAuthenticationFailed marks rejected credentials. Consumers should
	// prompt for re-configuration instead of retrying forever.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrSessionExpired marks a cloud response that turned out to be a
	// login/redirect page instead of the expected JSON document.
	ErrSessionExpired = errors.New("session expired")
	// ErrWriteRejected marks a non-success write response from the device.
	// Writes are never retried automatically.
	ErrWriteRejected = errors.New("write rejected by device")
)

// SampleSource tells the codec which representation a sample carries.
type SampleSource int

const (
	// SourceWord is a single 16-bit holding register.
	SourceWord SampleSource = iota
	// SourceDWord is a 32-bit composite of two consecutive registers.
	SourceDWord
	// SourceScalar is a pre-scaled cloud JSON number.
	SourceScalar
	// SourceText is an encoded cloud form value, used for writes only.
	SourceText
)

// Sample is one raw transport value keyed by catalog address.
type Sample struct {
	Source SampleSource
	Word   uint16
	DWord  uint32
	Scalar float64
	Text   string
}

// WordSample wraps a Modbus register word.
func WordSample(word uint16) Sample {
	return Sample{Source: SourceWord, Word: word}
}

// DWordSample wraps a 32-bit composite value.
func DWordSample(dword uint32) Sample {
	return Sample{Source: SourceDWord, DWord: dword}
}

// ScalarSample wraps a cloud JSON number.
func ScalarSample(value float64) Sample {
	return Sample{Source: SourceScalar, Scalar: value}
}

// TextSample wraps an encoded cloud write parameter.
func TextSample(text string) Sample {
	return Sample{Source: SourceText, Text: text}
}

// Driver is the capability both transports implement. A driver owns one
// device session; callers must not interleave concurrent calls on it.
type Driver interface {
	Name() string
	Transport() catalog.Transport
	Connect(ctx context.Context) error
	// Close tears the session down and is safe to call repeatedly.
	Close() error
	// ReadBatch fetches raw values for the given definitions. Individual
	// registers that fail are simply missing from the result; only a
	// session-level failure returns an error.
	ReadBatch(ctx context.Context, defs []catalog.Definition) (map[uint16]Sample, error)
	// Write pushes one encoded value to the device.
	Write(ctx context.Context, def catalog.Definition, sample Sample) error
}
