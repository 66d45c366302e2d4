// Package media defines the contract between the demuxer and the container
// backends: packets, timebases, stream descriptors and the backend interfaces.
package media

import (
	"errors"
	"fmt"
	"math"
)

// Type is the media kind of an elementary stream.
type Type int

// Media types.
const (
	TypeUnknown Type = iota
	TypeAudio
	TypeVideo
	TypeSubtitle
	TypeData
)

// String returns the lower case name of the media type.
func (t Type) String() string {
	switch t {
	case TypeAudio:
		return "audio"
	case TypeVideo:
		return "video"
	case TypeSubtitle:
		return "subtitle"
	case TypeData:
		return "data"
	default:
		return "unknown"
	}
}

// ParseType parses a media type name as produced by Type.String.
func ParseType(s string) (Type, bool) {
	switch s {
	case "audio":
		return TypeAudio, true
	case "video":
		return TypeVideo, true
	case "subtitle", "subs", "subtitles":
		return TypeSubtitle, true
	case "data":
		return TypeData, true
	default:
		return TypeUnknown, false
	}
}

const (
	// TicksPerSecond is the resolution of the system tick (100ns).
	TicksPerSecond = 10_000_000

	// TicksPerMicrosecond converts container-level microsecond values to ticks.
	TicksPerMicrosecond = 10

	// NoTimestamp marks an unset timestamp.
	NoTimestamp int64 = math.MinInt64
)

// MicrosToTicks converts a container-level microsecond value to ticks.
// NoTimestamp is preserved.
func MicrosToTicks(us int64) int64 {
	if us == NoTimestamp {
		return NoTimestamp
	}
	return us * TicksPerMicrosecond
}

// TicksToMicros converts ticks to the container-level microsecond unit.
func TicksToMicros(ticks int64) int64 {
	if ticks == NoTimestamp {
		return NoTimestamp
	}
	return ticks / TicksPerMicrosecond
}

// Rational is a timebase expressed as Num/Den seconds per unit.
type Rational struct {
	Num int64
	Den int64
}

// Common timebases.
var (
	TimeBaseMPEG   = Rational{Num: 1, Den: 90000}
	TimeBaseMillis = Rational{Num: 1, Den: 1000}
	TimeBaseMicros = Rational{Num: 1, Den: 1_000_000}
)

// Valid reports whether the rational has a non-zero numerator and denominator.
func (r Rational) Valid() bool {
	return r.Num != 0 && r.Den != 0
}

// Float returns the rational as a float64. Invalid rationals return 0.
func (r Rational) Float() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Ticks returns the number of system ticks per timestamp unit.
func (r Rational) Ticks() float64 {
	return r.Float() * TicksPerSecond
}

// Invert returns Den/Num.
func (r Rational) Invert() Rational {
	return Rational{Num: r.Den, Den: r.Num}
}

// String returns the rational in num/den form.
func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// ToTicks converts a timestamp in timebase r to ticks. NoTimestamp is preserved.
func (r Rational) ToTicks(ts int64) int64 {
	if ts == NoTimestamp {
		return NoTimestamp
	}
	return int64(float64(ts) * r.Ticks())
}

// FromTicks converts ticks to a timestamp in timebase r. NoTimestamp is preserved.
func (r Rational) FromTicks(ticks int64) int64 {
	if ticks == NoTimestamp {
		return NoTimestamp
	}
	t := r.Ticks()
	if t == 0 {
		return 0
	}
	return int64(float64(ticks) / t)
}

// Rescale converts ts from timebase from to timebase to, like av_rescale_q.
func Rescale(ts int64, from, to Rational) int64 {
	if ts == NoTimestamp || !from.Valid() || !to.Valid() {
		return ts
	}
	num := float64(ts) * float64(from.Num) * float64(to.Den)
	den := float64(from.Den) * float64(to.Num)
	return int64(math.Round(num / den))
}

// Backend errors.
var (
	// ErrExit is returned by blocking backend calls aborted by the interrupt callback.
	ErrExit = errors.New("immediate exit requested")

	// ErrNotSeekable is returned when the input cannot be repositioned.
	ErrNotSeekable = errors.New("input is not seekable")

	// ErrSeekFailed is returned when no position satisfies a seek request.
	ErrSeekFailed = errors.New("seek failed")

	// ErrFormatNotFound is returned when no backend matches a format name or input.
	ErrFormatNotFound = errors.New("format not found")

	// ErrInvalidData is returned for malformed input.
	ErrInvalidData = errors.New("invalid data found when processing input")
)
