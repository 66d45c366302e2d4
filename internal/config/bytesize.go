package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ByteSize is a size limit read from values such as "10MiB", "512 KB" or a
// plain byte count. SI and IEC suffixes are both accepted.
type ByteSize int64

// ParseByteSize parses s into a ByteSize.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q is too large", s)
	}
	return ByteSize(n), nil
}

// UnmarshalText lets viper and yaml decode sizes from strings.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// UnmarshalJSON accepts a quoted size or a bare byte count.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	if s, err := strconv.Unquote(string(data)); err == nil {
		return b.UnmarshalText([]byte(s))
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid size %s", data)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalText renders the size in IEC units.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size as a byte count.
func (b ByteSize) Bytes() int64 { return int64(b) }

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(max(b, 0)))
}
