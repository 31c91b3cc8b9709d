package gguf

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSize is returned for a size threshold that is not a positive number followed by M or G.
var ErrInvalidSize = errors.New("invalid size, expected a positive number followed by M or G")

// ParseSizeGB converts a size such as "49G" or "512M" to GiB. M is MiB and counts 1/1024 GiB.
func ParseSizeGB(size string) (float64, error) {
	size = strings.ToUpper(strings.TrimSpace(size))
	if len(size) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, size)
	}
	var multiplier float64
	switch size[len(size)-1] {
	case 'M':
		multiplier = 1.0 / 1024
	case 'G':
		multiplier = 1
	default:
		return 0, fmt.Errorf("%w: unknown unit in %q", ErrInvalidSize, size)
	}
	value, err := strconv.ParseFloat(size[:len(size)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, size)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: %q is not positive", ErrInvalidSize, size)
	}
	return value * multiplier, nil
}

// NormalizeSize returns size in the form llama-gguf-split expects, e.g. "49G".
func NormalizeSize(size string) string {
	return strings.ToUpper(strings.TrimSpace(size))
}
