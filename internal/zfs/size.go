package zfs

import (
	"strconv"
	"strings"
)

var sizeUnits = map[byte]float64{
	'B': 1,
	'K': 1 << 10,
	'M': 1 << 20,
	'G': 1 << 30,
	'T': 1 << 40,
}

// ParseSize converts a human readable zfs size ("96K", "1.5G", "0B", "4096")
// to bytes. Anything it cannot parse, including "-", yields 0.
func ParseSize(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" || s == "-" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0
		}
		return n
	}

	unit, ok := sizeUnits[s[len(s)-1]]
	if !ok {
		return 0
	}
	num := s[:len(s)-1]
	// Accept "1.5GB" style too.
	if unit == 1 && len(num) > 0 {
		if u, ok := sizeUnits[num[len(num)-1]]; ok && u != 1 {
			unit = u
			num = num[:len(num)-1]
		}
	}
	value, err := strconv.ParseFloat(num, 64)
	if err != nil || value < 0 {
		return 0
	}
	return int64(value * unit)
}
