package edge

import (
	"fmt"
	"strconv"
	"strings"
)

var byteUnits = map[byte]int64{
	'k': 1 << 10,
	'm': 1 << 20,
	'g': 1 << 30,
}

// parseBytes reads sizes such as "512", "64kb", "1.5m" or "2GB".
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimSpace(strings.TrimSuffix(s, "b"))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	mult := int64(1)
	if m, ok := byteUnits[s[len(s)-1]]; ok {
		mult = m
		s = strings.TrimSpace(s[:len(s)-1])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size: %w", err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}

func formatBytes(b uint64) string {
	switch {
	case b < 1<<10:
		return fmt.Sprintf("%db", b)
	case b < 1<<20:
		return trimFloat(float64(b)/(1<<10)) + "kb"
	case b < 1<<30:
		return trimFloat(float64(b)/(1<<20)) + "mb"
	}
	return trimFloat(float64(b)/(1<<30)) + "gb"
}

func trimFloat(f float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", f), ".0")
}
