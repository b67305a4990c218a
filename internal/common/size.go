package common

import "fmt"

var sizeUnits = []string{"KB", "MB", "GB", "TB", "PB", "EB"}

// FormatSize renders a byte count with a binary unit suffix, e.g. "1.5 MB".
func FormatSize(bytes uint64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	}
	value := float64(bytes) / 1024
	unit := 0
	for value >= 1024 && unit < len(sizeUnits)-1 {
		value /= 1024
		unit++
	}
	return fmt.Sprintf("%.1f %s", value, sizeUnits[unit])
}
