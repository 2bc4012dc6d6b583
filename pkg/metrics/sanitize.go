package metrics

import (
	"regexp"
)

// MaxLabelLength is the maximum length for a Prometheus label value
const MaxLabelLength = 128

// labelSanitizeRegex matches characters that are NOT allowed in label values:
// anything but alphanumerics, underscore, hyphen and dot.
var labelSanitizeRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\.]`)

// SanitizeLabel turns a free-form backend identifier (RunPod GPU type ids such as
// "NVIDIA GeForce RTX 4090") into a bounded label value. The second result reports
// whether the value was changed.
func SanitizeLabel(value string) (string, bool) {
	if value == "" {
		return "unknown", true
	}

	sanitized := labelSanitizeRegex.ReplaceAllString(value, "_")
	if len(sanitized) > MaxLabelLength {
		sanitized = sanitized[:MaxLabelLength]
	}

	return sanitized, sanitized != value
}
