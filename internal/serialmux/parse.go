package serialmux

import (
	"encoding/json"
	"strings"
)

// LineKind classifies one line of receiver output.
type LineKind string

const (
	LinePayload LineKind = "payload" // a JSON or CoT detection message
	LineLog     LineKind = "log"     // firmware boot or debug chatter
	LineEmpty   LineKind = "empty"
)

// ClassifyLine decides whether a line carries a detection. Boot banners and
// ESP-IDF log lines such as "I (1234) wifi: ..." are LineLog.
func ClassifyLine(line string) LineKind {
	s := strings.TrimSpace(line)
	switch {
	case s == "":
		return LineEmpty
	case (s[0] == '{' || s[0] == '[') && json.Valid([]byte(s)):
		return LinePayload
	case strings.HasPrefix(s, "<?xml") || strings.HasPrefix(s, "<event"):
		return LinePayload
	}
	return LineLog
}
