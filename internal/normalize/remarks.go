package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

// Free-text remarks as emitted by CoT gateways, e.g.
// "MAC: AA:BB:..., RSSI: -60dBm; ID Type: Serial Number (ANSI/CTA-2063-A); Speed: 12.0 m/s; ..."
var (
	remarkMAC      = regexp.MustCompile(`(?i)\bMAC:\s*([0-9A-F]{2}(?:[:-][0-9A-F]{2}){5})`)
	remarkRSSI     = regexp.MustCompile(`(?i)\bRSSI:\s*(-?\d+(?:\.\d+)?)\s*dBm`)
	remarkIDType   = regexp.MustCompile(`(?i)\bID Type:\s*([^;]+)`)
	remarkUAType   = regexp.MustCompile(`(?i)\bUA Type:\s*([^;]+)`)
	remarkOperator = regexp.MustCompile(`(?i)\bOperator ID:\s*([^;]+)`)
	remarkSpeed    = regexp.MustCompile(`(?i)(?:^|[;,]\s*)Speed:\s*(-?\d+(?:\.\d+)?)`)
	remarkVSpeed   = regexp.MustCompile(`(?i)\bVert Speed:\s*(-?\d+(?:\.\d+)?)`)
	remarkAltitude = regexp.MustCompile(`(?i)(?:^|[;,]\s*)Altitude:\s*(-?\d+(?:\.\d+)?)`)
	remarkCourse   = regexp.MustCompile(`(?i)\bCourse:\s*(-?\d+(?:\.\d+)?)`)
)

func remarkString(re *regexp.Regexp, remarks string) (string, bool) {
	if remarks == "" {
		return "", false
	}
	m := re.FindStringSubmatch(remarks)
	if m == nil {
		return "", false
	}
	s := strings.TrimSpace(m[1])
	return s, s != ""
}

func remarkFloat(re *regexp.Regexp, remarks string) (float64, bool) {
	s, ok := remarkString(re, remarks)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}
