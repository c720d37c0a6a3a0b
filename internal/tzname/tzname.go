// Package tzname resolves loosely typed timezone input ("europe/berlin",
// "PST", "Tokyo") to IANA zone names.
package tzname

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/teranos/tock/errors"
)

var abbreviations = map[string]string{
	"utc":   "UTC",
	"gmt":   "UTC",
	"pst":   "America/Los_Angeles",
	"pdt":   "America/Los_Angeles",
	"est":   "America/New_York",
	"edt":   "America/New_York",
	"cst":   "America/Chicago",
	"cdt":   "America/Chicago",
	"mst":   "America/Denver",
	"mdt":   "America/Denver",
	"bst":   "Europe/London",
	"cet":   "Europe/Berlin",
	"cest":  "Europe/Berlin",
	"ist":   "Asia/Kolkata",
	"jst":   "Asia/Tokyo",
	"sgt":   "Asia/Singapore",
	"hkt":   "Asia/Hong_Kong",
	"aest":  "Australia/Sydney",
	"aedt":  "Australia/Sydney",
	"nzst":  "Pacific/Auckland",
	"nzdt":  "Pacific/Auckland",
}

var cities = map[string]string{
	"amsterdam":     "Europe/Amsterdam",
	"berlin":        "Europe/Berlin",
	"frankfurt":     "Europe/Berlin",
	"london":        "Europe/London",
	"dublin":        "Europe/Dublin",
	"paris":         "Europe/Paris",
	"madrid":        "Europe/Madrid",
	"rome":          "Europe/Rome",
	"stockholm":     "Europe/Stockholm",
	"new york":      "America/New_York",
	"boston":        "America/New_York",
	"chicago":       "America/Chicago",
	"denver":        "America/Denver",
	"san francisco": "America/Los_Angeles",
	"los angeles":   "America/Los_Angeles",
	"seattle":       "America/Los_Angeles",
	"toronto":       "America/Toronto",
	"sao paulo":     "America/Sao_Paulo",
	"tokyo":         "Asia/Tokyo",
	"singapore":     "Asia/Singapore",
	"hong kong":     "Asia/Hong_Kong",
	"mumbai":        "Asia/Kolkata",
	"dubai":         "Asia/Dubai",
	"sydney":        "Australia/Sydney",
	"auckland":      "Pacific/Auckland",
}

// cityKeys is sorted longest first so "new york" wins over shorter overlaps.
var cityKeys = func() []string {
	keys := make([]string, 0, len(cities))
	for k := range cities {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}()

// Normalize resolves input to a loadable IANA name. Abbreviations map to a
// representative zone, exact names are kept, and miscapitalized names or
// well-known cities are corrected.
func Normalize(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", errors.New("timezone cannot be empty")
	}

	lower := strings.ToLower(trimmed)
	if tz, ok := abbreviations[lower]; ok {
		return tz, nil
	}
	if valid(trimmed) && !needsCaseFix(trimmed) {
		return trimmed, nil
	}
	if candidate := sanitize(trimmed); valid(candidate) {
		return candidate, nil
	}
	for _, key := range cityKeys {
		if strings.Contains(lower, key) {
			return cities[key], nil
		}
	}
	return "", errors.Newf("unknown timezone: %s", input)
}

// Validate reports whether tz is a loadable IANA name.
func Validate(tz string) error {
	if !valid(tz) {
		return errors.Newf("invalid timezone: %s", tz)
	}
	return nil
}

// DetectLocal returns the host's zone name from TZ, the process location,
// /etc/timezone or the /etc/localtime symlink, in that order.
func DetectLocal() (string, error) {
	if tz := os.Getenv("TZ"); tz != "" && valid(tz) {
		return tz, nil
	}
	if name := time.Now().Location().String(); name != "" && name != "Local" && valid(name) {
		return name, nil
	}
	if data, err := os.ReadFile("/etc/timezone"); err == nil {
		if tz := sanitize(string(data)); valid(tz) {
			return tz, nil
		}
	}
	if tz, err := fromZoneinfoLink("/etc/localtime"); err == nil {
		return tz, nil
	}
	return "", errors.New("could not detect local timezone")
}

func fromZoneinfoLink(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	idx := strings.Index(resolved, "zoneinfo")
	if idx == -1 {
		return "", errors.Newf("%s does not point into zoneinfo", path)
	}
	candidate := strings.TrimPrefix(resolved[idx+len("zoneinfo"):], string(filepath.Separator))
	candidate = filepath.ToSlash(candidate)
	if !valid(candidate) {
		return "", errors.Newf("invalid timezone %q from %s", candidate, path)
	}
	return candidate, nil
}

// sanitize title-cases each path segment and replaces spaces.
func sanitize(tz string) string {
	trimmed := strings.Trim(strings.TrimSpace(tz), "\"'")
	trimmed = strings.ReplaceAll(trimmed, " ", "_")
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		parts[i] = titleSegment(part)
	}
	return strings.Join(parts, "/")
}

// titleSegment capitalizes each underscore-separated word: "new_york" -> "New_York".
func titleSegment(s string) string {
	words := strings.Split(strings.ToLower(s), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, "_")
}

// needsCaseFix reports lowercase segment starts, which IANA names never use.
func needsCaseFix(tz string) bool {
	for _, part := range strings.Split(tz, "/") {
		if part != "" && part[0] >= 'a' && part[0] <= 'z' {
			return true
		}
	}
	return false
}

func valid(tz string) bool {
	if tz == "" {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}
