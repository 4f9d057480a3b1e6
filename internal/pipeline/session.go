package pipeline

import (
	"path/filepath"
	"strings"
	"time"
)

// now is swapped out in tests for deterministic directory names.
var now = time.Now

// SanitizeSessionID reduces a session ID to filename-safe characters. Every
// rune outside [A-Za-z0-9_-] becomes an underscore; an empty result reads
// "session".
func SanitizeSessionID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if strings.Trim(out, "_") == "" {
		return "session"
	}
	return out
}

// DeriveSessionID builds a session ID from the input path when none was
// given: the file's base name without extension, sanitized.
func DeriveSessionID(inputPath string) string {
	base := filepath.Base(inputPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return SanitizeSessionID(base)
}

// sessionDirName names a fresh session output directory:
// <YYYYMMDD_HHMMSS>_<safe_session_id>.
func sessionDirName(sessionID string) string {
	return now().Format("20060102_150405") + "_" + SanitizeSessionID(sessionID)
}
