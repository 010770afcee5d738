// Package format holds display helpers for race times and in-game names.
package format

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var defaultNameRe = regexp.MustCompile(`(?i)^player($|\(\d*\))`)

// Millis formats a race time as [H:]MM:SS.mmm, omitting leading zero units.
// 5 -> "0.005", 84172 -> "1:24.172", 3723004 -> "1:02:03.004"
func Millis(ms int64) string {
	if ms < 0 {
		return "-" + Millis(-ms)
	}
	hours, ms := ms/3600000, ms%3600000
	mins, ms := ms/60000, ms%60000
	secs, ms := ms/1000, ms%1000

	switch {
	case hours > 0:
		return fmt.Sprintf("%d:%02d:%02d.%03d", hours, mins, secs, ms)
	case mins > 0:
		return fmt.Sprintf("%d:%02d.%03d", mins, secs, ms)
	default:
		return fmt.Sprintf("%d.%03d", secs, ms)
	}
}

// StripColorTokens removes ^0..^9 color codes. "^^" is an escaped caret.
func StripColorTokens(msg string) string {
	runes := []rune(msg)
	var b strings.Builder
	b.Grow(len(msg))
	for i := 0; i < len(runes); i++ {
		if runes[i] == '^' && i+1 < len(runes) {
			if unicode.IsDigit(runes[i+1]) {
				i++
				continue
			}
			if runes[i+1] == '^' {
				i++
			}
		}
		b.WriteRune(runes[i])
	}
	return b.String()
}

// IsDefaultUsername reports names like "player" or "Player(2)" that game
// clients assign automatically.
func IsDefaultUsername(name string) bool {
	return defaultNameRe.MatchString(name)
}
