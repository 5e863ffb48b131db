package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// RemotePath is <folder>/<YYYY>/<MM>/<YYYY-MM-DD>_<sender-slug>_<filename>,
// derived from message metadata only so live polling and backfill agree.
func RemotePath(folder string, receivedAt time.Time, sender, filename string) string {
	received := receivedAt.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%s_%s_%s",
		strings.Trim(folder, "/"),
		received.Year(),
		int(received.Month()),
		received.Format("2006-01-02"),
		SenderSlug(sender),
		SanitizeFilename(filename),
	)
}

// SenderSlug lower-cases the sender and collapses every run of characters
// outside [a-z0-9] into a single dash.
func SenderSlug(sender string) string {
	slug := strings.Trim(nonSlugChars.ReplaceAllString(strings.ToLower(sender), "-"), "-")
	if slug == "" {
		return "unknown"
	}
	return slug
}

// SanitizeFilename replaces characters that cloud drives reject.
func SanitizeFilename(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	cleaned = strings.TrimRight(cleaned, ". ")
	if cleaned == "" {
		return "attachment"
	}
	return cleaned
}
