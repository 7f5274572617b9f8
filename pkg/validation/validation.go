package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// StreamKeyRegex validates stream key format
	StreamKeyRegex = regexp.MustCompile(`^[0-9a-f]{20}$`)

	// SubscriberIDRegex validates subscriber ID format
	SubscriberIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// SegmentNameRegex validates HLS file names served from a session directory
	SegmentNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+\.(ts|m3u8)$`)
)

// ValidateSourceURL validates a camera URL. Only RTSP sources are accepted.
func ValidateSourceURL(urlStr string) error {
	urlStr = strings.TrimSpace(urlStr)
	if urlStr == "" {
		return fmt.Errorf("source URL is required")
	}
	if len(urlStr) > 2048 {
		return fmt.Errorf("source URL is too long (max 2048 characters)")
	}
	if strings.ContainsAny(urlStr, "\x00\r\n") {
		return fmt.Errorf("source URL contains control characters")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
		return fmt.Errorf("invalid URL scheme (must be rtsp or rtsps)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateStreamKey validates stream key
func ValidateStreamKey(key string) error {
	if key == "" {
		return fmt.Errorf("stream key is required")
	}
	if !StreamKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid stream key format")
	}
	return nil
}

// ValidateSubscriberID validates subscriber ID
func ValidateSubscriberID(id string) error {
	if id == "" {
		return fmt.Errorf("subscriber ID is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("subscriber ID is too long (max 100 characters)")
	}
	if !SubscriberIDRegex.MatchString(id) {
		return fmt.Errorf("invalid subscriber ID format")
	}
	return nil
}

// ValidateSegmentName rejects anything that is not a plain playlist or
// segment file name.
func ValidateSegmentName(name string) error {
	if name == "" {
		return fmt.Errorf("file name is required")
	}
	if len(name) > 64 || !SegmentNameRegex.MatchString(name) {
		return fmt.Errorf("invalid file name")
	}
	return nil
}

// ValidateResolution validates resolution keyword or WxH value
func ValidateResolution(resolution string) error {
	resolution = strings.ToLower(strings.TrimSpace(resolution))
	switch resolution {
	case "", "source", "low", "medium", "high":
		return nil
	}
	var w, h int
	if n, err := fmt.Sscanf(resolution, "%dx%d", &w, &h); err != nil || n != 2 {
		return fmt.Errorf("invalid resolution (must be low, medium, high or WIDTHxHEIGHT)")
	}
	if w < 16 || h < 16 || w > 7680 || h > 4320 {
		return fmt.Errorf("resolution out of range")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
