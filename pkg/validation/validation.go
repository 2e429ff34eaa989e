package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// EntityIDRegex validates producer and consumer ID format
	EntityIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// SubjectRegex validates token subject format
	SubjectRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateSubject validates a token subject
func ValidateSubject(subject string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return fmt.Errorf("subject is required")
	}
	if len(subject) < 3 {
		return fmt.Errorf("subject must be at least 3 characters")
	}
	if len(subject) > 50 {
		return fmt.Errorf("subject is too long (max 50 characters)")
	}
	if !SubjectRegex.MatchString(subject) {
		return fmt.Errorf("subject contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateEntityID validates a producer or consumer ID
func ValidateEntityID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s is too long (max 100 characters)", fieldName)
	}
	if !EntityIDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateBitrate validates a bitrate value in bits per second
func ValidateBitrate(bitrate int) error {
	if bitrate < 30_000 {
		return fmt.Errorf("bitrate must be at least 30000 bps")
	}
	if bitrate > 100_000_000 {
		return fmt.Errorf("bitrate is too high (max 100000000 bps)")
	}
	return nil
}

// ValidatePacketEventTypes validates diagnostic packet event type names
func ValidatePacketEventTypes(types []string) error {
	valid := map[string]bool{
		"rtp":  true,
		"nack": true,
		"pli":  true,
		"fir":  true,
	}
	for _, t := range types {
		if !valid[t] {
			return fmt.Errorf("invalid packet event type %q (must be rtp, nack, pli, or fir)", t)
		}
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
