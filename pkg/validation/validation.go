package validation

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IdentifierRegex validates agent, viewer and track identifiers
	IdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

const (
	maxIdentifierLength = 128
	maxFilenameLength   = 255
	maxSDPLength        = 64 * 1024
)

// ValidateIdentifier validates an endpoint or track identifier
func ValidateIdentifier(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, maxIdentifierLength)
	}
	if !IdentifierRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateSDP performs a shallow sanity check of a session description
func ValidateSDP(sdp string) error {
	if strings.TrimSpace(sdp) == "" {
		return fmt.Errorf("sdp is required")
	}
	if len(sdp) > maxSDPLength {
		return fmt.Errorf("sdp is too large (max %d bytes)", maxSDPLength)
	}
	if !strings.HasPrefix(sdp, "v=0") {
		return fmt.Errorf("sdp must start with v=0")
	}
	if !strings.Contains(sdp, "m=") {
		return fmt.Errorf("sdp has no media sections")
	}
	return nil
}

// ValidateFilename validates a transfer filename. Directory components are
// allowed but must stay relative and must not climb out of the root.
func ValidateFilename(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("filename is required")
	}
	if len(name) > maxFilenameLength {
		return fmt.Errorf("filename is too long (max %d characters)", maxFilenameLength)
	}
	if !utf8.ValidString(name) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("filename contains invalid characters")
	}
	normalized := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(normalized, "/") {
		return fmt.Errorf("filename must be relative")
	}
	cleaned := path.Clean(normalized)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("filename escapes the destination directory")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateBitrate validates an agent reported bitrate in kbps
func ValidateBitrate(bitrate int) error {
	if bitrate < 0 {
		return fmt.Errorf("bitrate must not be negative")
	}
	if bitrate > 100000 {
		return fmt.Errorf("bitrate is too high (max 100000 kbps)")
	}
	return nil
}

// ValidateQuality validates a quality tier name
func ValidateQuality(quality string) error {
	switch quality {
	case "low", "medium", "high", "auto":
		return nil
	}
	return fmt.Errorf("invalid quality level (must be low, medium, high or auto)")
}

// ValidateRatio validates a value in [0, 1]
func ValidateRatio(v float64, fieldName string) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be between 0 and 1", fieldName)
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
