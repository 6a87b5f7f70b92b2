// Package secutil provides the security-relevant logging and input
// validation used by the server's HTTP API (the client and apply engine do
// not import it): redacted structured security events and a hardened validator
// for identifiers, versions, and request headers coming from the network.
package secutil

import (
	"crypto/subtle"
	"fmt"
	"log"
	"strings"
	"time"
)

// SecurityLogger logs security-relevant events with sensitive values
// redacted before they ever reach the log stream.
type SecurityLogger struct {
	enabled        bool
	redactPatterns []string
}

// NewSecurityLogger creates a logger with the default redaction patterns.
func NewSecurityLogger() *SecurityLogger {
	redactPatterns := []string{
		"password", "passwd", "secret", "key", "token", "auth",
		"credential", "private", "confidential", "sensitive",
		"bearer", "authorization", "session", "cookie",
	}

	return &SecurityLogger{enabled: true, redactPatterns: redactPatterns}
}

// LogSecurityEvent logs a security-related event with sanitization applied
// to both the event name and its details.
func (sl *SecurityLogger) LogSecurityEvent(event string, details map[string]interface{}) {
	if !sl.enabled {
		return
	}

	sanitizedEvent := sl.sanitizeLogMessage(event)

	sanitizedDetails := make(map[string]interface{})
	for key, value := range details {
		sanitizedDetails[sl.sanitizeLogMessage(key)] = sl.sanitizeValue(value)
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	log.Printf("[SECURITY] %s - %s - Details: %v", timestamp, sanitizedEvent, sanitizedDetails)
}

// LogAuthenticationAttempt logs a bearer-token auth attempt against the
// upload/download endpoints.
func (sl *SecurityLogger) LogAuthenticationAttempt(success bool, userAgent, remoteAddr string, details map[string]interface{}) {
	status := "FAILED"
	if success {
		status = "SUCCESS"
	}

	eventDetails := map[string]interface{}{
		"status":      status,
		"user_agent":  sl.sanitizeLogMessage(userAgent),
		"remote_addr": sl.sanitizeIPAddress(remoteAddr),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}

	for k, v := range details {
		eventDetails[sl.sanitizeLogMessage(k)] = sl.sanitizeValue(v)
	}

	sl.LogSecurityEvent("authentication_attempt", eventDetails)
}

// LogInputValidationFailure logs a rejected app_id/version/CID/manifest
// value without writing it in full: only its length is logged, plus its
// first and last 4 characters when it is longer than 10 characters.
func (sl *SecurityLogger) LogInputValidationFailure(inputType, reason, value string) {
	details := map[string]interface{}{
		"input_type": inputType,
		"reason":     reason,
		"value_hash": sl.hashOrTruncateValue(value),
		"value_len":  len(value),
	}

	sl.LogSecurityEvent("input_validation_failure", details)
}

// LogSuspiciousActivity logs activity that didn't fail validation outright
// but looks like probing (e.g. repeated 404s on /apps/{app_id}).
func (sl *SecurityLogger) LogSuspiciousActivity(activity, severity string, context map[string]interface{}) {
	details := map[string]interface{}{
		"activity": activity,
		"severity": severity,
	}

	for k, v := range context {
		details[sl.sanitizeLogMessage(k)] = sl.sanitizeValue(v)
	}

	sl.LogSecurityEvent("suspicious_activity", details)
}

// LogRateLimitExceeded logs a dropped request due to rate limiting.
func (sl *SecurityLogger) LogRateLimitExceeded(endpoint, remoteAddr string, attempts int) {
	details := map[string]interface{}{
		"endpoint":    endpoint,
		"remote_addr": sl.sanitizeIPAddress(remoteAddr),
		"attempts":    attempts,
		"action":      "rate_limit_exceeded",
	}

	sl.LogSecurityEvent("rate_limit_violation", details)
}

func (sl *SecurityLogger) sanitizeLogMessage(message string) string {
	sanitized := message
	lowerMessage := strings.ToLower(message)

	for _, pattern := range sl.redactPatterns {
		if strings.Contains(lowerMessage, pattern) {
			sanitized = strings.ReplaceAll(sanitized, message, "[REDACTED]")
			break
		}
	}

	words := strings.Fields(sanitized)
	for i, word := range words {
		if len(word) > 20 && isAlphanumeric(word) {
			words[i] = "[REDACTED_TOKEN]"
		}
	}

	return strings.Join(words, " ")
}

func (sl *SecurityLogger) sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return sl.sanitizeLogMessage(v)
	case map[string]interface{}:
		sanitized := make(map[string]interface{})
		for key, val := range v {
			sanitized[sl.sanitizeLogMessage(key)] = sl.sanitizeValue(val)
		}

		return sanitized
	case []interface{}:
		sanitized := make([]interface{}, len(v))
		for i, val := range v {
			sanitized[i] = sl.sanitizeValue(val)
		}

		return sanitized
	default:
		return value
	}
}

func (sl *SecurityLogger) sanitizeIPAddress(addr string) string {
	if colonIndex := strings.LastIndex(addr, ":"); colonIndex != -1 {
		addr = addr[:colonIndex]
	}

	if parts := strings.Split(addr, "."); len(parts) == 4 {
		return strings.Join(parts[:3], ".") + ".xxx"
	}

	if parts := strings.Split(addr, ":"); len(parts) > 1 {
		return strings.Join(parts[:len(parts)-1], ":") + ":xxxx"
	}

	if len(addr) > 8 {
		return addr[:4] + "xxxx"
	}

	return "xxx.xxx.xxx.xxx"
}

func (sl *SecurityLogger) hashOrTruncateValue(value string) string {
	if len(value) == 0 {
		return ""
	}

	if len(value) <= 10 {
		return fmt.Sprintf("[%d chars]", len(value))
	}

	prefix := value[:4]
	suffix := value[len(value)-4:]

	return fmt.Sprintf("%s...%s [%d chars]", prefix, suffix, len(value))
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}

	return true
}

// SecureCompare performs a constant-time string comparison, used to check
// bearer tokens without leaking timing information.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Global is the package-level security logger used by handlers that don't
// carry their own.
var Global = NewSecurityLogger()
