package secutil

import (
	"strings"
	"testing"
)

func TestInputValidator_ValidateJSON(t *testing.T) {
	validator := NewInputValidator()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:    "valid JSON",
			input:   `{"app_id": "demo", "version": "1.0.0"}`,
			wantErr: false,
		},
		{
			name:    "JSON with script tag",
			input:   `{"changelog": "<script>alert('xss')</script>"}`,
			wantErr: true,
		},
		{
			name:    "JSON with null bytes",
			input:   "{\x00\"app_id\": \"demo\"}",
			wantErr: true,
		},
		{
			name:    "JSON too large",
			input:   strings.Repeat("a", 60*1024*1024),
			wantErr: true,
		},
		{
			name:    "JSON with SQL injection pattern",
			input:   `{"query": "SELECT * FROM apps WHERE id = 1; DROP TABLE apps;"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateJSON([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInputValidator_ValidateAppID(t *testing.T) {
	validator := NewInputValidator()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid id", input: "demo-app", wantErr: false},
		{name: "valid id with dots", input: "com.example.app", wantErr: false},
		{name: "empty", input: "", wantErr: true},
		{name: "path traversal", input: "../../etc/passwd", wantErr: true},
		{name: "starts with dash", input: "-demo", wantErr: true},
		{name: "contains space", input: "demo app", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateAppID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAppID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestInputValidator_ValidateVersion(t *testing.T) {
	validator := NewInputValidator()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "plain semver", input: "1.0.0", wantErr: false},
		{name: "prerelease", input: "1.0.0-rc.1", wantErr: false},
		{name: "build metadata", input: "1.0.0+build.5", wantErr: false},
		{name: "missing patch", input: "1.0", wantErr: true},
		{name: "not a version", input: "latest", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateVersion(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVersion(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestInputValidator_ValidateBlobID(t *testing.T) {
	validator := NewInputValidator()

	valid := strings.Repeat("a", 64)
	if err := validator.ValidateBlobID(valid); err != nil {
		t.Errorf("expected valid blob id to pass, got %v", err)
	}

	if err := validator.ValidateBlobID("too-short"); err == nil {
		t.Errorf("expected short blob id to fail")
	}

	if err := validator.ValidateBlobID(strings.Repeat("z", 64)); err == nil {
		t.Errorf("expected non-hex blob id to fail")
	}
}

func TestSecureCompare(t *testing.T) {
	if !SecureCompare("same-token", "same-token") {
		t.Errorf("expected equal tokens to compare equal")
	}

	if SecureCompare("token-a", "token-b") {
		t.Errorf("expected different tokens to compare unequal")
	}
}
