package api

import (
	"net/http/httptest"
	"testing"
)

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		provided string
		config   string
		want     bool
	}{
		{"match", "secret-key", "secret-key", true},
		{"mismatch", "wrong-key", "secret-key", false},
		{"empty provided", "", "secret-key", false},
		{"empty config", "secret-key", "", false},
		{"both empty", "", "", false},
		{"different length", "short", "secret-key", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateAPIKey(tt.provided, tt.config); got != tt.want {
				t.Errorf("ValidateAPIKey(%q, %q) = %v, want %v", tt.provided, tt.config, got, tt.want)
			}
		})
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer my-key", "my-key", false},
		{"missing header", "", "", true},
		{"no bearer prefix", "Basic my-key", "", true},
		{"empty key", "Bearer ", "", true},
		{"whitespace key", "Bearer    ", "", true},
		{"padded key", "Bearer  my-key ", "my-key", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			got, err := ExtractAPIKey(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("key = %q, want %q", got, tt.want)
			}
		})
	}
}
