package websocket

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCheckOrigin(t *testing.T) {
	tests := []struct {
		name          string
		origin        string
		isDevelopment bool
		want          bool
	}{
		// Always allowed
		{"empty origin", "", false, true},
		{"same host", "https://logs.example.com", false, true},
		{"same host over http", "http://logs.example.com", false, true},

		// Rejected in production
		{"different host", "https://evil.com", false, false},
		{"different port", "https://logs.example.com:9090", false, false},
		{"subdomain", "https://sub.logs.example.com", false, false},

		// Localhost: allowed in dev, rejected in prod
		{"localhost dev", "http://localhost:3000", true, true},
		{"127.0.0.1 dev", "http://127.0.0.1:3000", true, true},
		{"localhost prod rejected", "http://localhost:3000", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewCheckOrigin(tt.isDevelopment)
			r, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "/ws/9001", nil)
			r.Host = "logs.example.com"
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checker(r))
		})
	}
}
