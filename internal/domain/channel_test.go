package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannelKey(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"port", "9001", false},
		{"dotted label", "worker-1.log_main", false},
		{"empty", "", true},
		{"slash", "a/b", true},
		{"colon", "a:b", true},
		{"space", "a b", true},
		{"too long", strings.Repeat("7", maxChannelKeyLength+1), true},
		{"max length", strings.Repeat("7", maxChannelKeyLength), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseChannelKey(tt.raw)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidChannelKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.raw, key)
		})
	}
}

func TestKeyForPort(t *testing.T) {
	assert.Equal(t, "54012", KeyForPort(54012))
}
