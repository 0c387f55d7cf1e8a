package main

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackCode(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    string
		wantErr string
	}{
		{"ok", "?state=s1&code=abc", "abc", ""},
		{"wrong state", "?state=other&code=abc", "", "invalid state"},
		{"denied", "?state=s1&error=access_denied", "", "auth error: access_denied"},
		{"no code", "?state=s1", "", "missing code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := callbackCode(httptest.NewRequest("GET", "/callback"+tt.query, nil), "s1")
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRandomState(t *testing.T) {
	a, b := randomState(), randomState()
	assert.Len(t, a, 24)
	assert.NotEqual(t, a, b)
}
