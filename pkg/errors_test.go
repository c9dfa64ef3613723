package pkg

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsUnreachable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connect refused", ErrConnectRefused, true},
		{"connect timeout", ErrConnectTimeout, true},
		{"signaling failed", ErrSignalingFailed, true},
		{"wrapped refused", fmt.Errorf("dialing peer: %w", ErrConnectRefused), true},
		{"request timeout", ErrRequestTimeout, false},
		{"no route", ErrNoRoute, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUnreachable(tt.err))
		})
	}
}

func TestRemoteError(t *testing.T) {
	err := &RemoteError{Code: 7, Message: "handler rejected payload"}
	assert.Equal(t, "remote error 7: handler rejected payload", err.Error())

	wrapped := fmt.Errorf("request failed: %w", err)
	var remote *RemoteError
	assert.True(t, errors.As(wrapped, &remote))
	assert.Equal(t, 7, remote.Code)
}
