package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "nil error", err: nil, expected: 0},
		{name: "user error kind", err: &remoteError{Kind: "InvalidArgument", Message: "bad args"}, expected: 1},
		{name: "conflict is a user error", err: &remoteError{Kind: "Conflict", Message: "occ retry exhausted"}, expected: 1},
		{name: "unrecognized remote kind is internal", err: &remoteError{Kind: "Fatal", Message: "boom"}, expected: 2},
		{name: "non-remote error is internal", err: errors.New("connection refused"), expected: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, exitCodeFor(tt.err))
		})
	}
}

func TestRemoteError_Error(t *testing.T) {
	err := &remoteError{Kind: "NotFound", Message: "no such function"}
	assert.Equal(t, "NotFound: no such function", err.Error())
}
