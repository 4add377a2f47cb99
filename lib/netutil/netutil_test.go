// Copyright 2026 The Voicebridge Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"
)

func TestErrorBody(t *testing.T) {
	t.Parallel()

	if got := ErrorBody(strings.NewReader("upstream exploded")); got != "upstream exploded" {
		t.Errorf("ErrorBody = %q, want %q", got, "upstream exploded")
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", errors.Join(errors.New("read failed"), io.EOF), true},
		{"net closed", net.ErrClosed, true},
		{"epipe", syscall.EPIPE, true},
		{"econnreset", syscall.ECONNRESET, true},
		{"other errno", syscall.EINVAL, false},
		{"arbitrary", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsExpectedCloseError(tc.err); got != tc.want {
			t.Errorf("%s: IsExpectedCloseError = %v, want %v", tc.name, got, tc.want)
		}
	}
}
