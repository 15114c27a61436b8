package syncerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{name: "wrapped network", err: fmt.Errorf("commit: %w", ErrNetwork), want: ClassNetwork},
		{name: "offline", err: ErrOffline, want: ClassNetwork},
		{name: "deadline", err: context.DeadlineExceeded, want: ClassNetwork},
		{name: "conn reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: ClassNetwork},
		{name: "conn refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: ClassNetwork},
		{name: "url error", err: &url.Error{Op: "Post", URL: "http://x", Err: errors.New("dial tcp")}, want: ClassNetwork},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: ClassNetwork},
		{name: "validation", err: fmt.Errorf("422: %w", ErrValidation), want: ClassValidation},
		{name: "plain error", err: errors.New("bad payload"), want: ClassValidation},
		{name: "storage", err: fmt.Errorf("set: %w", ErrStorage), want: ClassStorage},
		{name: "cancelled", err: context.Canceled, want: ClassCancelled},
		{name: "cancelled sentinel", err: ErrCancelled, want: ClassCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsNetwork(ErrNetwork))
	assert.False(t, IsNetwork(nil))
	assert.False(t, IsNetwork(ErrValidation))
	assert.True(t, IsCancelled(context.Canceled))
	assert.False(t, IsCancelled(nil))
	assert.Equal(t, "network", ClassNetwork.String())
	assert.Equal(t, "validation", ClassValidation.String())
}
