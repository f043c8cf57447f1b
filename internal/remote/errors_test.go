package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestFromResponse(t *testing.T) {
	tests := []struct {
		status, code int
		want         Kind
	}{
		{503, CodeAPIOffline, KindMaintenance},
		{503, 0, KindServer},
		{500, 0, KindServer},
		{504, 0, KindTimeout},
		{404, 0, KindTimeout},
		{408, 0, KindTimeout},
		{422, CodeInvalidCursor, KindInvalidCursor},
		{422, 2000, KindClient},
		{401, 0, KindClient},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.status, tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, FromResponse(tt.status, tt.code, "").Kind)
		})
	}
}

func TestClassify(t *testing.T) {
	wrapped := fmt.Errorf("fetch events: %w", FromResponse(500, 0, "boom"))
	dial := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

	assert.Equal(t, KindServer, Classify(wrapped))
	assert.Equal(t, KindTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, Classify(fmt.Errorf("get: %w", timeoutErr{})))
	assert.Equal(t, KindUnreachable, Classify(dial))
	assert.Equal(t, KindUnreachable, Classify(&net.DNSError{Err: "no such host", Name: "mail.example"}))
	assert.Equal(t, KindUnknown, Classify(errors.New("odd")))
	assert.Equal(t, KindUnknown, Classify(nil))
}

func TestTransient(t *testing.T) {
	assert.True(t, KindTimeout.Transient())
	assert.True(t, KindUnreachable.Transient())
	assert.True(t, KindServer.Transient())
	assert.True(t, KindMaintenance.Transient())
	assert.False(t, KindClient.Transient())
	assert.False(t, KindInvalidCursor.Transient())
	assert.False(t, KindUnknown.Transient())
}

func TestBatchFlags(t *testing.T) {
	b := &EventBatch{Refresh: RefreshContacts, More: 1}
	assert.False(t, b.RequiresRefresh())
	assert.True(t, b.HasMore())
	b.Refresh = RefreshAll
	assert.True(t, b.RequiresRefresh())
}
