package process

import (
	"testing"

	"streamgate/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		line   string
		kind   domain.ErrorKind
		reason string
	}{
		{"[rtsp @ 0x55d] method DESCRIBE failed: 401 Unauthorized", domain.ErrorKindSourceUnreachable, "auth_failed"},
		{"rtsp://cam/stream: Connection refused", domain.ErrorKindSourceUnreachable, "connection_refused"},
		{"rtsp://10.0.0.9/live: Connection timed out", domain.ErrorKindSourceUnreachable, "timeout"},
		{"Failed to resolve hostname cam.local: Name or service not known", domain.ErrorKindSourceUnreachable, "dns"},
		{"rtsp://cam/x: Invalid data found when processing input", domain.ErrorKindStreamUnavailable, "invalid_data"},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			d, ok := Classify(tt.line)
			assert.True(t, ok)
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.line, d.Line)
		})
	}
}

func TestClassify_IgnoresProgressLines(t *testing.T) {
	_, ok := Classify("frame=  120 fps= 15 q=-1.0 size=N/A time=00:00:08.00 bitrate=N/A speed=1x")
	assert.False(t, ok)
}
