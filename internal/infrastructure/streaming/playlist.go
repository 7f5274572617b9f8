package streaming

import (
	"bytes"
	"fmt"
	"math"
	"time"
)

// Segment is one completed media segment on disk
type Segment struct {
	Sequence      uint64
	Name          string
	Duration      time.Duration
	Discontinuity bool
	CreatedAt     time.Time
}

// renderPlaylist generates a live HLS media playlist (no ENDLIST) for the
// given window. The caller guarantees ascending sequence numbers.
// discontinuitySeq counts discontinuities that already slid out of the window.
func renderPlaylist(window []Segment, minTarget time.Duration, discontinuitySeq uint64) []byte {
	target := int(math.Ceil(minTarget.Seconds()))
	for _, seg := range window {
		if d := int(math.Ceil(seg.Duration.Seconds())); d > target {
			target = d
		}
	}
	if target < 1 {
		target = 1
	}

	var buf bytes.Buffer
	buf.WriteString("#EXTM3U\n")
	buf.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&buf, "#EXT-X-TARGETDURATION:%d\n", target)
	if len(window) > 0 {
		fmt.Fprintf(&buf, "#EXT-X-MEDIA-SEQUENCE:%d\n", window[0].Sequence)
	}
	if discontinuitySeq > 0 {
		fmt.Fprintf(&buf, "#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", discontinuitySeq)
	}

	for _, seg := range window {
		if seg.Discontinuity {
			buf.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		fmt.Fprintf(&buf, "#EXTINF:%.3f,\n", seg.Duration.Seconds())
		buf.WriteString(seg.Name)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
