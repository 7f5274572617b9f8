package process

import (
	"fmt"
	"strconv"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
)

// EncodeOptions are the engine-wide knobs that do not depend on the request.
type EncodeOptions struct {
	LogLevel        string
	SocketTimeout   time.Duration
	FrameRate       int
	SegmentDuration time.Duration
	Preset          string
}

// BuildArgs assembles the engine command line for one incarnation. The
// arguments never pass through a shell.
func BuildArgs(opts EncodeOptions, req ports.LaunchRequest) ([]string, error) {
	if req.SourceURL == "" {
		return nil, fmt.Errorf("missing source url")
	}
	if len(req.OutputArgs) == 0 {
		return nil, fmt.Errorf("missing output arguments")
	}

	logLevel := opts.LogLevel
	if logLevel == "" {
		logLevel = "warning"
	}
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-nostats",
		"-loglevel", logLevel,
	}
	args = append(args, inputArgs(opts, req.SourceURL, req.Profile)...)

	videoArgs, err := encodeArgs(opts, req.Profile)
	if err != nil {
		return nil, err
	}
	args = append(args, videoArgs...)
	args = append(args, req.OutputArgs...)
	return args, nil
}

func inputArgs(opts EncodeOptions, sourceURL string, p domain.Profile) []string {
	transport := p.Transport
	if transport == "" {
		transport = domain.TransportTCP
	}
	args := []string{
		"-rtsp_transport", string(transport),
		"-fflags", "+genpts+discardcorrupt",
	}
	if opts.SocketTimeout > 0 {
		// microseconds
		args = append(args, "-timeout", strconv.FormatInt(opts.SocketTimeout.Microseconds(), 10))
	}
	return append(args, "-i", sourceURL)
}

// encodeArgs copies the source video when possible. Relay delivery always
// re-encodes to constrained baseline H.264 so browsers can decode it.
func encodeArgs(opts EncodeOptions, p domain.Profile) ([]string, error) {
	res, scaled, err := domain.ParseResolution(p.Resolution)
	if err != nil {
		return nil, err
	}

	transcode := scaled || p.Delivery == domain.DeliveryWebRTC
	if !transcode {
		return []string{"-map", "0:v:0", "-an", "-c:v", "copy"}, nil
	}

	fps := opts.FrameRate
	if fps <= 0 {
		fps = 15
	}
	preset := opts.Preset
	if preset == "" {
		preset = "veryfast"
	}
	gop := strconv.Itoa(fps * 2)

	args := []string{
		"-map", "0:v:0", "-an",
		"-c:v", "libx264",
		"-preset", preset,
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(fps),
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",
	}
	if p.Delivery == domain.DeliveryWebRTC {
		args = append(args, "-profile:v", "baseline", "-bf", "0")
	} else {
		args = append(args, "-profile:v", "main")
		if opts.SegmentDuration > 0 {
			args = append(args, "-force_key_frames",
				fmt.Sprintf("expr:gte(t,n_forced*%g)", opts.SegmentDuration.Seconds()))
		}
	}
	if scaled {
		args = append(args, "-vf", fmt.Sprintf(
			"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
			res.Width, res.Height, res.Width, res.Height))
	}
	return args, nil
}

// SnapshotArgs grabs a single JPEG frame to stdout.
func SnapshotArgs(opts EncodeOptions, sourceURL string, p domain.Profile) ([]string, error) {
	res, scaled, err := domain.ParseResolution(p.Resolution)
	if err != nil {
		return nil, err
	}
	args := []string{"-nostdin", "-hide_banner", "-nostats", "-loglevel", "error"}
	args = append(args, inputArgs(opts, sourceURL, p)...)
	args = append(args, "-frames:v", "1", "-an")
	if scaled {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", res.Width, res.Height))
	}
	return append(args, "-q:v", "3", "-f", "image2", "-c:v", "mjpeg", "pipe:1"), nil
}
