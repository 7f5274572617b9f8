package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

type StreamKey string

type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

type DeliveryMode string

const (
	DeliveryHLS    DeliveryMode = "hls"
	DeliveryWebRTC DeliveryMode = "webrtc"
)

// Profile selects how a source is pulled and delivered. Two requests share a
// session only when their normalized profiles are equal.
type Profile struct {
	Transport  Transport    `json:"transport,omitempty" yaml:"transport"`
	Resolution string       `json:"resolution,omitempty" yaml:"resolution"`
	Delivery   DeliveryMode `json:"delivery,omitempty" yaml:"delivery"`
}

type Resolution struct {
	Width  int
	Height int
}

var namedResolutions = map[string]Resolution{
	"low":    {Width: 640, Height: 360},
	"medium": {Width: 1280, Height: 720},
	"high":   {Width: 1920, Height: 1080},
}

// ParseResolution accepts "", a named preset, or "WxH". The empty string means
// the source resolution is kept and returns ok=false.
func ParseResolution(s string) (res Resolution, ok bool, err error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "source" {
		return Resolution{}, false, nil
	}
	if r, found := namedResolutions[s]; found {
		return r, true, nil
	}

	w, h, found := strings.Cut(s, "x")
	if !found {
		return Resolution{}, false, fmt.Errorf("%w: resolution %q", ErrInvalidProfile, s)
	}
	width, errW := strconv.Atoi(w)
	height, errH := strconv.Atoi(h)
	if errW != nil || errH != nil || width < 16 || height < 16 || width > 7680 || height > 4320 {
		return Resolution{}, false, fmt.Errorf("%w: resolution %q", ErrInvalidProfile, s)
	}
	// libx264 requires even dimensions
	return Resolution{Width: width &^ 1, Height: height &^ 1}, true, nil
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Normalize fills empty fields from defaults and canonicalizes values.
func (p Profile) Normalize(defaults Profile) (Profile, error) {
	out := Profile{
		Transport:  Transport(strings.ToLower(strings.TrimSpace(string(p.Transport)))),
		Resolution: strings.ToLower(strings.TrimSpace(p.Resolution)),
		Delivery:   DeliveryMode(strings.ToLower(strings.TrimSpace(string(p.Delivery)))),
	}
	if out.Transport == "" {
		out.Transport = defaults.Transport
	}
	if out.Delivery == "" {
		out.Delivery = defaults.Delivery
	}
	if out.Resolution == "" {
		out.Resolution = defaults.Resolution
	}

	switch out.Transport {
	case TransportTCP, TransportUDP:
	default:
		return Profile{}, fmt.Errorf("%w: transport %q", ErrInvalidProfile, out.Transport)
	}
	switch out.Delivery {
	case DeliveryHLS, DeliveryWebRTC:
	default:
		return Profile{}, fmt.Errorf("%w: delivery %q", ErrInvalidProfile, out.Delivery)
	}

	res, ok, err := ParseResolution(out.Resolution)
	if err != nil {
		return Profile{}, err
	}
	if ok {
		out.Resolution = res.String()
	} else {
		out.Resolution = ""
	}
	return out, nil
}

// NewStreamKey derives the key from a normalized profile. The source URL is
// compared after lowercasing scheme and host.
func NewStreamKey(sourceURL string, p Profile) StreamKey {
	h := sha256.New()
	h.Write([]byte(normalizeSourceURL(sourceURL)))
	h.Write([]byte{0})
	h.Write([]byte(p.Transport))
	h.Write([]byte{0})
	h.Write([]byte(p.Resolution))
	h.Write([]byte{0})
	h.Write([]byte(p.Delivery))
	return StreamKey(hex.EncodeToString(h.Sum(nil))[:20])
}

func normalizeSourceURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

const redactedUserinfo = "***"

// RedactURL hides credentials so the URL can be logged or returned.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid-url>"
	}
	if u.User == nil {
		return u.String()
	}
	u.User = nil
	rest := strings.TrimPrefix(u.String(), u.Scheme+"://")
	return u.Scheme + "://" + redactedUserinfo + "@" + rest
}

var userinfoPattern = regexp.MustCompile(`([A-Za-z][A-Za-z0-9+.-]*://)[^/\s@]+@`)

// RedactText removes credentials from free-form text such as engine output.
// Occurrences of sourceURL are replaced by its redacted form, and any other
// scheme://user:pass@ prefix loses its userinfo.
func RedactText(text, sourceURL string) string {
	if sourceURL != "" && strings.Contains(text, sourceURL) {
		text = strings.ReplaceAll(text, sourceURL, RedactURL(sourceURL))
	}
	return userinfoPattern.ReplaceAllString(text, "${1}"+redactedUserinfo+"@")
}

func (k StreamKey) Valid() bool {
	if len(k) != 20 {
		return false
	}
	for _, c := range k {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
