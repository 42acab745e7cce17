package rtsp

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies a GStreamer bus error for reconnect/telemetry
// decisions: network errors are worth retrying, codec errors usually
// are not, auth errors need new credentials.
type ErrorCategory int

const (
	ErrCategoryNetwork ErrorCategory = iota
	ErrCategoryCodec
	ErrCategoryAuth
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

var authKeywords = []string{"unauthorized", "401", "403", "forbidden", "authentication", "credentials", "password", "username"}
var codecKeywords = []string{"codec", "decode", "encode", "format", "negotiation", "caps", "h264", "h265", "mjpeg", "jpeg", "not negotiated", "no decoder", "missing plugin"}
var networkKeywords = []string{"connection", "timeout", "unreachable", "network", "dns", "resolve", "socket", "tcp", "udp", "rtsp", "not found", "could not connect", "failed to connect"}

// ClassifyGStreamerError heuristically classifies gerr from its message
// and debug string; go-gst's GError does not expose a structured
// error domain, so string matching is the available signal.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	combined := strings.ToLower(gerr.Error() + " " + gerr.DebugString())

	switch {
	case containsAny(combined, authKeywords):
		return ErrCategoryAuth
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
