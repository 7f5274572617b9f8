package process

import (
	"strings"

	"streamgate/internal/core/domain"
)

type diagnosticPattern struct {
	needle string
	kind   domain.ErrorKind
	reason string
}

// Matched case-insensitively, first hit wins.
var diagnosticPatterns = []diagnosticPattern{
	{"401 unauthorized", domain.ErrorKindSourceUnreachable, "auth_failed"},
	{"403 forbidden", domain.ErrorKindSourceUnreachable, "auth_failed"},
	{"connection refused", domain.ErrorKindSourceUnreachable, "connection_refused"},
	{"no route to host", domain.ErrorKindSourceUnreachable, "no_route"},
	{"network is unreachable", domain.ErrorKindSourceUnreachable, "no_route"},
	{"404 not found", domain.ErrorKindSourceUnreachable, "not_found"},
	{"timed out", domain.ErrorKindSourceUnreachable, "timeout"},
	{"method describe failed", domain.ErrorKindSourceUnreachable, "describe_failed"},
	{"name or service not known", domain.ErrorKindSourceUnreachable, "dns"},
	{"temporary failure in name resolution", domain.ErrorKindSourceUnreachable, "dns"},
	{"invalid data found when processing input", domain.ErrorKindStreamUnavailable, "invalid_data"},
	{"could not find codec parameters", domain.ErrorKindStreamUnavailable, "no_codec"},
	{"end of file", domain.ErrorKindStreamUnavailable, "eof"},
}

// Classify maps one line of engine output to a diagnostic. ok is false for
// lines that carry no known failure.
func Classify(line string) (domain.Diagnostic, bool) {
	lower := strings.ToLower(line)
	for _, p := range diagnosticPatterns {
		if strings.Contains(lower, p.needle) {
			return domain.Diagnostic{Kind: p.kind, Reason: p.reason, Line: line}, true
		}
	}
	return domain.Diagnostic{}, false
}
