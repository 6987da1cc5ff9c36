// Package validate holds the contract-enforcement utilities every mutating
// entrypoint runs before touching storage: bounded strings, the secret-key
// ban for payload metadata, desired-summary sanitizers for runner-reported
// hosts and gateways, and the run-event sanitizer.
//
// Rejections are errdefs.Conflict with one-line messages; callers surface
// them unchanged.
package validate

import (
	"regexp"
	"strings"
	"time"

	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/redact"
	"github.com/clawlets/clawlets/pkg/types"
)

// Bounds shared across entrypoints.
const (
	MaxJobKindLen        = 128
	MaxRunEventsPerBatch = 200
	MaxRunEventMessage   = 4096
	MaxSummaryEntries    = 256
	MaxSummaryEntryLen   = 256
	MaxSummaryCount      = 10000
)

var (
	jobKindPattern   = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	base64urlPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// bannedPayloadKeys are the lowercased trimmed key names that must never
// appear anywhere in non-secret payload metadata.
var bannedPayloadKeys = map[string]bool{
	"value":      true,
	"token":      true,
	"key":        true,
	"password":   true,
	"secret":     true,
	"apikey":     true,
	"privatekey": true,
}

// EnsureBoundedString rejects empty, over-long, or control-character
// strings.
func EnsureBoundedString(value, field string, max int) error {
	if value == "" {
		return errdefs.Conflict("%s must not be empty", field)
	}
	return EnsureOptionalBoundedString(value, field, max)
}

// EnsureOptionalBoundedString is EnsureBoundedString for fields that may be
// absent.
func EnsureOptionalBoundedString(value, field string, max int) error {
	if len(value) > max {
		return errdefs.Conflict("%s exceeds %d bytes", field, max)
	}
	for _, r := range value {
		if r < 0x20 || r == 0x7f {
			return errdefs.Conflict("%s contains control characters", field)
		}
	}
	return nil
}

// EnsureJobKind normalizes and validates a job kind.
func EnsureJobKind(kind string) (string, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return "", errdefs.Conflict("kind must not be empty")
	}
	if len(kind) > MaxJobKindLen {
		return "", errdefs.Conflict("kind exceeds %d bytes", MaxJobKindLen)
	}
	if !jobKindPattern.MatchString(kind) {
		return "", errdefs.Conflict("kind %q contains invalid characters", kind)
	}
	return kind, nil
}

// AssertNoSecretLikeKeys walks payload metadata and rejects any key whose
// lowercased trimmed name is in the banned set, at any nesting depth.
func AssertNoSecretLikeKeys(payload map[string]interface{}) error {
	return walkKeys(payload)
}

func walkKeys(v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			if bannedPayloadKeys[strings.ToLower(strings.TrimSpace(k))] {
				return errdefs.Conflict("payload key %q is secret-like; use sealed input instead", k)
			}
			if err := walkKeys(child); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, child := range val {
			if err := walkKeys(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// EnsureSealedEnvelopeB64 validates the opaque envelope string: non-empty,
// base64url charset, bounded size. The charset check also excludes control
// characters.
func EnsureSealedEnvelopeB64(envelope string) error {
	if envelope == "" {
		return errdefs.Conflict("sealed input must not be empty")
	}
	if len(envelope) > types.MaxSealedInputBytes {
		return errdefs.Conflict("sealed input exceeds %d bytes", types.MaxSealedInputBytes)
	}
	if !base64urlPattern.MatchString(envelope) {
		return errdefs.Conflict("sealed input is not base64url")
	}
	return nil
}

// EnsureRepoRelativePath validates a repo-relative path field: no leading
// slash, no drive prefix, no dot-dot segments, no control characters.
func EnsureRepoRelativePath(p, field string) error {
	if err := EnsureBoundedString(p, field, 1024); err != nil {
		return err
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return errdefs.Conflict("%s must be repo-relative", field)
	}
	if len(p) >= 2 && p[1] == ':' {
		return errdefs.Conflict("%s must not carry a drive prefix", field)
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return errdefs.Conflict("%s must not contain '..' segments", field)
		}
	}
	return nil
}

// SanitizeHostSummary clips a runner-reported host summary into bounds.
func SanitizeHostSummary(s types.HostSummary) types.HostSummary {
	return types.HostSummary{
		ServiceCount:   clampCount(s.ServiceCount),
		ContainerCount: clampCount(s.ContainerCount),
		SSHPort:        clampPort(s.SSHPort),
		HTTPPort:       clampPort(s.HTTPPort),
		Profiles:       clampStrings(s.Profiles),
		Tags:           clampStrings(s.Tags),
	}
}

// SanitizeGatewaySummary clips a runner-reported gateway summary into
// bounds.
func SanitizeGatewaySummary(s types.GatewaySummary) types.GatewaySummary {
	return types.GatewaySummary{
		ListenPort:    clampPort(s.ListenPort),
		UpstreamCount: clampCount(s.UpstreamCount),
		Routes:        clampStrings(s.Routes),
	}
}

func clampCount(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxSummaryCount {
		return MaxSummaryCount
	}
	return n
}

func clampPort(p int) int {
	if p < 1 {
		return 1
	}
	if p > 65535 {
		return 65535
	}
	return p
}

func clampStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	if len(in) > MaxSummaryEntries {
		in = in[:MaxSummaryEntries]
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if len(s) > MaxSummaryEntryLen {
			s = s[:MaxSummaryEntryLen]
		}
		out = append(out, s)
	}
	return out
}

// RunEventInput is one runner-reported event before storage.
type RunEventInput struct {
	TS       time.Time
	Level    string
	Message  string
	Phase    string
	ExitCode *int
}

// SanitizeRunEvents validates and rewrites a runner event batch for
// storage: batch size, level enum, trimmed and redacted messages clamped to
// the stored maximum, and meta carrying either a known phase tag or an exit
// code in [-1, 255].
func SanitizeRunEvents(events []RunEventInput) ([]RunEventInput, error) {
	if len(events) > MaxRunEventsPerBatch {
		return nil, errdefs.Conflict("event batch exceeds %d entries", MaxRunEventsPerBatch)
	}

	out := make([]RunEventInput, 0, len(events))
	for i, ev := range events {
		switch types.RunEventLevel(ev.Level) {
		case types.RunEventDebug, types.RunEventInfo, types.RunEventWarn, types.RunEventError:
		default:
			return nil, errdefs.Conflict("event %d: invalid level %q", i, ev.Level)
		}

		msg := redact.Redact(strings.TrimSpace(ev.Message))
		if len(msg) > MaxRunEventMessage {
			msg = msg[:MaxRunEventMessage]
		}

		if ev.Phase != "" && ev.ExitCode != nil {
			return nil, errdefs.Conflict("event %d: meta carries both phase and exit code", i)
		}
		if ev.Phase != "" && !validPhase(ev.Phase) {
			return nil, errdefs.Conflict("event %d: unknown phase %q", i, ev.Phase)
		}
		if ev.ExitCode != nil && (*ev.ExitCode < -1 || *ev.ExitCode > 255) {
			return nil, errdefs.Conflict("event %d: exit code %d out of range", i, *ev.ExitCode)
		}

		out = append(out, RunEventInput{
			TS:       ev.TS,
			Level:    ev.Level,
			Message:  msg,
			Phase:    ev.Phase,
			ExitCode: ev.ExitCode,
		})
	}
	return out, nil
}

func validPhase(phase string) bool {
	for _, p := range types.RunPhases {
		if types.RunPhase(phase) == p {
			return true
		}
	}
	return false
}
