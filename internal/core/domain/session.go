package domain

import "time"

type SessionState string

const (
	StateStarting SessionState = "starting"
	StateLive     SessionState = "live"
	StateDegraded SessionState = "degraded"
	StateStopping SessionState = "stopping"
	StateStopped  SessionState = "stopped"
)

// Active reports whether the state counts toward the one-session-per-key rule.
func (s SessionState) Active() bool {
	switch s {
	case StateStarting, StateLive, StateDegraded:
		return true
	}
	return false
}

// StopReason records why a session left the active states.
type StopReason string

const (
	StopReasonRequested StopReason = "requested"
	StopReasonIdle      StopReason = "idle"
	StopReasonExited    StopReason = "exited"
	StopReasonFailed    StopReason = "failed"
	StopReasonShutdown  StopReason = "shutdown"
)

type SessionStatus struct {
	StreamKey       StreamKey    `json:"streamKey"`
	Source          string       `json:"source"`
	Profile         Profile      `json:"profile"`
	State           SessionState `json:"state"`
	SubscriberCount int          `json:"subscriberCount"`
	RetryCount      int          `json:"retryCount"`
	LastActivity    time.Time    `json:"lastActivity"`
	LastOutput      time.Time    `json:"lastOutput,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	StoppedAt       time.Time    `json:"stoppedAt,omitempty"`
	StopReason      StopReason   `json:"stopReason,omitempty"`
	LastError       ErrorKind    `json:"lastError,omitempty"`
	LastErrorDetail string       `json:"lastErrorDetail,omitempty"`
	PID             int          `json:"pid,omitempty"`
	EngineLog       []string     `json:"engineLog,omitempty"`
	PlaybackPath    string       `json:"playbackPath,omitempty"`
}
