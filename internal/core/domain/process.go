package domain

import "time"

// ProcessRecord is a ledger entry for a running engine process.
type ProcessRecord struct {
	StreamKey StreamKey `json:"streamKey"`
	PID       int       `json:"pid"`
	Binary    string    `json:"binary"`
	WorkDir   string    `json:"workDir,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}
