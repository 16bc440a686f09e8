// Package models defines the wire types shared by the server and its
// command-line client.
package models

import "time"

// Audit outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeDenied  = "denied"
	OutcomeFailed  = "failed"
	OutcomeAborted = "aborted"
)

// AuditRecord is one entry of the administrative audit trail.
type AuditRecord struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	User       string    `json:"user,omitempty"`
	Library    string    `json:"library,omitempty"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AuditFilter narrows an audit listing. Zero fields match everything.
type AuditFilter struct {
	Action  string
	Library string
	Limit   int
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	Engine  string `json:"engine"`
	Audit   string `json:"audit,omitempty"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

// ServerInfo is returned by the serverinfo command.
type ServerInfo struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Running   bool     `json:"running"`
	Libraries []string `json:"libraries"`
	Actions   int      `json:"actions"`
	PostLimit string   `json:"post_limit,omitempty"`
}
