package domain

import (
	"fmt"
	"strings"
	"time"
)

// Severity represents the severity reported by a source for a job.
type Severity string

// Severity levels.
const (
	SeverityLog      Severity = "LOG"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
	SeverityAPIError Severity = "API_ERROR"
)

// ParseSeverity parses a source status value. "OK" is accepted as a healthy alias of LOG.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOG", "OK":
		return SeverityLog, nil
	case "WARNING":
		return SeverityWarning, nil
	case "ERROR":
		return SeverityError, nil
	case "CRITICAL":
		return SeverityCritical, nil
	case "API_ERROR":
		return SeverityAPIError, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// IsValid checks if the severity is valid.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLog, SeverityWarning, SeverityError, SeverityCritical, SeverityAPIError:
		return true
	}
	return false
}

// IsHealthy reports whether the severity means the job needs no attention.
func (s Severity) IsHealthy() bool {
	return s == SeverityLog
}

// Rank orders severities for display. Higher is more urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	case SeverityAPIError:
		return 1
	case SeverityLog:
		return 0
	}
	return -1
}

// IncidentState represents the lifecycle state of an incident.
type IncidentState string

// Incident states.
const (
	IncidentStatePending   IncidentState = "PENDING"
	IncidentStateResponded IncidentState = "RESPONDED"
	IncidentStateResolved  IncidentState = "RESOLVED"
)

// IsValid checks if the state is valid.
func (s IncidentState) IsValid() bool {
	switch s {
	case IncidentStatePending, IncidentStateResponded, IncidentStateResolved:
		return true
	}
	return false
}

// IsOpen reports whether the incident still counts against its job.
func (s IncidentState) IsOpen() bool {
	return s != IncidentStateResolved
}

// Priority is the operator-assigned priority of an incident.
type Priority string

// Priorities. The empty value means unassigned.
const (
	PriorityNone Priority = ""
	PriorityP1   Priority = "P1"
	PriorityP2   Priority = "P2"
	PriorityP3   Priority = "P3"
	PriorityP4   Priority = "P4"
)

// IsValid checks if the priority is one of P1..P4.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityP1, PriorityP2, PriorityP3, PriorityP4:
		return true
	}
	return false
}

// Incident is the durable record of a failing job.
type Incident struct {
	ID              string        `json:"id"`
	SourceID        string        `json:"source_id"`
	SourceJobID     string        `json:"source_job_id"`
	JobName         string        `json:"job_name"`
	Severity        Severity      `json:"severity"`
	Priority        Priority      `json:"priority"`
	State           IncidentState `json:"state"`
	LogLink         string        `json:"log_link"`
	ResponderID     *string       `json:"responder_id"`
	ResponderName   *string       `json:"responder_name"`
	FirstDetectedAt time.Time     `json:"first_detected_at"`
	LastSeenAt      time.Time     `json:"last_seen_at"`
	RespondedAt     *time.Time    `json:"responded_at"`
	ResolvedAt      *time.Time    `json:"resolved_at"`
	IncNumber       string        `json:"inc_number"`
	IncLink         string        `json:"inc_link"`
	ResolutionNotes string        `json:"resolution_notes"`
	Version         int           `json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Clone returns a deep copy of the incident.
func (i *Incident) Clone() *Incident {
	c := *i
	c.ResponderID = clonePtr(i.ResponderID)
	c.ResponderName = clonePtr(i.ResponderName)
	c.RespondedAt = clonePtr(i.RespondedAt)
	c.ResolvedAt = clonePtr(i.ResolvedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// AuditAction identifies what changed on an incident.
type AuditAction string

// Audit actions.
const (
	AuditActionDetected        AuditAction = "detected"
	AuditActionSeverityChanged AuditAction = "severity_changed"
	AuditActionResponded       AuditAction = "responded"
	AuditActionPriorityChanged AuditAction = "priority_changed"
	AuditActionTicketUpdated   AuditAction = "ticket_updated"
	AuditActionResolved        AuditAction = "resolved"
	AuditActionAutoResolved    AuditAction = "auto_resolved"
)

// SystemActor is recorded for changes made by the reconciliation cycle.
const SystemActor = "system"

// AuditEntry is an append-only record of a change to an incident.
type AuditEntry struct {
	ID         string      `json:"id"`
	IncidentID string      `json:"incident_id"`
	Action     AuditAction `json:"action"`
	Actor      string      `json:"actor"`
	Details    string      `json:"details"`
	CreatedAt  time.Time   `json:"created_at"`
}
