package models

import (
	"strings"

	"github.com/rotisserie/eris"
)

// InstanceStatus is the lifecycle status of an OperationInstance, also used for
// the per-operation-type snapshot kept on a Document.
type InstanceStatus string

const (
	InstanceNotStarted InstanceStatus = "NOT_STARTED"
	InstanceInProgress InstanceStatus = "IN_PROGRESS"
	InstanceCompleted  InstanceStatus = "COMPLETED"
	InstanceFailed     InstanceStatus = "FAILED"
)

// Terminal reports whether no further automatic transition is expected.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed
}

// statusRank orders statuses for MostImportantStatus; higher wins.
var statusRank = map[InstanceStatus]int{
	InstanceCompleted:  1,
	InstanceNotStarted: 2,
	InstanceInProgress: 3,
	InstanceFailed:     4,
}

// MostImportantStatus collapses the statuses of several operation types into the
// single status shown for a document: FAILED > IN_PROGRESS > NOT_STARTED > COMPLETED.
// With no statuses the document has not started.
func MostImportantStatus(statuses ...InstanceStatus) InstanceStatus {
	best := InstanceStatus("")
	for _, s := range statuses {
		if statusRank[s] > statusRank[best] {
			best = s
		}
	}
	if best == "" {
		return InstanceNotStarted
	}
	return best
}

// PageOperationStatus is the status of one (page, instance, extraction type) unit.
type PageOperationStatus string

const (
	PageOpQueued     PageOperationStatus = "QUEUED"
	PageOpInProgress PageOperationStatus = "IN_PROGRESS"
	PageOpCompleted  PageOperationStatus = "COMPLETED"
	PageOpFailed     PageOperationStatus = "FAILED"
)

// Terminal reports whether the page operation is COMPLETED or FAILED.
func (s PageOperationStatus) Terminal() bool {
	return s == PageOpCompleted || s == PageOpFailed
}

// LogStatus is the outcome recorded by an OperationInstanceLog row.
type LogStatus string

const (
	LogInProgress LogStatus = "IN_PROGRESS"
	LogCompleted  LogStatus = "COMPLETED"
	LogFailed     LogStatus = "FAILED"
)

// Priority selects the queue a stage is dispatched to.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority accepts high, normal or low in any case. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	default:
		return "", eris.Errorf("unknown priority %q", s)
	}
}
