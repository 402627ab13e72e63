package payment

import "strings"

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusProcessing        Status = "PROCESSING"
	StatusSucceeded         Status = "SUCCEEDED"
	StatusFailed            Status = "FAILED"
	StatusCanceled          Status = "CANCELED"
	StatusRefunded          Status = "REFUNDED"
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
)

var allStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusSucceeded,
	StatusFailed,
	StatusCanceled,
	StatusRefunded,
	StatusPartiallyRefunded,
}

// AllStatuses returns every payment status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func ParseStatus(s string) (Status, bool) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(s)))
	if candidate.IsValid() {
		return candidate, true
	}
	return "", false
}

func (s Status) IsValid() bool {
	for _, st := range allStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// IsTerminal reports statuses from which no further transition is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusCanceled || s == StatusRefunded
}

func (s Status) IsRefundable() bool {
	return s == StatusSucceeded || s == StatusPartiallyRefunded
}

// Rank orders statuses along the lifecycle; a higher rank is further along.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return 2
	case StatusPartiallyRefunded:
		return 3
	case StatusRefunded:
		return 4
	default:
		return -1
	}
}

func (s Status) String() string {
	return string(s)
}

// Source identifies which path requested a transition.
type Source string

const (
	SourceWebhook        Source = "webhook"
	SourceReconciliation Source = "reconciliation"
	SourceDirect         Source = "direct"
)
