package notifier

import "time"

// Config controls the async alert pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// AdminChatIDs receive every alert.
	AdminChatIDs []int64
}

// Severity orders alerts. It maps to a visual prefix on delivery.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
	SeveritySuccess
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	case SeveritySuccess:
		return "success"
	default:
		return "info"
	}
}

// Alert is one operator notification. Title renders bold; Body is plain text.
type Alert struct {
	Title    string
	Body     string
	Severity Severity
}
