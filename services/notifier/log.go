package notifier

import (
	"log/slog"

	"github.com/DytallixHQ/Dytallix-sub009/consensus/reviewqueue"
)

// LogNotifier writes review events to the structured log. It is the fallback
// when no webhook endpoints are configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier builds a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) HighRiskQueued(entry *reviewqueue.Entry) {
	if entry == nil {
		return
	}
	l.logger.Warn("high-risk transaction queued for review",
		"queue_id", entry.QueueID, "tx", entry.TxHash,
		"risk", entry.RiskScore, "priority", entry.Priority.String(), "tags", entry.Tags)
}

func (l *LogNotifier) EntryExpired(entry *reviewqueue.Entry) {
	if entry == nil {
		return
	}
	l.logger.Warn("review entry expired unreviewed", "queue_id", entry.QueueID, "tx", entry.TxHash)
}

func (l *LogNotifier) ReviewTimedOut(entry *reviewqueue.Entry) {
	if entry == nil {
		return
	}
	l.logger.Warn("review exceeded its deadline", "queue_id", entry.QueueID, "tx", entry.TxHash, "officer", entry.Status.Officer)
}

func (l *LogNotifier) CapacityWarning(depth, capacity int) {
	l.logger.Warn("review queue approaching capacity", "depth", depth, "capacity", capacity)
}

var _ reviewqueue.Notifier = (*LogNotifier)(nil)
var _ reviewqueue.Notifier = (*Dispatcher)(nil)
