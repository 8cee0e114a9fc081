package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/libraryops/internal/domain"
)

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "library_notifications_total",
	Help: "Borrow notifications by event type and outcome",
}, []string{"event_type", "outcome"})

const dateLayout = "Jan 2, 2006"

// Worker turns borrow events into SMS messages. Delivery is attempted once;
// failures are logged and counted.
type Worker struct {
	sender  Sender
	timeout time.Duration
	logger  *slog.Logger
}

func NewWorker(sender Sender, timeout time.Duration, logger *slog.Logger) *Worker {
	return &Worker{sender: sender, timeout: timeout, logger: logger}
}

// Handle has the events.Handler shape.
func (w *Worker) Handle(ctx context.Context, e domain.Event) {
	if e.ContactNumber == "" {
		notificationsTotal.WithLabelValues(string(e.Type), "skipped").Inc()
		return
	}
	text, ok := Compose(e)
	if !ok {
		notificationsTotal.WithLabelValues(string(e.Type), "skipped").Inc()
		return
	}

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	err := w.sender.Send(ctx, Message{To: e.ContactNumber, Message: text})
	if err != nil {
		outcome := "failed"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		notificationsTotal.WithLabelValues(string(e.Type), outcome).Inc()
		w.logger.WarnContext(ctx, "notification not delivered",
			"event_type", e.Type, "request_id", e.RequestID, "student_id", e.StudentID, "error", err)
		return
	}

	notificationsTotal.WithLabelValues(string(e.Type), "sent").Inc()
	w.logger.InfoContext(ctx, "notification sent", "event_type", e.Type, "request_id", e.RequestID)
}

// Compose renders the SMS text for e. Events students don't need to hear
// about report false.
func Compose(e domain.Event) (string, bool) {
	switch e.Type {
	case domain.EventApproved:
		due := ""
		if e.DueDate != nil {
			due = fmt.Sprintf(" Please return it by %s.", e.DueDate.Format(dateLayout))
		}
		return fmt.Sprintf("Hi %s, your request for %q was approved.%s", e.StudentName, e.BookTitle, due), true
	case domain.EventDenied:
		return fmt.Sprintf("Hi %s, your request for %q was denied. Please see the librarian.", e.StudentName, e.BookTitle), true
	case domain.EventOverdue:
		return fmt.Sprintf("OVERDUE: %q is past due. Your late fee is now %s. Please return it as soon as possible.",
			e.BookTitle, e.LateFee.StringFixed(2)), true
	case domain.EventReturned:
		if e.TotalFee.IsPositive() {
			return fmt.Sprintf("Thank you for returning %q. Outstanding fees: %s.", e.BookTitle, e.TotalFee.StringFixed(2)), true
		}
		return fmt.Sprintf("Thank you for returning %q.", e.BookTitle), true
	case domain.EventPaid:
		return fmt.Sprintf("Payment of %s for %q received. Thank you.", e.TotalFee.StringFixed(2), e.BookTitle), true
	}
	return "", false
}
