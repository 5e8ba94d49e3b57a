package notify

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tom-assistant/tom/internal/modules/notifications"
	"github.com/tom-assistant/tom/internal/observability"
)

// ReminderWorker wakes once a minute and pushes every due reminder. A
// reminder whose push reaches no device stays pending and is retried on the
// next tick; recurring reminders advance instead of completing.
type ReminderWorker struct {
	store  *notifications.Store
	pusher *Pusher
	logger *observability.Logger
	now    func() time.Time
	cron   *cron.Cron
}

// NewReminderWorker creates the worker without starting it.
func NewReminderWorker(store *notifications.Store, pusher *Pusher, logger *observability.Logger) *ReminderWorker {
	return &ReminderWorker{
		store:  store,
		pusher: pusher,
		logger: logger,
		now:    time.Now,
	}
}

// Start schedules the per-minute tick until ctx is done.
func (w *ReminderWorker) Start(ctx context.Context) error {
	w.cron = cron.New()
	_, err := w.cron.AddFunc("* * * * *", func() { w.Tick(ctx) })
	if err != nil {
		return err
	}
	w.cron.Start()
	go func() {
		<-ctx.Done()
		w.cron.Stop()
	}()
	return nil
}

// Tick processes every due reminder once. Exposed for tests and for a forced
// flush at startup.
func (w *ReminderWorker) Tick(ctx context.Context) {
	due, err := w.store.Due(ctx, w.now())
	if err != nil {
		w.logger.Error(ctx, "due reminder query failed", "error", err)
		return
	}
	for _, reminder := range due {
		title := "Reminder"
		if reminder.Sender != reminder.Recipient {
			title = "Reminder from " + reminder.Sender
		}
		if err := w.pusher.Push(ctx, reminder.Recipient, title, reminder.Message); err != nil {
			// Every token failed; leave the row pending for the next tick.
			w.logger.Warn(ctx, "reminder delivery failed, will retry",
				"id", reminder.ID, "recipient", reminder.Recipient, "error", err)
			continue
		}
		if err := w.store.MarkFired(ctx, reminder); err != nil {
			w.logger.Error(ctx, "reminder bookkeeping failed", "id", reminder.ID, "error", err)
		}
	}
}
