// Package notifier delivers alarm reminders.
//
// Scheduler implements alarm.Notifier: it keeps at most one pending one-shot
// timer per alarm and, when a timer fires, hands the reminder to Service.
//
// Service is an async pipeline: a bounded queue drained by supervised workers,
// throttled with a token bucket and retried with jittered exponential backoff.
// Delivery goes through a transport.Sender (Telegram or the log). Outcomes are
// published on the event bus as notifier.sent, notifier.failed and
// notifier.dropped, and a short history is kept for diagnostics.
package notifier
