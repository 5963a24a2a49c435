// Package notify turns terminal task events into email notification jobs and
// delivers them.
//
// The Dispatcher consumes queue.Event messages from the task queue's terminal
// topic and submits a notification job per event to the notification engine.
// Notification handlers render a plain-text message and hand it to a Mailer.
// Delivery failures surface as handler errors, so the notification queue
// retries them independently of the task that triggered them.
package notify
