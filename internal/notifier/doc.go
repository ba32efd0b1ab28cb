// Package notifier delivers operator alerts to the admin chats.
//
// Alerts are queued and sent asynchronously by a small worker pool with a
// global rate limit and bounded retry. Callers never block on Telegram.
package notifier
