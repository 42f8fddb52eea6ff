// Package notify delivers workflow notifications.
//
// The workflow engine and the sweep emit a Message per transition (an
// approval request, a reminder, an escalation or a final outcome). A
// Notifier decides where it goes: LogNotifier writes it to the log,
// WebhookNotifier posts it as signed JSON with retries, and Multi fans out
// to several. Async and Instrument wrap any Notifier.
//
// Webhook bodies are signed with HMAC-SHA256 over the raw body and sent in
// the X-Gatekeeper-Signature header as "sha256=<hex>". Receivers check it
// with VerifySignature.
package notify
