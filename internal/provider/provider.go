// Package provider implements the delivery channels behind the dispatcher:
// email via SES and mobile push via SNS platform endpoints, plus a logging
// provider for environments without credentials.
package provider

import (
	"context"
	"encoding/json"
)

// Channel names
const (
	ChannelAPNS  = "apns"
	ChannelFCM   = "fcm"
	ChannelEmail = "email"
)

// Payload is one rendered notification ready to send.
type Payload struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Provider sends a payload to one destination: an email address for the
// email channel, a device token for push channels. Implementations must be
// safe for concurrent use.
type Provider interface {
	Send(ctx context.Context, destination string, payload Payload) error
}
