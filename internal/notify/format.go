package notify

import (
	"encoding/json"
	"strings"
)

// recipientFields maps an event-type prefix to the payload field naming the
// user who should be notified. Events about a post notify its owner, social
// graph events notify the followed address, and transfers notify the
// receiving address.
var recipientFields = []struct {
	prefix string
	field  string
}{
	{"reaction.", "post_owner"},
	{"like.", "post_owner"},
	{"repost.", "post_owner"},
	{"comment.", "post_owner"},
	{"follow.", "following_address"},
	{"unfollow.", "following_address"},
	{"tip.", "recipient_address"},
	{"spt.", "recipient_address"},
	{"message.", "recipient_address"},
}

// ExtractRecipients pulls notification targets out of an event payload.
// An empty result means the event carries nothing to notify about; that is
// not an error.
func ExtractRecipients(eventType string, payload json.RawMessage) []string {
	var data map[string]json.RawMessage
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil
	}

	field := ""
	for _, rf := range recipientFields {
		if strings.HasPrefix(eventType, rf.prefix) {
			field = rf.field
			break
		}
	}
	if field == "" {
		// Governance, prediction, and platform events address whoever the
		// payload names directly.
		field = "recipient_address"
	}

	raw, ok := data[field]
	if !ok {
		return nil
	}

	var addr string
	if err := json.Unmarshal(raw, &addr); err != nil || addr == "" {
		return nil
	}

	return []string{addr}
}

// FormatContent renders the title and body for an event type.
func FormatContent(eventType string) (title, body string) {
	switch {
	case strings.HasPrefix(eventType, "reaction.") || strings.HasPrefix(eventType, "like."):
		return "New Like", "Someone liked your post"
	case strings.HasPrefix(eventType, "repost."):
		return "New Repost", "Someone reposted your post"
	case strings.HasPrefix(eventType, "comment."):
		return "New Comment", "Someone commented on your post"
	case strings.HasPrefix(eventType, "follow."):
		return "New Follower", "Someone started following you"
	case strings.HasPrefix(eventType, "unfollow."):
		return "Follower Update", "Someone unfollowed you"
	case strings.HasPrefix(eventType, "tip."):
		return "New Tip", "You received a tip"
	case strings.HasPrefix(eventType, "spt."):
		return "Token Activity", "You have new token activity"
	case strings.HasPrefix(eventType, "governance."):
		return "Governance Update", "There is a new governance event"
	case strings.HasPrefix(eventType, "prediction."):
		return "Prediction Update", "There is a new prediction event"
	case strings.HasPrefix(eventType, "message."):
		return "New Message", "You have a new message"
	default:
		return "Notification", "You have a new notification"
	}
}
