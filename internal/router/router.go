// Package router maps event type strings to broker topics. The mapping is a
// pure function: exact matches win over prefixes, the longest matching prefix
// wins otherwise, and anything unmatched routes to the unknown topic so no
// event is ever dropped.
package router

import (
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Broker topic names
const (
	TopicPostReaction      = "events.post.reaction"
	TopicPostRepost        = "events.post.repost"
	TopicPostTip           = "events.post.tip"
	TopicPostCreated       = "events.post.created"
	TopicPostOwnership     = "events.post.ownership"
	TopicCommentCreated    = "events.comment.created"
	TopicSPTCreated        = "events.spt.created"
	TopicGovernanceCreated = "events.governance.created"
	TopicPredictionCreated = "events.prediction.created"
	TopicFollowCreated     = "events.follow.created"
	TopicUnfollowCreated   = "events.unfollow.created"
	TopicPlatformCreated   = "events.platform.created"
	TopicMessageCreated    = "events.message.created"
	TopicUnknown           = "events.unknown"

	// TopicDelivery carries delivery jobs emitted by the notification pipeline.
	TopicDelivery = "notifications.delivery"
)

var exactRoutes = map[string]string{
	"post.created":          TopicPostCreated,
	"ownership.transferred": TopicPostOwnership,
}

var prefixRoutes = map[string]string{
	"reaction.":   TopicPostReaction,
	"repost.":     TopicPostRepost,
	"tip.":        TopicPostTip,
	"comment.":    TopicCommentCreated,
	"follow.":     TopicFollowCreated,
	"unfollow.":   TopicUnfollowCreated,
	"platform.":   TopicPlatformCreated,
	"message.":    TopicMessageCreated,
	"spt.":        TopicSPTCreated,
	"governance.": TopicGovernanceCreated,
	"prediction.": TopicPredictionCreated,
}

// sortedPrefixes holds the prefix table longest-first so the most specific
// prefix wins when one event type matches several.
var sortedPrefixes = func() []string {
	prefixes := make([]string, 0, len(prefixRoutes))
	for p := range prefixRoutes {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})
	return prefixes
}()

// Route returns the destination topic for an event type. Deterministic and
// total: identical input always yields the same topic.
func Route(eventType string) string {
	if topic, ok := exactRoutes[eventType]; ok {
		return topic
	}

	for _, prefix := range sortedPrefixes {
		if strings.HasPrefix(eventType, prefix) {
			return prefixRoutes[prefix]
		}
	}

	return TopicUnknown
}

// RouteLogged is Route plus a warning when the event type matched no rule.
// Unknown events still flow to TopicUnknown rather than being dropped.
func RouteLogged(eventType string, logger *zap.Logger) string {
	topic := Route(eventType)
	if topic == TopicUnknown {
		logger.Warn("event type matched no routing rule",
			zap.String("event_type", eventType),
			zap.String("topic", topic),
		)
	}
	return topic
}

// NotificationTopics lists the category topics the notification pipeline
// consumes. Message events are handled by the messaging pipeline instead.
func NotificationTopics() []string {
	return []string{
		TopicPostReaction,
		TopicPostRepost,
		TopicPostTip,
		TopicPostCreated,
		TopicPostOwnership,
		TopicCommentCreated,
		TopicSPTCreated,
		TopicGovernanceCreated,
		TopicPredictionCreated,
		TopicFollowCreated,
		TopicUnfollowCreated,
		TopicPlatformCreated,
	}
}
