package transport

import "strings"

// Channel is one of the per-session logical topics.
type Channel string

const (
	ChannelMessages Channel = "messages"
	ChannelTyping   Channel = "typing"
	ChannelEvents   Channel = "events"
	ChannelQueue    Channel = "queue"
)

// Channels lists every channel subscribed for a session, in subscription order.
var Channels = []Channel{ChannelMessages, ChannelTyping, ChannelEvents, ChannelQueue}

const (
	topicPrefix = "/topic/chat/"
	appPrefix   = "/app/chat/"
)

// Topic returns the broker destination for a session channel.
func Topic(sessionID string, ch Channel) string {
	return topicPrefix + sessionID + "/" + string(ch)
}

// TypingDestination is where local typing events are published.
func TypingDestination(sessionID string) string {
	return appPrefix + sessionID + "/typing"
}

// ParseTopic splits /topic/chat/{id}/{channel}.
func ParseTopic(dest string) (sessionID string, ch Channel, ok bool) {
	rest, found := strings.CutPrefix(dest, topicPrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	sessionID, ch = rest[:i], Channel(rest[i+1:])
	for _, known := range Channels {
		if ch == known {
			return sessionID, ch, true
		}
	}
	return "", "", false
}
