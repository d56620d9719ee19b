package cache

import "strings"

// Key and channel layout for the shared state store. Namespaces are
// human-readable: auction:{id}:state and friends, connection:{sid} for the
// session mirror.
const (
	auctionPrefix    = "auction"
	connectionPrefix = "connection"
)

func StateKey(auctionID string) string       { return auctionPrefix + ":" + auctionID + ":state" }
func EndTimeKey(auctionID string) string     { return auctionPrefix + ":" + auctionID + ":end_time" }
func ActiveKey(auctionID string) string      { return auctionPrefix + ":" + auctionID + ":active" }
func TopBidsKey(auctionID string) string     { return auctionPrefix + ":" + auctionID + ":top_bids" }
func TopBidTimesKey(auctionID string) string { return auctionPrefix + ":" + auctionID + ":top_bids:ts" }
func UsersKey(auctionID string) string       { return auctionPrefix + ":" + auctionID + ":users" }
func ChatHistoryKey(auctionID string) string { return auctionPrefix + ":" + auctionID + ":chat_history" }
func ConnectionKey(sessionID string) string  { return connectionPrefix + ":" + sessionID }

// Pub/sub channels, one family per auction.
func EventsChannel(auctionID string) string { return auctionPrefix + ":" + auctionID + ":events" }
func TimerChannel(auctionID string) string  { return auctionPrefix + ":" + auctionID + ":timer" }
func ChatChannel(auctionID string) string   { return auctionPrefix + ":" + auctionID + ":chat" }

// Patterns for the gateway's single process-wide subscriber.
var ChannelPatterns = []string{
	auctionPrefix + ":*:events",
	auctionPrefix + ":*:timer",
	auctionPrefix + ":*:chat",
}

// ChannelKind identifies the family a channel belongs to.
type ChannelKind string

const (
	ChannelKindEvents  ChannelKind = "events"
	ChannelKindTimer   ChannelKind = "timer"
	ChannelKindChat    ChannelKind = "chat"
	ChannelKindUnknown ChannelKind = ""
)

// ParseChannel extracts the auction ID and family from a channel name.
func ParseChannel(channel string) (auctionID string, kind ChannelKind) {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != auctionPrefix {
		return "", ChannelKindUnknown
	}
	switch parts[2] {
	case "events":
		return parts[1], ChannelKindEvents
	case "timer":
		return parts[1], ChannelKindTimer
	case "chat":
		return parts[1], ChannelKindChat
	}
	return "", ChannelKindUnknown
}
