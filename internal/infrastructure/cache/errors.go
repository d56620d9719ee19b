package cache

import "fmt"

// ErrKeyNotFound indicates a missing key. TTL expiry is eventual and
// independent of reads, so every reader must tolerate this.
type ErrKeyNotFound struct {
	Key string
}

func (e ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

// ErrLiveStateNotFound indicates the per-auction hot state is absent:
// either the auction never went live or its TTL has lapsed.
type ErrLiveStateNotFound struct {
	AuctionID string
}

func (e ErrLiveStateNotFound) Error() string {
	return fmt.Sprintf("live state not found for auction %s", e.AuctionID)
}

// ErrSessionNotFound indicates a missing or expired session mirror.
type ErrSessionNotFound struct {
	SessionID string
}

func (e ErrSessionNotFound) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}
