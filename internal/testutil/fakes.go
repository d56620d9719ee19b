// Package testutil provides in-memory fakes for the durable boundaries.
// The shared state store is not faked; tests run it against miniredis.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gavelhouse/auction-backend/internal/domain/auction"
	"github.com/gavelhouse/auction-backend/internal/domain/bid"
	domainerrors "github.com/gavelhouse/auction-backend/internal/domain/errors"
	"github.com/gavelhouse/auction-backend/internal/domain/user"
	"github.com/gavelhouse/auction-backend/internal/domain/values"
)

// FakeAuctionStore is a map-backed auction repository.
type FakeAuctionStore struct {
	mu       sync.Mutex
	auctions map[uuid.UUID]*auction.Auction

	CloseCalls int
}

func NewFakeAuctionStore() *FakeAuctionStore {
	return &FakeAuctionStore{auctions: make(map[uuid.UUID]*auction.Auction)}
}

func (f *FakeAuctionStore) Put(a *auction.Auction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auctions[a.ID] = a
}

func (f *FakeAuctionStore) GetByID(ctx context.Context, id uuid.UUID) (*auction.Auction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.auctions[id]
	if !ok {
		return nil, domainerrors.NewAuctionNotFoundError(id.String())
	}
	copied := *a
	return &copied, nil
}

func (f *FakeAuctionStore) Create(ctx context.Context, a *auction.Auction) error {
	f.Put(a)
	return nil
}

func (f *FakeAuctionStore) List(ctx context.Context, filter auction.ListFilter) ([]*auction.Auction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []*auction.Auction
	for _, a := range f.auctions {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Category != "" && a.Category != filter.Category {
			continue
		}
		copied := *a
		matched = append(matched, &copied)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (f *FakeAuctionStore) GetBatch(ctx context.Context, ids []uuid.UUID) ([]*auction.Auction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*auction.Auction
	for _, id := range ids {
		if a, ok := f.auctions[id]; ok {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *FakeAuctionStore) Close(ctx context.Context, id uuid.UUID, winnerID string, winningBid *values.Money, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCalls++
	a, ok := f.auctions[id]
	if !ok {
		return domainerrors.NewAuctionNotFoundError(id.String())
	}
	if a.Status != auction.StatusLive {
		return nil
	}
	a.Status = auction.StatusClosed
	a.WinnerID = winnerID
	a.WinningBid = winningBid
	a.EndedAt = &endedAt
	return nil
}

// FakeBidStore records appended bids in order.
type FakeBidStore struct {
	mu   sync.Mutex
	Bids []*bid.Bid
}

func NewFakeBidStore() *FakeBidStore {
	return &FakeBidStore{}
}

func (f *FakeBidStore) Create(ctx context.Context, b *bid.Bid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *b
	f.Bids = append(f.Bids, &copied)
	return nil
}

func (f *FakeBidStore) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Bids)
}

// FakeQueue collects enqueued payloads per stream.
type FakeQueue struct {
	mu       sync.Mutex
	Messages map[string][]interface{}
}

func NewFakeQueue() *FakeQueue {
	return &FakeQueue{Messages: make(map[string][]interface{})}
}

func (f *FakeQueue) Enqueue(ctx context.Context, stream string, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages[stream] = append(f.Messages[stream], v)
	return nil
}

func (f *FakeQueue) Count(stream string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Messages[stream])
}

// FakeContactStore resolves contacts from a fixed table. Unknown users
// resolve to nil, matching a never-synced subject.
type FakeContactStore struct {
	mu       sync.Mutex
	Contacts map[string]user.Contact
}

func NewFakeContactStore() *FakeContactStore {
	return &FakeContactStore{Contacts: make(map[string]user.Contact)}
}

func (f *FakeContactStore) Put(c user.Contact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Contacts[c.UserID] = c
}

func (f *FakeContactStore) Contact(ctx context.Context, userID string) (*user.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Contacts[userID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// FakeNotifier records dispatched notifications.
type FakeNotifier struct {
	mu   sync.Mutex
	Sent []Notification
}

type Notification struct {
	Recipient user.Contact
	AuctionID string
	Won       bool
}

func NewFakeNotifier() *FakeNotifier {
	return &FakeNotifier{}
}

func (f *FakeNotifier) Notify(ctx context.Context, recipient user.Contact, auctionID string, won bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, Notification{Recipient: recipient, AuctionID: auctionID, Won: won})
	return nil
}

func (f *FakeNotifier) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}

// FakeVerifier resolves tokens from a fixed table.
type FakeVerifier struct {
	Tokens map[string]*user.Claims
}

func NewFakeVerifier() *FakeVerifier {
	return &FakeVerifier{Tokens: make(map[string]*user.Claims)}
}

func (f *FakeVerifier) Verify(ctx context.Context, token string) (*user.Claims, error) {
	claims, ok := f.Tokens[token]
	if !ok {
		return nil, domainerrors.NewUnauthorizedError("Invalid or expired token")
	}
	return claims, nil
}
