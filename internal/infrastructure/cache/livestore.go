package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/domain/auction"
	"github.com/gavelhouse/auction-backend/internal/domain/values"
)

// bidCommitScript is the only read-modify-write on current_high_bid. It runs
// server-side so competing bidders on the same auction serialize on the
// store, not on process locks. bid_count is incremented here and nowhere
// else.
var bidCommitScript = redis.NewScript(`
local auction_key = KEYS[1]
local bid_amount = tonumber(ARGV[1])
local user_id = ARGV[2]
local username = ARGV[3]
local timestamp = ARGV[4]

local current_high = tonumber(redis.call('HGET', auction_key, 'current_high_bid') or '0')

if bid_amount > current_high then
    redis.call('HSET', auction_key,
        'current_high_bid', ARGV[1],
        'high_bidder_id', user_id,
        'high_bidder_username', username,
        'last_bid_time', timestamp
    )
    redis.call('HINCRBY', auction_key, 'bid_count', 1)
    return 1
else
    return 0
end
`)

// antiSnipeScript extends the end time under the extension cap. The guard,
// counter bump and both end-time copies move together so the cap can never
// be overshot by racing bidders, and end_time never decreases.
var antiSnipeScript = redis.NewScript(`
local state_key = KEYS[1]
local end_time_key = KEYS[2]
local extension_ms = tonumber(ARGV[1])
local max_extensions = tonumber(ARGV[2])
local ttl_seconds = tonumber(ARGV[3])

local count = tonumber(redis.call('HGET', state_key, 'anti_snipe_count') or '0')
if count >= max_extensions then
    return {0, count, 0}
end

local end_time = tonumber(redis.call('HGET', state_key, 'end_time') or '0')
local copy = redis.call('GET', end_time_key)
if copy and tonumber(copy) > end_time then
    end_time = tonumber(copy)
end

local new_end = end_time + extension_ms
redis.call('HSET', state_key,
    'end_time', tostring(new_end),
    'anti_snipe_count', tostring(count + 1)
)
redis.call('SET', end_time_key, tostring(new_end), 'EX', ttl_seconds)
return {1, count + 1, new_end}
`)

// LiveStore owns every hot-state structure for live auctions: the state
// hash, the bounded leaderboard, the participant set, the chat ring and the
// end-time keys. All mutators in the system go through it.
type LiveStore struct {
	client *redis.Client
	logger *zap.Logger
}

func NewLiveStore(client *redis.Client, logger *zap.Logger) *LiveStore {
	return &LiveStore{client: client, logger: logger}
}

// Client exposes the underlying connection for callers that need raw
// commands alongside the store's operations.
func (s *LiveStore) Client() *redis.Client { return s.client }

// AntiSnipeResult reports the outcome of an extension attempt.
type AntiSnipeResult struct {
	Triggered    bool
	Count        int
	NewEndTimeMS int64
}

// InitLiveState materializes the hot state at auction creation. The state
// hash and end-time copy outlive the auction by bufferTTL so late readers
// resolve cleanly; the active flag expires with the nominal duration.
func (s *LiveStore) InitLiveState(ctx context.Context, auctionID, hostUserID string, startingBid values.Money, startTimeMS, endTimeMS int64, duration, bufferTTL time.Duration) error {
	state := map[string]interface{}{
		"status":               string(auction.StatusLive),
		"host_user_id":         hostUserID,
		"current_high_bid":     startingBid.String(),
		"high_bidder_id":       "",
		"high_bidder_username": "",
		"start_time":           strconv.FormatInt(startTimeMS, 10),
		"end_time":             strconv.FormatInt(endTimeMS, 10),
		"last_bid_time":        "",
		"participant_count":    "0",
		"anti_snipe_count":     "0",
		"bid_count":            "0",
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, StateKey(auctionID), state)
	pipe.Expire(ctx, StateKey(auctionID), duration+bufferTTL)
	pipe.Set(ctx, EndTimeKey(auctionID), strconv.FormatInt(endTimeMS, 10), duration+bufferTTL)
	pipe.Set(ctx, ActiveKey(auctionID), "true", duration)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("init live state for %s: %w", auctionID, err)
	}

	s.logger.Info("live state initialized",
		zap.String("auction_id", auctionID),
		zap.Int64("end_time_ms", endTimeMS))
	return nil
}

// GetState reads and parses the state hash. Missing state is a typed error,
// not a fault: TTLs expire independently of readers.
func (s *LiveStore) GetState(ctx context.Context, auctionID string) (*auction.LiveState, error) {
	fields, err := s.client.HGetAll(ctx, StateKey(auctionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read live state for %s: %w", auctionID, err)
	}
	if len(fields) == 0 {
		return nil, ErrLiveStateNotFound{AuctionID: auctionID}
	}
	return parseLiveState(auctionID, fields)
}

func parseLiveState(auctionID string, fields map[string]string) (*auction.LiveState, error) {
	highBid, err := values.NewMoneyFromString(nonEmpty(fields["current_high_bid"], "0"))
	if err != nil {
		return nil, fmt.Errorf("corrupt current_high_bid for %s: %w", auctionID, err)
	}

	id, err := parseUUID(auctionID)
	if err != nil {
		return nil, err
	}

	return &auction.LiveState{
		AuctionID:          id,
		Status:             auction.Status(fields["status"]),
		HostUserID:         fields["host_user_id"],
		CurrentHighBid:     highBid,
		HighBidderID:       fields["high_bidder_id"],
		HighBidderUsername: fields["high_bidder_username"],
		StartTimeMS:        parseInt64(fields["start_time"]),
		EndTimeMS:          parseInt64(fields["end_time"]),
		LastBidTimeMS:      parseInt64(fields["last_bid_time"]),
		ParticipantCount:   int(parseInt64(fields["participant_count"])),
		AntiSnipeCount:     int(parseInt64(fields["anti_snipe_count"])),
		BidCount:           int(parseInt64(fields["bid_count"])),
	}, nil
}

// CommitBid runs the atomic compare-and-commit. Returns true when the bid
// became the new high.
func (s *LiveStore) CommitBid(ctx context.Context, auctionID string, amount values.Money, userID, username string, timestampMS int64) (bool, error) {
	res, err := bidCommitScript.Run(ctx, s.client,
		[]string{StateKey(auctionID)},
		amount.String(), userID, username, strconv.FormatInt(timestampMS, 10),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("bid commit for %s: %w", auctionID, err)
	}
	return res == 1, nil
}

// ExtendForAntiSnipe attempts one tail extension under the cap.
func (s *LiveStore) ExtendForAntiSnipe(ctx context.Context, auctionID string, extension time.Duration, maxExtensions int, endTimeTTL time.Duration) (AntiSnipeResult, error) {
	raw, err := antiSnipeScript.Run(ctx, s.client,
		[]string{StateKey(auctionID), EndTimeKey(auctionID)},
		extension.Milliseconds(), maxExtensions, int64(endTimeTTL.Seconds()),
	).Slice()
	if err != nil {
		return AntiSnipeResult{}, fmt.Errorf("anti-snipe extension for %s: %w", auctionID, err)
	}
	if len(raw) != 3 {
		return AntiSnipeResult{}, fmt.Errorf("anti-snipe extension for %s: unexpected reply %v", auctionID, raw)
	}

	return AntiSnipeResult{
		Triggered:    toInt64(raw[0]) == 1,
		Count:        int(toInt64(raw[1])),
		NewEndTimeMS: toInt64(raw[2]),
	}, nil
}

// SetStateField updates a single field in the state hash.
func (s *LiveStore) SetStateField(ctx context.Context, auctionID, field, value string) error {
	if err := s.client.HSet(ctx, StateKey(auctionID), field, value).Err(); err != nil {
		return fmt.Errorf("set %s on %s: %w", field, auctionID, err)
	}
	return nil
}

// MarkClosed flips the hot-state status. The timer controller is the single
// writer of this terminal transition.
func (s *LiveStore) MarkClosed(ctx context.Context, auctionID string) error {
	return s.SetStateField(ctx, auctionID, "status", string(auction.StatusClosed))
}

// GetEndTime reads the dedicated end-time copy. The second return reports
// presence; absence sends callers down the fallback chain.
func (s *LiveStore) GetEndTime(ctx context.Context, auctionID string) (int64, bool, error) {
	val, err := s.client.Get(ctx, EndTimeKey(auctionID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read end time for %s: %w", auctionID, err)
	}
	return parseInt64(val), true, nil
}

// SetEndTime rewrites both end-time copies. Used by the fallback
// re-materialization path; anti-snipe extensions go through the script.
func (s *LiveStore) SetEndTime(ctx context.Context, auctionID string, endTimeMS int64, ttl time.Duration) error {
	pipe := s.client.Pipeline()
	pipe.Set(ctx, EndTimeKey(auctionID), strconv.FormatInt(endTimeMS, 10), ttl)
	pipe.HSet(ctx, StateKey(auctionID), "end_time", strconv.FormatInt(endTimeMS, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set end time for %s: %w", auctionID, err)
	}
	return nil
}

// Leaderboard. Scored by amount; first-commit time kept in a companion hash
// so ties resolve to the earliest bid at read time. Capped at three entries.

const topBidsLimit = 3

// AddTopBid upserts a bidder's best amount and trims to the cap.
func (s *LiveStore) AddTopBid(ctx context.Context, auctionID, userID, username string, amount values.Money, timestampMS int64) error {
	member := userID + ":" + username

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, TopBidsKey(auctionID), redis.Z{Score: amount.ToFloat64(), Member: member})
	pipe.HSetNX(ctx, TopBidTimesKey(auctionID), member, strconv.FormatInt(timestampMS, 10))
	card := pipe.ZCard(ctx, TopBidsKey(auctionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("leaderboard upsert for %s: %w", auctionID, err)
	}

	if card.Val() > topBidsLimit {
		if err := s.client.ZRemRangeByRank(ctx, TopBidsKey(auctionID), 0, card.Val()-topBidsLimit-1).Err(); err != nil {
			return fmt.Errorf("leaderboard trim for %s: %w", auctionID, err)
		}
	}
	return nil
}

// GetTopBids returns up to limit entries, best first. Equal amounts order by
// earliest commit.
func (s *LiveStore) GetTopBids(ctx context.Context, auctionID string, limit int) ([]auction.TopBid, error) {
	entries, err := s.client.ZRevRangeWithScores(ctx, TopBidsKey(auctionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard read for %s: %w", auctionID, err)
	}
	if len(entries) == 0 {
		return []auction.TopBid{}, nil
	}

	times, err := s.client.HGetAll(ctx, TopBidTimesKey(auctionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard times read for %s: %w", auctionID, err)
	}

	type scored struct {
		bid auction.TopBid
		ts  int64
	}
	ranked := make([]scored, 0, len(entries))
	for _, e := range entries {
		member, _ := e.Member.(string)
		userID, username, ok := strings.Cut(member, ":")
		if !ok {
			continue
		}
		ranked = append(ranked, scored{
			bid: auction.TopBid{UserID: userID, Username: username, Amount: e.Score},
			ts:  parseInt64(times[member]),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].bid.Amount != ranked[j].bid.Amount {
			return ranked[i].bid.Amount > ranked[j].bid.Amount
		}
		return ranked[i].ts < ranked[j].ts
	})

	out := make([]auction.TopBid, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.bid)
	}
	return out, nil
}

// Participants.

func (s *LiveStore) AddParticipant(ctx context.Context, auctionID, userID string) error {
	if err := s.client.SAdd(ctx, UsersKey(auctionID), userID).Err(); err != nil {
		return fmt.Errorf("add participant to %s: %w", auctionID, err)
	}
	return nil
}

func (s *LiveStore) RemoveParticipant(ctx context.Context, auctionID, userID string) error {
	if err := s.client.SRem(ctx, UsersKey(auctionID), userID).Err(); err != nil {
		return fmt.Errorf("remove participant from %s: %w", auctionID, err)
	}
	return nil
}

func (s *LiveStore) ParticipantCount(ctx context.Context, auctionID string) (int, error) {
	n, err := s.client.SCard(ctx, UsersKey(auctionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("participant count for %s: %w", auctionID, err)
	}
	return int(n), nil
}

func (s *LiveStore) Participants(ctx context.Context, auctionID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, UsersKey(auctionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("participants for %s: %w", auctionID, err)
	}
	return members, nil
}

// Chat ring, capped at the most recent 100 messages.

const chatHistoryLimit = 100

func (s *LiveStore) AppendChatMessage(ctx context.Context, msg auction.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, ChatHistoryKey(msg.AuctionID), data)
	pipe.LTrim(ctx, ChatHistoryKey(msg.AuctionID), -chatHistoryLimit, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append chat message to %s: %w", msg.AuctionID, err)
	}
	return nil
}

func (s *LiveStore) ChatHistory(ctx context.Context, auctionID string, limit int) ([]auction.ChatMessage, error) {
	raw, err := s.client.LRange(ctx, ChatHistoryKey(auctionID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("chat history for %s: %w", auctionID, err)
	}
	messages := make([]auction.ChatMessage, 0, len(raw))
	for _, r := range raw {
		var msg auction.ChatMessage
		if err := json.Unmarshal([]byte(r), &msg); err != nil {
			s.logger.Warn("skipping corrupt chat entry",
				zap.String("auction_id", auctionID),
				zap.Error(err))
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Publish marshals v and publishes it on channel. Pub/sub is not durable;
// messages are hints and subscribers resync from state reads.
func (s *LiveStore) Publish(ctx context.Context, channel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal publish payload: %w", err)
	}
	if err := s.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Helpers.

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid auction id %q: %w", s, err)
	}
	return id, nil
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func parseInt64(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		return parseInt64(n)
	default:
		return 0
	}
}
