// services/leaderboard.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"weekly-tournament-system/utils"

	"github.com/redis/go-redis/v9"
)

// The ranked store keeps one sorted set per cycle plus a companion hash of
// display details, both expiring together a safety margin after the cycle
// could possibly still be read.
const (
	rankedStoreTTL = 8 * 24 * time.Hour

	// Composite sort key: member score = gameScore*scoreShift + tieBreak.
	// The tie-break term must stay below scoreShift so a one-point score
	// difference always dominates it. tieBreak = tieBreakSpan - seconds
	// since tieBreakEpoch, which makes an EARLIER first score a LARGER
	// composite — exactly the ordering the product wants on equal scores,
	// and it survives any reload order.
	scoreShift    = int64(1_000_000_000)
	tieBreakEpoch = int64(1_767_225_600) // 2026-01-01T00:00:00Z
	tieBreakSpan  = scoreShift - 1
)

// ErrNotRanked is returned when a participant has no entry in the ranked
// store for the requested cycle.
var ErrNotRanked = errors.New("participant not ranked")

// PlayerDetails is the denormalized record kept next to each score so a
// leaderboard page renders without touching Postgres.
type PlayerDetails struct {
	Username string `json:"username"`
	Wallet   string `json:"wallet"`
}

// RankedPlayer is one resolved leaderboard row.
type RankedPlayer struct {
	Rank     int    `json:"rank"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Wallet   string `json:"wallet"`
	Score    int64  `json:"score"`
}

// SeedEntry is one row of an authoritative reload from Postgres.
type SeedEntry struct {
	UserID       string
	Score        int64
	FirstScoreAt time.Time
	Details      PlayerDetails
}

// EncodeRankScore folds (score, first-score time) into the single float the
// sorted set can order by.
func EncodeRankScore(score int64, firstScoreAt time.Time) float64 {
	offset := firstScoreAt.Unix() - tieBreakEpoch
	if offset < 0 {
		offset = 0
	}
	if offset > tieBreakSpan {
		offset = tieBreakSpan
	}
	return float64(score*scoreShift + (tieBreakSpan - offset))
}

// DecodeRankScore recovers the game score from a composite member score.
func DecodeRankScore(composite float64) int64 {
	return int64(composite) / scoreShift
}

// LeaderboardStore is the Ranked Store: a per-cycle sorted set with O(log n)
// upserts and rank queries, rebuildable at any time from Postgres. Every
// method fails soft — callers fall back to the persistent store on error.
type LeaderboardStore struct {
	Redis *redis.Client
}

func NewLeaderboardStore(rdb *redis.Client) *LeaderboardStore {
	return &LeaderboardStore{Redis: rdb}
}

func scoresKey(cycleKey string) string  { return "tournament:" + cycleKey + ":scores" }
func playersKey(cycleKey string) string { return "tournament:" + cycleKey + ":players" }

// UpsertScore sets the participant's composite score and refreshes details
// and TTLs in one pipeline. Last write wins on the stored value — the
// caller is responsible for only passing the participant's current highest
// score (the monotonic rule lives at the Postgres layer).
func (s *LeaderboardStore) UpsertScore(ctx context.Context, cycleKey, userID string, score int64, firstScoreAt time.Time, details PlayerDetails) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal player details: %w", err)
	}

	cctx, cancel := utils.CacheContext(ctx)
	defer cancel()

	pipe := s.Redis.Pipeline()
	pipe.ZAdd(cctx, scoresKey(cycleKey), redis.Z{Score: EncodeRankScore(score, firstScoreAt), Member: userID})
	pipe.HSet(cctx, playersKey(cycleKey), userID, payload)
	pipe.Expire(cctx, scoresKey(cycleKey), rankedStoreTTL)
	pipe.Expire(cctx, playersKey(cycleKey), rankedStoreTTL)
	if _, err := pipe.Exec(cctx); err != nil {
		log.Printf("⚠️  [RANKED] upsert failed for %s/%s: %v", cycleKey, userID, err)
		return fmt.Errorf("ranked store upsert: %w", err)
	}
	return nil
}

// TopRange returns [offset, offset+limit) in descending composite order,
// joining details for all returned members with a single HMGet.
func (s *LeaderboardStore) TopRange(ctx context.Context, cycleKey string, offset, limit int) ([]RankedPlayer, error) {
	if limit <= 0 {
		return []RankedPlayer{}, nil
	}

	cctx, cancel := utils.CacheContext(ctx)
	defer cancel()

	members, err := s.Redis.ZRevRangeWithScores(cctx, scoresKey(cycleKey), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("ranked store range: %w", err)
	}
	if len(members) == 0 {
		return []RankedPlayer{}, nil
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.Member.(string)
	}
	detailRows, err := s.Redis.HMGet(cctx, playersKey(cycleKey), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("ranked store details: %w", err)
	}

	players := make([]RankedPlayer, 0, len(members))
	for i, m := range members {
		p := RankedPlayer{
			Rank:   offset + i + 1,
			UserID: ids[i],
			Score:  DecodeRankScore(m.Score),
		}
		if i < len(detailRows) && detailRows[i] != nil {
			if raw, ok := detailRows[i].(string); ok {
				var d PlayerDetails
				if err := json.Unmarshal([]byte(raw), &d); err == nil {
					p.Username = d.Username
					p.Wallet = d.Wallet
				}
			}
		}
		players = append(players, p)
	}
	return players, nil
}

// Rank returns the 1-based position of a participant, or ErrNotRanked.
func (s *LeaderboardStore) Rank(ctx context.Context, cycleKey, userID string) (int, error) {
	cctx, cancel := utils.CacheContext(ctx)
	defer cancel()

	pos, err := s.Redis.ZRevRank(cctx, scoresKey(cycleKey), userID).Result()
	if err == redis.Nil {
		return 0, ErrNotRanked
	}
	if err != nil {
		return 0, fmt.Errorf("ranked store rank: %w", err)
	}
	return int(pos) + 1, nil
}

// Size returns the participant count for a cycle.
func (s *LeaderboardStore) Size(ctx context.Context, cycleKey string) (int64, error) {
	cctx, cancel := utils.CacheContext(ctx)
	defer cancel()

	n, err := s.Redis.ZCard(cctx, scoresKey(cycleKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("ranked store size: %w", err)
	}
	return n, nil
}

// BulkLoad atomically clears and repopulates the cycle's ranked state from
// an authoritative list. The whole key pair is deleted first — stale
// members from a prior seed must not survive a rebuild. Callers pre-sort
// by (score desc, first_score_at asc); ordering is then carried entirely by
// the composite key, so seed order is not load-bearing.
func (s *LeaderboardStore) BulkLoad(ctx context.Context, cycleKey string, entries []SeedEntry) error {
	cctx, cancel := utils.CacheContext(ctx)
	defer cancel()

	pipe := s.Redis.TxPipeline()
	pipe.Del(cctx, scoresKey(cycleKey), playersKey(cycleKey))
	for _, e := range entries {
		payload, err := json.Marshal(e.Details)
		if err != nil {
			continue
		}
		pipe.ZAdd(cctx, scoresKey(cycleKey), redis.Z{Score: EncodeRankScore(e.Score, e.FirstScoreAt), Member: e.UserID})
		pipe.HSet(cctx, playersKey(cycleKey), e.UserID, payload)
	}
	pipe.Expire(cctx, scoresKey(cycleKey), rankedStoreTTL)
	pipe.Expire(cctx, playersKey(cycleKey), rankedStoreTTL)
	if _, err := pipe.Exec(cctx); err != nil {
		log.Printf("⚠️  [RANKED] bulk load failed for %s (%d entries): %v", cycleKey, len(entries), err)
		return fmt.Errorf("ranked store bulk load: %w", err)
	}
	log.Printf("[RANKED] reseeded %s with %d entries", cycleKey, len(entries))
	return nil
}

// Remove drops a single participant from the cycle.
func (s *LeaderboardStore) Remove(ctx context.Context, cycleKey, userID string) error {
	cctx, cancel := utils.CacheContext(ctx)
	defer cancel()

	pipe := s.Redis.Pipeline()
	pipe.ZRem(cctx, scoresKey(cycleKey), userID)
	pipe.HDel(cctx, playersKey(cycleKey), userID)
	if _, err := pipe.Exec(cctx); err != nil {
		return fmt.Errorf("ranked store remove: %w", err)
	}
	return nil
}

// Clear drops the cycle's entire ranked state.
func (s *LeaderboardStore) Clear(ctx context.Context, cycleKey string) error {
	cctx, cancel := utils.CacheContext(ctx)
	defer cancel()

	if err := s.Redis.Del(cctx, scoresKey(cycleKey), playersKey(cycleKey)).Err(); err != nil {
		return fmt.Errorf("ranked store clear: %w", err)
	}
	return nil
}
