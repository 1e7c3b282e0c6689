// Package redis allocates wallet address sequence numbers with Redis INCR,
// so several ledger processes sharing one database draw from one counter.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/twezimbe/bf-ledger/wallet"
)

// DefaultPrefix namespaces the counter keys.
const DefaultPrefix = "wallet:seq:"

// seedScript raises a counter to at least ARGV[1] and never lowers it.
var seedScript = goredis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if cur < floor then
  redis.call("SET", KEYS[1], floor)
  return floor
end
return cur
`)

// Sequencer implements wallet.Sequencer.
//
// Numbers drawn inside a transaction that later rolls back are not
// returned; the address space just gets a gap.
type Sequencer struct {
	rdb    goredis.UniversalClient
	prefix string
}

var (
	_ wallet.Sequencer      = (*Sequencer)(nil)
	_ wallet.SequenceSeeder = (*Sequencer)(nil)
)

func NewSequencer(rdb goredis.UniversalClient, prefix string) *Sequencer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Sequencer{rdb: rdb, prefix: prefix}
}

func (s *Sequencer) Next(ctx context.Context, scope string) (int64, error) {
	n, err := s.rdb.Incr(ctx, s.prefix+scope).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence %s: %w", scope, err)
	}
	return n, nil
}

// Seed makes sure the next number for scope is above floor.
func (s *Sequencer) Seed(ctx context.Context, scope string, floor int64) (int64, error) {
	n, err := seedScript.Run(ctx, s.rdb, []string{s.prefix + scope}, floor).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to seed sequence %s: %w", scope, err)
	}
	return n, nil
}

// SeedFloors raises each scope's counter to at least its floor. Feed it
// the database's floors (sqlite.Store.SyncSequences) at startup, so that
// an empty or flushed Redis never reissues an address, including one whose
// wallet was deleted but whose log entries remain.
func (s *Sequencer) SeedFloors(ctx context.Context, floors map[string]int64) error {
	for scope, n := range floors {
		if _, err := s.Seed(ctx, scope, n); err != nil {
			return err
		}
	}
	return nil
}
