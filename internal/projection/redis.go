package projection

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// applyScript marks the event as seen and writes each account hash unless it
// already holds the same or a newer version.
// KEYS[1] = event marker, KEYS[2..] = account hashes
// ARGV[1] = event id, ARGV[2] = marker ttl seconds, then balance/version pairs
var applyScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[2]) then
  return 0
end
for i = 2, #KEYS do
  local balance = ARGV[(i - 2) * 2 + 3]
  local version = tonumber(ARGV[(i - 2) * 2 + 4])
  local current = tonumber(redis.call('HGET', KEYS[i], 'version') or '0')
  if version > current then
    redis.call('HSET', KEYS[i], 'balance', balance, 'version', version, 'event_id', ARGV[1])
  end
end
return 1
`)

// RedisSink stores views as hashes bank:acct:<id>
type RedisSink struct {
	client    *redis.Client
	markerTTL time.Duration
}

// NewRedisSink creates a sink remembering applied event ids for markerTTL
func NewRedisSink(client *redis.Client, markerTTL time.Duration) *RedisSink {
	if markerTTL < time.Second {
		markerTTL = 24 * time.Hour
	}
	return &RedisSink{client: client, markerTTL: markerTTL}
}

func accountKey(id string) string {
	return "bank:acct:" + id
}

func eventKey(id string) string {
	return "bank:evt:" + id
}

func (r *RedisSink) Apply(ctx context.Context, eventID string, updates []Update) (bool, error) {
	keys := make([]string, 0, len(updates)+1)
	args := make([]interface{}, 0, 2*len(updates)+2)
	keys = append(keys, eventKey(eventID))
	args = append(args, eventID, int64(r.markerTTL/time.Second))
	for _, u := range updates {
		keys = append(keys, accountKey(u.AccountID))
		args = append(args, u.Balance.String(), u.Version)
	}

	applied, err := applyScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to project event %s into redis: %w", eventID, err)
	}
	return applied == 1, nil
}

func (r *RedisSink) Get(ctx context.Context, accountID string) (*View, error) {
	fields, err := r.client.HGetAll(ctx, accountKey(accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read view from redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	balance, err := decimal.NewFromString(fields["balance"])
	if err != nil {
		return nil, fmt.Errorf("corrupt balance for %s: %w", accountID, err)
	}
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt version for %s: %w", accountID, err)
	}
	return &View{
		AccountID:   accountID,
		Balance:     balance,
		Version:     version,
		LastEventID: fields["event_id"],
	}, nil
}
