package upload

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind distinguishes what an upload intent is for.
type Kind string

const (
	KindAudio Kind = "audio"
	KindCover Kind = "cover"
)

func (k Kind) Valid() bool {
	return k == KindAudio || k == KindCover
}

// Intent authorizes one client upload to one key of one track.
type Intent struct {
	ID          string
	TrackID     string
	UserID      string
	Key         string
	ContentType string
	Kind        Kind
	CreatedAt   time.Time
}

var (
	// ErrIntentNotFound covers unknown, expired and already consumed intents.
	ErrIntentNotFound  = errors.New("upload intent not found")
	ErrIntentForbidden = errors.New("upload intent belongs to another user")
)

const intentKeyPrefix = "upload:"

func intentKey(id string) string {
	return intentKeyPrefix + id
}

// consumeScript deletes the intent only if it belongs to the caller. A
// mismatched user leaves the intent in place for its owner.
var consumeScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'user_id')
if not owner then
	return 0
end
if owner ~= ARGV[1] then
	return 1
end
local fields = redis.call('HGETALL', KEYS[1])
redis.call('DEL', KEYS[1])
return fields
`)

// IntentStore keeps pending intents in Redis with a TTL.
type IntentStore struct {
	client *redis.Client
}

func NewIntentStore(client *redis.Client) *IntentStore {
	return &IntentStore{client: client}
}

func (s *IntentStore) Save(ctx context.Context, in *Intent, ttl time.Duration) error {
	key := intentKey(in.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"track_id":     in.TrackID,
			"user_id":      in.UserID,
			"key":          in.Key,
			"content_type": in.ContentType,
			"kind":         string(in.Kind),
			"created_at":   in.CreatedAt.Unix(),
		})
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save upload intent: %w", err)
	}
	return nil
}

// Consume atomically reads and deletes the intent if userID owns it.
func (s *IntentStore) Consume(ctx context.Context, id, userID string) (*Intent, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{intentKey(id)}, userID).Result()
	if err != nil {
		return nil, fmt.Errorf("consume upload intent: %w", err)
	}

	switch v := res.(type) {
	case int64:
		if v == 1 {
			return nil, ErrIntentForbidden
		}
		return nil, ErrIntentNotFound
	case []interface{}:
		return intentFromPairs(id, v)
	default:
		return nil, fmt.Errorf("consume upload intent: unexpected reply %T", res)
	}
}

func intentFromPairs(id string, pairs []interface{}) (*Intent, error) {
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		fields[k] = v
	}

	in := &Intent{
		ID:          id,
		TrackID:     fields["track_id"],
		UserID:      fields["user_id"],
		Key:         fields["key"],
		ContentType: fields["content_type"],
		Kind:        Kind(fields["kind"]),
	}
	if ts, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		in.CreatedAt = time.Unix(ts, 0)
	}
	if in.TrackID == "" || !in.Kind.Valid() {
		return nil, fmt.Errorf("upload intent %s is malformed", id)
	}
	return in, nil
}
