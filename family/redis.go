package family

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	casStatusNotFound int64 = 0
	casStatusMismatch int64 = 1
	casStatusExpired  int64 = 2
	casStatusRotated  int64 = 3
)

// casSequenceScript performs the serialized read-modify-write on the
// refresh sequence. The sequence comparison deliberately precedes the
// expiry comparison: a stale-but-reused refresh credential must surface as
// reuse, not as expiry.
const casSequenceScript = `
local key = KEYS[1]
local expected = tonumber(ARGV[1])
local next_seq = tonumber(ARGV[2])
local refresh_exp = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

if redis.call("EXISTS", key) == 0 then
  return {0}
end

local seq = tonumber(redis.call("HGET", key, "seq"))
if seq ~= expected then
  return {1}
end

local expires_at = tonumber(redis.call("HGET", key, "expires_at") or "0")
if expires_at > 0 and expires_at <= now then
  return {2}
end

local prune_at = refresh_exp
if expires_at > prune_at then
  prune_at = expires_at
end

redis.call("HSET", key, "seq", next_seq, "prune_at", prune_at)
if prune_at > 0 then
  redis.call("PEXPIREAT", key, prune_at * 1000)
else
  redis.call("PERSIST", key)
end

return {3, redis.call("HGETALL", key)}
`

var casSequenceLua = redis.NewScript(casSequenceScript)

// touchScript updates last_used_at only when the record still exists, so a
// best-effort touch can never resurrect a revoked family as a stub hash.
const touchScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  redis.call("HSET", KEYS[1], "last_used_at", ARGV[1])
  return 1
end
return 0
`

var touchLua = redis.NewScript(touchScript)

// RedisStore is a Redis-backed family Store. Records live in hashes under a
// configurable key prefix; records with a prune instant additionally carry
// a Redis TTL so most garbage collects without the sweep.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore creates a family store on the given Redis client. prefix
// namespaces the keys; empty selects "tf".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tf"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) key(familyID string) string {
	return s.prefix + ":" + familyID
}

// Save persists the record and applies the prune TTL when one is set.
func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	fields, err := recordToFields(rec)
	if err != nil {
		return err
	}

	key := s.key(rec.FamilyID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if rec.PruneAt != nil {
			pipe.PExpireAt(ctx, key, *rec.PruneAt)
		} else {
			pipe.Persist(ctx, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// FindByID loads a record, or ErrNotFound.
func (s *RedisStore) FindByID(ctx context.Context, familyID string) (*Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(familyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return recordFromFields(familyID, fields)
}

// CompareAndSwapSequence runs the Lua CAS. Redis executes scripts
// atomically, so concurrent rotations on one family serialize here and
// exactly one observes the expected sequence.
func (s *RedisStore) CompareAndSwapSequence(ctx context.Context, familyID string, expectedSeq, newSeq int, refreshExpiresAt *time.Time, now time.Time) (*Record, error) {
	result, err := casSequenceLua.Run(
		ctx,
		s.redis,
		[]string{s.key(familyID)},
		expectedSeq,
		newSeq,
		unixOrZero(refreshExpiresAt),
		now.Unix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid swap script response", ErrUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid swap script status", ErrUnavailable)
	}

	switch code {
	case casStatusNotFound:
		return nil, ErrNotFound
	case casStatusMismatch:
		return nil, ErrSequenceMismatch
	case casStatusExpired:
		return nil, ErrExpired
	case casStatusRotated:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing updated record payload", ErrUnavailable)
		}
		fields, err := fieldsFromScriptReply(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return recordFromFields(familyID, fields)
	default:
		return nil, fmt.Errorf("%w: unknown swap script status %d", ErrUnavailable, code)
	}
}

// Touch stores the last-used instant if the record still exists.
func (s *RedisStore) Touch(ctx context.Context, familyID string, at time.Time) error {
	if err := touchLua.Run(ctx, s.redis, []string{s.key(familyID)}, at.Unix()).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes the record and reports whether one existed.
func (s *RedisStore) Delete(ctx context.Context, familyID string) (bool, error) {
	deleted, err := s.redis.Del(ctx, s.key(familyID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return deleted > 0, nil
}

// DeleteWhere sweeps every family whose expiry or prune instant lies before
// now. O(n) over the keyspace; intended for periodic batch invocation, not
// request hot paths.
func (s *RedisStore) DeleteWhere(ctx context.Context, now time.Time) (int, error) {
	pattern := s.prefix + ":*"
	nowUnix := now.Unix()

	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		if len(keys) > 0 {
			pipe := s.redis.Pipeline()
			cmds := make([]*redis.SliceCmd, len(keys))
			for i, key := range keys {
				cmds[i] = pipe.HMGet(ctx, key, "expires_at", "prune_at")
			}
			if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
				return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}

			var stale []string
			for i, cmd := range cmds {
				vals, cmdErr := cmd.Result()
				if cmdErr != nil {
					continue
				}
				expiresAt := int64FromReply(vals[0])
				pruneAt := int64FromReply(vals[1])
				if (expiresAt > 0 && expiresAt < nowUnix) || (pruneAt > 0 && pruneAt < nowUnix) {
					stale = append(stale, keys[i])
				}
			}
			if len(stale) > 0 {
				deleted, err := s.redis.Del(ctx, stale...).Result()
				if err != nil {
					return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
				}
				removed += int(deleted)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return removed, nil
}

func recordToFields(rec *Record) (map[string]any, error) {
	scopes, err := json.Marshal(rec.Scopes)
	if err != nil {
		return nil, err
	}
	accessClaims, err := json.Marshal(rec.AccessClaims)
	if err != nil {
		return nil, err
	}
	refreshClaims, err := json.Marshal(rec.RefreshClaims)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"owner_id":       rec.OwnerID,
		"owner_type":     rec.OwnerType,
		"name":           rec.Name,
		"scopes":         string(scopes),
		"access_claims":  string(accessClaims),
		"refresh_claims": string(refreshClaims),
		"seq":            rec.LastRefreshSequence,
		"created_at":     rec.CreatedAt.Unix(),
		"last_used_at":   unixOrZero(rec.LastUsedAt),
		"expires_at":     unixOrZero(rec.ExpiresAt),
		"prune_at":       unixOrZero(rec.PruneAt),
	}, nil
}

func recordFromFields(familyID string, fields map[string]string) (*Record, error) {
	rec := &Record{
		FamilyID:  familyID,
		OwnerID:   fields["owner_id"],
		OwnerType: fields["owner_type"],
		Name:      fields["name"],
	}

	if raw := fields["scopes"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Scopes); err != nil {
			return nil, fmt.Errorf("%w: corrupt scopes field: %v", ErrUnavailable, err)
		}
	}
	if raw := fields["access_claims"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &rec.AccessClaims); err != nil {
			return nil, fmt.Errorf("%w: corrupt access_claims field: %v", ErrUnavailable, err)
		}
	}
	if raw := fields["refresh_claims"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &rec.RefreshClaims); err != nil {
			return nil, fmt.Errorf("%w: corrupt refresh_claims field: %v", ErrUnavailable, err)
		}
	}

	seq, err := strconv.Atoi(fields["seq"])
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt seq field: %v", ErrUnavailable, err)
	}
	rec.LastRefreshSequence = seq

	if createdAt := int64FromString(fields["created_at"]); createdAt > 0 {
		rec.CreatedAt = time.Unix(createdAt, 0)
	}
	rec.LastUsedAt = timeOrNil(int64FromString(fields["last_used_at"]))
	rec.ExpiresAt = timeOrNil(int64FromString(fields["expires_at"]))
	rec.PruneAt = timeOrNil(int64FromString(fields["prune_at"]))

	return rec, nil
}

func fieldsFromScriptReply(raw any) (map[string]string, error) {
	items, ok := raw.([]interface{})
	if !ok || len(items)%2 != 0 {
		return nil, errors.New("invalid hash payload")
	}

	fields := make(map[string]string, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		name, ok := items[i].(string)
		if !ok {
			return nil, errors.New("invalid hash field name")
		}
		switch v := items[i+1].(type) {
		case string:
			fields[name] = v
		case int64:
			fields[name] = strconv.FormatInt(v, 10)
		default:
			return nil, errors.New("invalid hash field value")
		}
	}
	return fields, nil
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}

func timeOrNil(unix int64) *time.Time {
	if unix <= 0 {
		return nil
	}
	t := time.Unix(unix, 0)
	return &t
}

func int64FromString(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func int64FromReply(raw any) int64 {
	switch v := raw.(type) {
	case string:
		return int64FromString(v)
	case int64:
		return v
	default:
		return 0
	}
}
