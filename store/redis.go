package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"reward-ledger/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Settlement amounts are held as integers of 1e-8 units so HINCRBY stays exact.
const settlementScale = 8

const (
	referralsKey  = "referrals"
	withdrawalIdx = "wd:index"
)

var (
	createAccountScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1`)

	// ARGV: field, amount, negated amount, updated_at
	debitIfSufficientScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then return -1 end
if tonumber(v) < tonumber(ARGV[2]) then return 0 end
redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
return 1`)

	// ARGV: field, amount, updated_at
	creditScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
return 1`)

	resetQuotaScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HGET', KEYS[1], 'ad_quota') == ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'ad_quota', ARGV[1], 'updated_at', ARGV[2])
return 1`)

	// ARGV: to, updated_at, reason, from...
	transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local cur = redis.call('HGET', KEYS[1], 'status')
for i = 4, #ARGV do
  if cur == ARGV[i] then
    redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
    if ARGV[3] ~= '' then redis.call('HSET', KEYS[1], 'failure_reason', ARGV[3]) end
    return 1
  end
end
return 0`)
)

// RedisStore keeps accounts as hashes under acct:<id>. Conditional mutations
// run as Lua scripts, which Redis executes without interleaving.
type RedisStore struct {
	rdb *redis.Client
}

// OpenRedis dials addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisStore(rdb), nil
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func accountKey(id models.UserID) string { return "acct:" + string(id) }
func withdrawalKey(id string) string     { return "wd:" + id }

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func toUnits(d decimal.Decimal) int64 { return d.Shift(settlementScale).IntPart() }

func fromUnits(n int64) decimal.Decimal { return decimal.New(n, -settlementScale) }

func (s *RedisStore) GetOrCreate(ctx context.Context, id models.UserID, defaultUsername string, startingAdQuota int) (*models.Account, error) {
	acc := models.NewAccount(id, defaultUsername, startingAdQuota)
	args := []interface{}{
		"id", string(acc.ID),
		"username", acc.Username,
		"points", acc.Points,
		"settlement", toUnits(acc.SettlementBalance),
		"ad_quota", acc.AdQuota,
		"referral_count", acc.ReferralCount,
		"created_at", stamp(acc.CreatedAt),
		"updated_at", stamp(acc.UpdatedAt),
	}
	if err := createAccountScript.Run(ctx, s.rdb, []string{accountKey(id)}, args...).Err(); err != nil {
		return nil, fmt.Errorf("create account %s: %w", id, err)
	}
	return s.GetAccount(ctx, id)
}

func (s *RedisStore) GetAccount(ctx context.Context, id models.UserID) (*models.Account, error) {
	fields, err := s.rdb.HGetAll(ctx, accountKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return decodeAccount(fields)
}

func decodeAccount(f map[string]string) (*models.Account, error) {
	points, err := strconv.ParseInt(f["points"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode points: %w", err)
	}
	units, err := strconv.ParseInt(f["settlement"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode settlement: %w", err)
	}
	quota, err := strconv.Atoi(f["ad_quota"])
	if err != nil {
		return nil, fmt.Errorf("decode ad_quota: %w", err)
	}
	refs, _ := strconv.ParseInt(f["referral_count"], 10, 64)
	created, _ := time.Parse(time.RFC3339Nano, f["created_at"])
	updated, _ := time.Parse(time.RFC3339Nano, f["updated_at"])
	return &models.Account{
		ID:                models.UserID(f["id"]),
		Username:          f["username"],
		Points:            points,
		SettlementBalance: fromUnits(units),
		AdQuota:           quota,
		ReferralCount:     refs,
		CreatedAt:         created,
		UpdatedAt:         updated,
	}, nil
}

func (s *RedisStore) credit(ctx context.Context, id models.UserID, field string, amount int64) error {
	res, err := creditScript.Run(ctx, s.rdb, []string{accountKey(id)},
		field, amount, stamp(time.Now())).Int64()
	if err != nil {
		return err
	}
	if res < 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *RedisStore) debit(ctx context.Context, id models.UserID, field string, amount int64) (bool, error) {
	res, err := debitIfSufficientScript.Run(ctx, s.rdb, []string{accountKey(id)},
		field, amount, strconv.FormatInt(-amount, 10), stamp(time.Now())).Int64()
	if err != nil {
		return false, err
	}
	if res < 0 {
		return false, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return res == 1, nil
}

func (s *RedisStore) CreditPoints(ctx context.Context, id models.UserID, amount int64) error {
	return s.credit(ctx, id, "points", amount)
}

func (s *RedisStore) DebitPointsIfSufficient(ctx context.Context, id models.UserID, amount int64) (bool, error) {
	return s.debit(ctx, id, "points", amount)
}

func (s *RedisStore) CreditSettlement(ctx context.Context, id models.UserID, amount decimal.Decimal) error {
	return s.credit(ctx, id, "settlement", toUnits(amount))
}

func (s *RedisStore) DebitSettlementIfSufficient(ctx context.Context, id models.UserID, amount decimal.Decimal) (bool, error) {
	return s.debit(ctx, id, "settlement", toUnits(amount))
}

func (s *RedisStore) DecrementAdQuotaIfPositive(ctx context.Context, id models.UserID) (bool, error) {
	return s.debit(ctx, id, "ad_quota", 1)
}

func (s *RedisStore) ResetAdQuotas(ctx context.Context, quota int) (int64, error) {
	var (
		cursor uint64
		n      int64
		now    = stamp(time.Now())
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "acct:*", 500).Result()
		if err != nil {
			return n, err
		}
		for _, k := range keys {
			res, err := resetQuotaScript.Run(ctx, s.rdb, []string{k}, quota, now).Int64()
			if err != nil {
				return n, err
			}
			n += res
		}
		if next == 0 {
			return n, nil
		}
		cursor = next
	}
}

// Referrals live in one hash keyed by referred id; each value is the JSON record.
func (s *RedisStore) InsertReferralIfAbsent(ctx context.Context, referrerID, referredID models.UserID) (bool, error) {
	val, err := json.Marshal(models.Referral{
		ID:         uuid.NewString(),
		ReferrerID: referrerID,
		ReferredID: referredID,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}
	return s.rdb.HSetNX(ctx, referralsKey, string(referredID), val).Result()
}

func (s *RedisStore) GetReferral(ctx context.Context, referredID models.UserID) (*models.Referral, error) {
	val, err := s.rdb.HGet(ctx, referralsKey, string(referredID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("referral of %s: %w", referredID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var ref models.Referral
	if err := json.Unmarshal(val, &ref); err != nil {
		return nil, fmt.Errorf("decode referral of %s: %w", referredID, err)
	}
	return &ref, nil
}

func (s *RedisStore) IncrementReferralCount(ctx context.Context, id models.UserID) error {
	return s.credit(ctx, id, "referral_count", 1)
}

func (s *RedisStore) CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	created, err := s.rdb.HSetNX(ctx, withdrawalKey(w.ID), "id", w.ID).Result()
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("withdrawal %s already exists", w.ID)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, withdrawalKey(w.ID),
			"user_id", string(w.UserID),
			"username", w.Username,
			"address", w.Address,
			"amount", w.Amount.String(),
			"status", string(w.Status),
			"failure_reason", w.FailureReason,
			"created_at", stamp(w.CreatedAt),
			"updated_at", stamp(w.UpdatedAt),
		)
		p.ZAdd(ctx, withdrawalIdx, &redis.Z{Score: float64(w.CreatedAt.UnixNano()), Member: w.ID})
		return nil
	})
	return err
}

func decodeWithdrawal(f map[string]string) (*models.WithdrawalRequest, error) {
	amount, err := decimal.NewFromString(f["amount"])
	if err != nil {
		return nil, fmt.Errorf("decode amount: %w", err)
	}
	created, _ := time.Parse(time.RFC3339Nano, f["created_at"])
	updated, _ := time.Parse(time.RFC3339Nano, f["updated_at"])
	return &models.WithdrawalRequest{
		ID:            f["id"],
		UserID:        models.UserID(f["user_id"]),
		Username:      f["username"],
		Address:       f["address"],
		Amount:        amount,
		Status:        models.WithdrawalStatus(f["status"]),
		FailureReason: f["failure_reason"],
		CreatedAt:     created,
		UpdatedAt:     updated,
	}, nil
}

func (s *RedisStore) GetWithdrawal(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
	fields, err := s.rdb.HGetAll(ctx, withdrawalKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	return decodeWithdrawal(fields)
}

func (s *RedisStore) TransitionWithdrawal(ctx context.Context, id string, to models.WithdrawalStatus, reason string, from ...models.WithdrawalStatus) (*models.WithdrawalRequest, error) {
	args := []interface{}{string(to), stamp(time.Now()), reason}
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := transitionScript.Run(ctx, s.rdb, []string{withdrawalKey(id)}, args...).Int64()
	if err != nil {
		return nil, err
	}
	if res < 0 {
		return nil, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	w, err := s.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if res == 0 {
		return nil, fmt.Errorf("withdrawal %s is %s: %w", id, w.Status, ErrInvalidTransition)
	}
	return w, nil
}

func (s *RedisStore) ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]models.WithdrawalRequest, error) {
	ids, err := s.rdb.ZRevRange(ctx, withdrawalIdx, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, withdrawalKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.WithdrawalRequest, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		w, err := decodeWithdrawal(fields)
		if err != nil {
			return nil, err
		}
		if filter.matches(w) {
			out = append(out, *w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *RedisStore) Close() error { return s.rdb.Close() }

var _ LedgerStore = (*RedisStore)(nil)
