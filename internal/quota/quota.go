package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/parley/core/config"
	"basegraph.app/parley/internal/model"
)

// Usage is a user's standing against their plan's daily allowance.
type Usage struct {
	Plan  model.Plan
	Limit int
	Used  int
}

func (u Usage) Exceeded() bool {
	return u.Limit >= 0 && u.Used >= u.Limit
}

func (u Usage) Remaining() int {
	if u.Limit < 0 {
		return -1
	}
	return max(u.Limit-u.Used, 0)
}

// Tracker keeps a per-user counter per UTC day in Redis.
// A negative limit means unlimited.
type Tracker struct {
	rdb    redis.Cmdable
	limits map[model.Plan]int
	now    func() time.Time
}

func New(rdb redis.Cmdable, cfg config.QuotaConfig) *Tracker {
	return &Tracker{
		rdb: rdb,
		limits: map[model.Plan]int{
			model.PlanFree:    cfg.FreeDaily,
			model.PlanPremium: cfg.PremiumDaily,
		},
		now: time.Now,
	}
}

// Check reads the current usage without mutating it.
func (t *Tracker) Check(ctx context.Context, user model.User) (Usage, error) {
	usage := Usage{Plan: user.Plan, Limit: t.limit(user.Plan)}

	used, err := t.rdb.Get(ctx, t.key(user.ID)).Int()
	if err != nil && err != redis.Nil {
		return Usage{}, fmt.Errorf("reading quota for %s: %w", user.ID, err)
	}
	usage.Used = used
	return usage, nil
}

// Record counts one message against today's allowance.
func (t *Tracker) Record(ctx context.Context, user model.User) (Usage, error) {
	key := t.key(user.ID)

	var incr *redis.IntCmd
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		// keep the counter a little past midnight for late readers
		pipe.ExpireAt(ctx, key, t.endOfDay().Add(time.Hour))
		return nil
	})
	if err != nil {
		return Usage{}, fmt.Errorf("recording quota for %s: %w", user.ID, err)
	}

	return Usage{Plan: user.Plan, Limit: t.limit(user.Plan), Used: int(incr.Val())}, nil
}

func (t *Tracker) limit(plan model.Plan) int {
	if l, ok := t.limits[plan]; ok {
		return l
	}
	return t.limits[model.PlanFree]
}

func (t *Tracker) key(userID string) string {
	return fmt.Sprintf("parley:quota:%s:%s", userID, t.now().UTC().Format("20060102"))
}

func (t *Tracker) endOfDay() time.Time {
	now := t.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
