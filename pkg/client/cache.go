package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"creators_metering/internal/model"
	"creators_metering/pkg/realtime"
	"creators_metering/pkg/subscription"
)

// DefaultTTL is how long fetched state is served without refetching.
const DefaultTTL = 30 * time.Second

// API is the part of Client the cache needs.
type API interface {
	Subscription(ctx context.Context) (*model.SubscriptionView, error)
	Usage(ctx context.Context) (*model.UsageView, error)
	Refresh(ctx context.Context) (*model.AccountView, error)
	Stream(ctx context.Context, userID string) (<-chan realtime.Message, error)
}

// Cache serves subscription and usage views, refetching only when older
// than the TTL. Pushed updates replace entries directly and count as fresh.
type Cache struct {
	api   API
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu           sync.Mutex
	sub          *model.SubscriptionView
	subFetched   time.Time
	subVersion   uint64
	usage        *model.UsageView
	usageFetched time.Time
	usageVersion uint64
}

func NewCache(api API, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{api: api, ttl: ttl, now: time.Now}
}

func (c *Cache) fresh(fetched time.Time) bool {
	return !fetched.IsZero() && c.now().Sub(fetched) < c.ttl
}

func (c *Cache) Subscription(ctx context.Context) (model.SubscriptionView, error) {
	c.mu.Lock()
	if c.sub != nil && c.fresh(c.subFetched) {
		view := *c.sub
		c.mu.Unlock()
		return view, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("subscription", func() (interface{}, error) {
		c.mu.Lock()
		started := c.subVersion
		c.mu.Unlock()

		view, err := c.api.Subscription(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		// A push or refresh that landed mid-fetch is newer than view.
		if c.subVersion != started && c.sub != nil {
			return *c.sub, nil
		}
		c.sub, c.subFetched = view, c.now()
		c.subVersion++
		return *view, nil
	})
	if err != nil {
		return model.SubscriptionView{}, err
	}
	return v.(model.SubscriptionView), nil
}

func (c *Cache) Usage(ctx context.Context) (model.UsageView, error) {
	c.mu.Lock()
	if c.usage != nil && c.fresh(c.usageFetched) {
		view := *c.usage
		c.mu.Unlock()
		return view, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("usage", func() (interface{}, error) {
		c.mu.Lock()
		started := c.usageVersion
		c.mu.Unlock()

		view, err := c.api.Usage(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.usageVersion != started && c.usage != nil {
			return *c.usage, nil
		}
		c.usage, c.usageFetched = view, c.now()
		c.usageVersion++
		return *view, nil
	})
	if err != nil {
		return model.UsageView{}, err
	}
	return v.(model.UsageView), nil
}

// Refresh bypasses the cache and asks the server to reconcile billing.
func (c *Cache) Refresh(ctx context.Context) (model.AccountView, error) {
	view, err := c.api.Refresh(ctx)
	if err != nil {
		return model.AccountView{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	sub, usage := view.Subscription, view.Usage
	c.sub, c.subFetched = &sub, now
	c.usage, c.usageFetched = &usage, now
	c.subVersion++
	c.usageVersion++
	return *view, nil
}

// Invalidate drops both entries.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sub, c.usage = nil, nil
	c.subFetched, c.usageFetched = time.Time{}, time.Time{}
	c.subVersion++
	c.usageVersion++
}

// Apply folds a pushed message into the cache and reports whether it
// changed anything. Connected and heartbeat messages are ignored.
func (c *Cache) Apply(msg realtime.Message) bool {
	if msg.Type != realtime.MessageUpdate || len(msg.Data) == 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	switch msg.Table {
	case realtime.TableSubscription:
		var row model.Subscription
		if err := json.Unmarshal(msg.Data, &row); err != nil {
			return false
		}
		view := model.NewSubscriptionView(row)
		c.sub, c.subFetched = &view, now
		c.subVersion++
		if c.usage != nil && c.usage.Plan != view.Plan {
			usage := model.NewUsageView(view.Plan, c.usage.Counters)
			c.usage = &usage
			c.usageVersion++
		}
		return true

	case realtime.TableUsage:
		var counters model.UsageCounters
		if err := json.Unmarshal(msg.Data, &counters); err != nil {
			return false
		}
		if counters.Month != model.MonthKey(now) {
			return false
		}
		plan := subscription.FreePlan
		if c.sub != nil {
			plan = c.sub.Plan
		} else if c.usage != nil {
			plan = c.usage.Plan
		}
		usage := model.NewUsageView(plan, counters)
		c.usage, c.usageFetched = &usage, now
		c.usageVersion++
		return true
	}
	return false
}

// Watch applies messages from the user's stream until it ends.
func (c *Cache) Watch(ctx context.Context, userID string) error {
	msgs, err := c.api.Stream(ctx, userID)
	if err != nil {
		return err
	}
	for msg := range msgs {
		c.Apply(msg)
	}
	return ctx.Err()
}
