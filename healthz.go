package main

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kdimentionaltree/wallet-notifier/reconciler"
)

const healthRedisTimeout = 2 * time.Second

type componentHealth struct {
	OK             bool   `json:"ok"`
	Error          string `json:"error,omitempty"`
	State          string `json:"state,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Pending        *int   `json:"pending,omitempty"`
}

type healthzResponse struct {
	OK         bool                       `json:"ok"`
	Now        int64                      `json:"now"`
	Sessions   int                        `json:"sessions"`
	Components map[string]componentHealth `json:"components"`
}

type chainStatusSource interface {
	Status() []reconciler.ChainStatus
}

type sessionCounter interface {
	Len() int
}

// chainHealth flags a chain that has nothing subscribed while sessions are
// waiting for notifications.
func chainHealth(st reconciler.ChainStatus, sessions int) componentHealth {
	pending := st.Pending
	status := componentHealth{
		OK:             true,
		State:          st.State,
		SubscriptionID: st.SubscriptionID,
		Pending:        &pending,
	}
	if sessions > 0 && st.State == reconciler.StateUninitialized.String() {
		status.OK = false
		status.Error = "no subscription while sessions are connected"
	}
	return status
}

func redisHealth(ctx context.Context, rdb *redis.Client) componentHealth {
	status := componentHealth{OK: true}
	if err := rdb.Ping(ctx).Err(); err != nil {
		status.OK = false
		status.Error = err.Error()
	}
	return status
}

func healthzHandler(chains chainStatusSource, sessions sessionCounter, rdb *redis.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(context.Background(), healthRedisTimeout)
		defer cancel()

		response := healthzResponse{
			OK:         true,
			Now:        time.Now().Unix(),
			Sessions:   sessions.Len(),
			Components: make(map[string]componentHealth),
		}

		for _, st := range chains.Status() {
			status := chainHealth(st, response.Sessions)
			response.OK = response.OK && status.OK
			response.Components["subscription:"+st.Network] = status
		}

		if rdb != nil {
			status := redisHealth(ctx, rdb)
			response.OK = response.OK && status.OK
			response.Components["redis"] = status
		}

		if response.OK {
			return c.Status(fiber.StatusOK).JSON(response)
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(response)
	}
}
