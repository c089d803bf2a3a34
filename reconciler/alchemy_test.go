package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdimentionaltree/wallet-notifier/fetch"
	"github.com/kdimentionaltree/wallet-notifier/fetch/fetchtest"
)

type recordedUpdate struct {
	WebhookID         string   `json:"webhook_id"`
	AddressesToAdd    []string `json:"addresses_to_add"`
	AddressesToRemove []string `json:"addresses_to_remove"`
}

func newAlchemyTestClient(t *testing.T, setup func(app *fiber.App)) *AlchemyClient {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(func(c *fiber.Ctx) error {
		if c.Get("X-Alchemy-Token") != "tok" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		return c.Next()
	})
	setup(app)
	hc := fetch.NewClient(fetch.Options{Timeout: time.Second, Dial: fetchtest.Serve(t, app)})
	return NewAlchemyClient("http://alchemy/", "tok", hc)
}

func TestAlchemyList(t *testing.T) {
	client := newAlchemyTestClient(t, func(app *fiber.App) {
		app.Get("/api/team-webhooks", func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{"data": []fiber.Map{
				{"id": "wh_1", "network": "ETH_MAINNET", "webhook_type": "ADDRESS_ACTIVITY", "webhook_url": "https://x/hook", "is_active": true, "signing_key": "whsec_1"},
				{"id": "wh_2", "network": "ETH_MAINNET", "webhook_type": "MINED_TRANSACTION", "webhook_url": "https://x/hook"},
			}})
		})
	})

	subs, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, Subscription{ID: "wh_1", Network: "ETH_MAINNET", URL: "https://x/hook", SigningKey: "whsec_1", Active: true}, subs[0])
}

func TestAlchemyListMalformed(t *testing.T) {
	client := newAlchemyTestClient(t, func(app *fiber.App) {
		app.Get("/api/team-webhooks", func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{"message": "nope"})
		})
	})
	_, err := client.List(context.Background())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestAlchemyErrorsAreTransient(t *testing.T) {
	client := newAlchemyTestClient(t, func(app *fiber.App) {
		app.Get("/api/team-webhooks", func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusBadGateway)
		})
	})
	_, err := client.List(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrStatus)
	assert.NotErrorIs(t, err, ErrMalformedResponse)
}

func TestAlchemyAddressesPaginates(t *testing.T) {
	client := newAlchemyTestClient(t, func(app *fiber.App) {
		app.Get("/api/webhook-addresses", func(c *fiber.Ctx) error {
			if c.Query("webhook_id") != "wh_1" {
				return c.SendStatus(fiber.StatusNotFound)
			}
			if c.Query("after") == "" {
				return c.JSON(fiber.Map{"data": []string{"0x1", "0x2"}, "pagination": fiber.Map{"cursors": fiber.Map{"after": "p2"}, "total_count": 3}})
			}
			return c.JSON(fiber.Map{"data": []string{"0x3"}, "pagination": fiber.Map{"cursors": fiber.Map{}, "total_count": 3}})
		})
	})

	addrs, err := client.Addresses(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"0x1", "0x2", "0x3"}, addrs)
}

func TestAlchemyCreateUpdateDelete(t *testing.T) {
	var (
		created createWebhookRequest
		updates []recordedUpdate
		deleted string
	)
	client := newAlchemyTestClient(t, func(app *fiber.App) {
		app.Post("/api/create-webhook", func(c *fiber.Ctx) error {
			if err := c.BodyParser(&created); err != nil {
				return err
			}
			return c.JSON(fiber.Map{"data": fiber.Map{
				"id": "wh_9", "network": created.Network, "webhook_url": created.WebhookURL,
				"webhook_type": created.WebhookType, "is_active": true, "signing_key": "whsec_9",
			}})
		})
		app.Patch("/api/update-webhook-addresses", func(c *fiber.Ctx) error {
			var u recordedUpdate
			if err := c.BodyParser(&u); err != nil {
				return err
			}
			updates = append(updates, u)
			return c.JSON(fiber.Map{})
		})
		app.Delete("/api/delete-webhook", func(c *fiber.Ctx) error {
			deleted = c.Query("webhook_id")
			return c.JSON(fiber.Map{})
		})
	})
	ctx := context.Background()

	sub, err := client.Create(ctx, "MATIC_MAINNET", "https://x/hook", nil)
	require.NoError(t, err)
	assert.Equal(t, "wh_9", sub.ID)
	assert.Equal(t, "whsec_9", sub.SigningKey)
	assert.Equal(t, "ADDRESS_ACTIVITY", created.WebhookType)
	assert.Equal(t, []string{}, created.Addresses)

	require.NoError(t, client.AddAddresses(ctx, "wh_9", []string{"0xa"}))
	require.NoError(t, client.RemoveAddresses(ctx, "wh_9", []string{"0xb"}))
	assert.Equal(t, []recordedUpdate{
		{WebhookID: "wh_9", AddressesToAdd: []string{"0xa"}, AddressesToRemove: []string{}},
		{WebhookID: "wh_9", AddressesToAdd: []string{}, AddressesToRemove: []string{"0xb"}},
	}, updates)

	require.NoError(t, client.Delete(ctx, "wh_9"))
	assert.Equal(t, "wh_9", deleted)
}
