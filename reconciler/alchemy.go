package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kdimentionaltree/wallet-notifier/fetch"
	"github.com/kdimentionaltree/wallet-notifier/observability"
)

const (
	DefaultAlchemyURL   = "https://dashboard.alchemy.com"
	alchemyTokenHeader  = "X-Alchemy-Token"
	addressActivityType = "ADDRESS_ACTIVITY"
	addressPageSize     = 100
	maxAddressPages     = 1000
)

type alchemyWebhook struct {
	ID          string `json:"id"`
	Network     string `json:"network"`
	WebhookType string `json:"webhook_type"`
	WebhookURL  string `json:"webhook_url"`
	IsActive    bool   `json:"is_active"`
	SigningKey  string `json:"signing_key"`
}

type alchemyAddressPage struct {
	Data       []string `json:"data"`
	Pagination struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		TotalCount int `json:"total_count"`
	} `json:"pagination"`
}

type createWebhookRequest struct {
	Network     string   `json:"network"`
	WebhookType string   `json:"webhook_type"`
	WebhookURL  string   `json:"webhook_url"`
	Addresses   []string `json:"addresses"`
}

type updateAddressesRequest struct {
	WebhookID         string   `json:"webhook_id"`
	AddressesToAdd    []string `json:"addresses_to_add"`
	AddressesToRemove []string `json:"addresses_to_remove"`
}

// AlchemyClient talks to the Alchemy Notify dashboard API.
type AlchemyClient struct {
	baseURL string
	token   string
	http    *fetch.Client
	tracer  trace.Tracer
}

func NewAlchemyClient(baseURL, token string, hc *fetch.Client) *AlchemyClient {
	if baseURL == "" {
		baseURL = DefaultAlchemyURL
	}
	return &AlchemyClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    hc,
		tracer:  observability.Tracer(),
	}
}

func (a *AlchemyClient) do(ctx context.Context, op string, req fetch.Request, out any) (err error) {
	ctx, span := a.tracer.Start(ctx, "alchemy."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		observability.RemoteCalls.WithLabelValues(op, observability.ResultLabel(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	req.URL = a.baseURL + req.URL
	req.Headers = map[string]string{alchemyTokenHeader: a.token}
	code, err := a.http.Do(ctx, req, out)
	span.SetAttributes(attribute.Int("http.status_code", code))
	if errors.Is(err, fetch.ErrDecode) {
		return fmt.Errorf("%s: %w: %v", op, ErrMalformedResponse, err)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (a *AlchemyClient) List(ctx context.Context) ([]Subscription, error) {
	var resp struct {
		Data []alchemyWebhook `json:"data"`
	}
	if err := a.do(ctx, "list", fetch.Request{URL: "/api/team-webhooks"}, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("list: %w: missing data", ErrMalformedResponse)
	}
	subs := make([]Subscription, 0, len(resp.Data))
	for _, w := range resp.Data {
		if w.WebhookType != addressActivityType {
			continue
		}
		subs = append(subs, Subscription{
			ID:         w.ID,
			Network:    w.Network,
			URL:        w.WebhookURL,
			SigningKey: w.SigningKey,
			Active:     w.IsActive,
		})
	}
	return subs, nil
}

func (a *AlchemyClient) Addresses(ctx context.Context, id string) ([]string, error) {
	var (
		addresses []string
		after     string
	)
	for page := 0; page < maxAddressPages; page++ {
		q := url.Values{}
		q.Set("webhook_id", id)
		q.Set("limit", fmt.Sprint(addressPageSize))
		if after != "" {
			q.Set("after", after)
		}
		var resp alchemyAddressPage
		if err := a.do(ctx, "addresses", fetch.Request{URL: "/api/webhook-addresses?" + q.Encode()}, &resp); err != nil {
			return nil, err
		}
		addresses = append(addresses, resp.Data...)
		after = resp.Pagination.Cursors.After
		if after == "" || len(resp.Data) == 0 {
			return addresses, nil
		}
	}
	return addresses, nil
}

func (a *AlchemyClient) Create(ctx context.Context, network, callbackURL string, addresses []string) (Subscription, error) {
	if addresses == nil {
		addresses = []string{}
	}
	var resp struct {
		Data *alchemyWebhook `json:"data"`
	}
	err := a.do(ctx, "create", fetch.Request{
		Method: "POST",
		URL:    "/api/create-webhook",
		Body: createWebhookRequest{
			Network:     network,
			WebhookType: addressActivityType,
			WebhookURL:  callbackURL,
			Addresses:   addresses,
		},
	}, &resp)
	if err != nil {
		return Subscription{}, err
	}
	if resp.Data == nil || resp.Data.ID == "" {
		return Subscription{}, fmt.Errorf("create: %w: missing webhook id", ErrMalformedResponse)
	}
	return Subscription{
		ID:         resp.Data.ID,
		Network:    resp.Data.Network,
		URL:        resp.Data.WebhookURL,
		SigningKey: resp.Data.SigningKey,
		Active:     resp.Data.IsActive,
		Addresses:  addresses,
	}, nil
}

func (a *AlchemyClient) update(ctx context.Context, op, id string, add, remove []string) error {
	if add == nil {
		add = []string{}
	}
	if remove == nil {
		remove = []string{}
	}
	return a.do(ctx, op, fetch.Request{
		Method: "PATCH",
		URL:    "/api/update-webhook-addresses",
		Body: updateAddressesRequest{
			WebhookID:         id,
			AddressesToAdd:    add,
			AddressesToRemove: remove,
		},
	}, nil)
}

func (a *AlchemyClient) AddAddresses(ctx context.Context, id string, addresses []string) error {
	return a.update(ctx, "add_addresses", id, addresses, nil)
}

func (a *AlchemyClient) RemoveAddresses(ctx context.Context, id string, addresses []string) error {
	return a.update(ctx, "remove_addresses", id, nil, addresses)
}

func (a *AlchemyClient) Delete(ctx context.Context, id string) error {
	q := url.Values{}
	q.Set("webhook_id", id)
	return a.do(ctx, "delete", fetch.Request{Method: "DELETE", URL: "/api/delete-webhook?" + q.Encode()}, nil)
}
