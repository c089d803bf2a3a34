package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/wallet-notifier/cache"
	"github.com/kdimentionaltree/wallet-notifier/fetch"
	"github.com/kdimentionaltree/wallet-notifier/models"
)

type Config struct {
	// BaseURL of the content service, e.g. https://api.example.org/v1.
	BaseURL  string
	CacheTTL time.Duration
}

// Client resolves token metadata from the content service. Lookups are
// value-or-absent: transport failures are logged and reported as absent.
// A client without a base URL resolves nothing.
type Client struct {
	baseURL     string
	http        *fetch.Client
	ttl         time.Duration
	documents   *cache.Cache[models.Metadata]
	collections *cache.Cache[bool]
	log         *logrus.Entry
}

func NewClient(cfg Config, hc *fetch.Client, rdb *redis.Client, log *logrus.Entry) *Client {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		ttl:     cfg.CacheTTL,
		documents: cache.New(cache.Options[models.Metadata]{
			Client: rdb,
			Prefix: "metadata",
		}),
		collections: cache.New(cache.Options[bool]{
			Client:  rdb,
			Prefix:  "collection",
			Encoder: cache.JSONEncoder[bool](),
			Decoder: cache.JSONDecoder[bool](),
		}),
		log: log,
	}
}

func (c *Client) ResolveParcel(ctx context.Context, tokenID string) (models.Metadata, bool) {
	return c.document(ctx, "/parcels/"+tokenID+".json")
}

func (c *Client) ResolveName(ctx context.Context, tokenID string) (models.Metadata, bool) {
	return c.document(ctx, "/names/"+tokenID+".json")
}

func (c *Client) ResolveCollectible(ctx context.Context, chain models.ChainID, contract, tokenID string) (models.Metadata, bool) {
	path := fmt.Sprintf("/collections/%s/collectibles/%s.json?chain_id=%d", strings.ToLower(contract), tokenID, chain)
	return c.document(ctx, path)
}

// IsManagedCollection reports whether contract is a collection the content
// service knows about. Both answers are cached.
func (c *Client) IsManagedCollection(ctx context.Context, contract string) bool {
	if c.baseURL == "" {
		return false
	}
	path := "/collections/" + strings.ToLower(contract) + ".json"
	managed, _, err := c.collections.GetOrLoad(ctx, path, c.ttl, func(ctx context.Context) (bool, bool, error) {
		var resp struct {
			Success    bool           `json:"success"`
			Collection map[string]any `json:"collection"`
		}
		_, err := c.http.Get(ctx, c.baseURL+path, nil, &resp)
		var se *fetch.StatusError
		if errors.As(err, &se) && se.Code == 404 {
			return false, true, nil
		}
		if err != nil {
			return false, false, err
		}
		return resp.Success && resp.Collection != nil, true, nil
	})
	if err != nil {
		c.log.WithError(err).WithField("contract", contract).Warn("failed to check collection")
		return false
	}
	return managed
}

// RefreshParcel asks the content service to re-read parcel state after a transfer.
func (c *Client) RefreshParcel(ctx context.Context, tokenID string) error {
	if c.baseURL == "" {
		return nil
	}
	_, err := c.http.Get(ctx, c.baseURL+"/parcels/"+tokenID+"/query", nil, nil)
	return err
}

func (c *Client) document(ctx context.Context, path string) (models.Metadata, bool) {
	if c.baseURL == "" {
		return nil, false
	}
	doc, ok, err := c.documents.GetOrLoad(ctx, path, c.ttl, func(ctx context.Context) (models.Metadata, bool, error) {
		var doc models.Metadata
		_, err := c.http.Get(ctx, c.baseURL+path, nil, &doc)
		var se *fetch.StatusError
		if errors.As(err, &se) && se.Code == 404 {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return doc, len(doc) > 0, nil
	})
	if err != nil {
		c.log.WithError(err).WithField("path", path).Warn("failed to resolve metadata")
		return nil, false
	}
	return doc, ok
}
