package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/wallet-notifier/models"
	"github.com/kdimentionaltree/wallet-notifier/observability"
	"github.com/kdimentionaltree/wallet-notifier/tasks"
)

// Recipients delivers a notification to every session of a wallet.
type Recipients interface {
	NotifyWallet(ctx context.Context, wallet string, n *models.Notification) int
}

// MetadataResolver looks up token documents. Lookups report absence instead
// of failing.
type MetadataResolver interface {
	ResolveParcel(ctx context.Context, tokenID string) (models.Metadata, bool)
	ResolveName(ctx context.Context, tokenID string) (models.Metadata, bool)
	ResolveCollectible(ctx context.Context, chain models.ChainID, contract, tokenID string) (models.Metadata, bool)
	IsManagedCollection(ctx context.Context, contract string) bool
	RefreshParcel(ctx context.Context, tokenID string) error
}

type Config struct {
	ParcelContracts []string
	NameContracts   []string
	// CoinSymbols are the native and wrapped assets reported for external transfers.
	CoinSymbols []string
}

func DefaultConfig() Config {
	return Config{
		ParcelContracts: []string{"0x79986aF15539de2db9A5086382daEdA917A9CF0C"},
		NameContracts:   []string{"0x4243a8413A77Eb559c6f8eAFfA63F46019056d08"},
		CoinSymbols:     []string{"ETH", "WETH", "MATIC", "USDT"},
	}
}

// Router turns provider activity into notifications and hands them to
// recipients.
type Router struct {
	recipients Recipients
	resolver   MetadataResolver
	tasks      *tasks.Queue
	parcels    mapset.Set[string]
	names      mapset.Set[string]
	coins      mapset.Set[string]
	log        *logrus.Entry
}

func New(cfg Config, recipients Recipients, resolver MetadataResolver, queue *tasks.Queue, log *logrus.Entry) (*Router, error) {
	parcels, err := contractSet(cfg.ParcelContracts)
	if err != nil {
		return nil, err
	}
	names, err := contractSet(cfg.NameContracts)
	if err != nil {
		return nil, err
	}
	coins := mapset.NewSet[string]()
	for _, s := range cfg.CoinSymbols {
		coins.Add(strings.ToUpper(strings.TrimSpace(s)))
	}
	return &Router{
		recipients: recipients,
		resolver:   resolver,
		tasks:      queue,
		parcels:    parcels,
		names:      names,
		coins:      coins,
		log:        log,
	}, nil
}

func contractSet(addrs []string) (mapset.Set[string], error) {
	set := mapset.NewSet[string]()
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if !validContract(a) {
			return nil, fmt.Errorf("invalid contract address %q", a)
		}
		set.Add(strings.ToLower(a))
	}
	return set, nil
}

// Route classifies every activity of event and dispatches the resulting
// notifications. It returns the number of successful deliveries.
func (r *Router) Route(ctx context.Context, event *models.WebhookEvent) int {
	chain, ok := models.ChainForNetwork(event.Network)
	if !ok {
		observability.ActivitiesDropped.WithLabelValues("unknown_network").Add(float64(len(event.Activity)))
		r.log.WithField("network", event.Network).Warn("dropping activity for unknown network")
		return 0
	}
	delivered := 0
	for i := range event.Activity {
		for _, n := range r.Classify(ctx, chain.ID, &event.Activity[i]) {
			delivered += r.recipients.NotifyWallet(ctx, n.To, n)
		}
	}
	return delivered
}

// Classify maps one activity onto zero or more notifications. Checks run in
// order: parcel contract, multi-token transfer, name registry, generic
// non-fungible token, allow-listed coin.
func (r *Router) Classify(ctx context.Context, chain models.ChainID, a *models.Activity) []*models.Notification {
	category := strings.ToLower(a.Category)
	if category == "internal" {
		observability.ActivitiesDropped.WithLabelValues("internal").Inc()
		return nil
	}
	contract := strings.ToLower(a.ContractAddress())

	switch {
	case contract != "" && r.parcels.Contains(contract):
		return []*models.Notification{r.parcel(ctx, chain, a)}
	case len(a.ERC1155Metadata) > 0 || category == "erc1155":
		return r.multiToken(ctx, chain, a)
	case contract != "" && r.names.Contains(contract):
		return []*models.Notification{r.name(ctx, chain, a)}
	case a.ERC721TokenID != nil && (category == "token" || category == "erc721"):
		n := r.base(chain, a, models.CategoryToken)
		n.TokenID = tokenIDPtr(*a.ERC721TokenID)
		return []*models.Notification{n}
	case category == "external" && r.coins.Contains(strings.ToUpper(a.Asset)):
		n := r.base(chain, a, models.CategoryCoin)
		value := strconv.FormatFloat(a.Value, 'f', -1, 64)
		n.TokenID = &value
		return []*models.Notification{n}
	}
	observability.ActivitiesDropped.WithLabelValues("unclassified").Inc()
	r.log.WithFields(logrus.Fields{"hash": a.Hash, "category": a.Category, "asset": a.Asset}).Debug("dropping unclassified activity")
	return nil
}

func (r *Router) base(chain models.ChainID, a *models.Activity, category models.Category) *models.Notification {
	return &models.Notification{
		From:     NormalizeAddress(a.FromAddress),
		To:       NormalizeAddress(a.ToAddress),
		Chain:    chain,
		Symbol:   a.Asset,
		Hash:     a.Hash,
		Value:    a.Value,
		Category: category,
		Contract: a.ContractAddress(),
	}
}

func (r *Router) parcel(ctx context.Context, chain models.ChainID, a *models.Activity) *models.Notification {
	n := r.base(chain, a, models.CategoryParcel)
	n.TokenID = parcelTokenID(a)
	if n.TokenID == nil {
		return n
	}
	if doc, ok := r.resolver.ResolveParcel(ctx, *n.TokenID); ok {
		n.Metadata = doc
	}
	tokenID := *n.TokenID
	r.tasks.Submit("refresh parcel", func(ctx context.Context) error {
		return r.resolver.RefreshParcel(ctx, tokenID)
	})
	return n
}

// parcelTokenID prefers the id carried by the transfer log.
func parcelTokenID(a *models.Activity) *string {
	if a.Log != nil {
		if data := strings.TrimSpace(a.Log.Data); data != "" && data != "0x" {
			if id := tokenIDPtr(data); id != nil {
				return id
			}
		}
		if len(a.Log.Topics) == 4 {
			if id := tokenIDPtr(a.Log.Topics[3]); id != nil {
				return id
			}
		}
	}
	if a.ERC721TokenID != nil {
		return tokenIDPtr(*a.ERC721TokenID)
	}
	return nil
}

func (r *Router) name(ctx context.Context, chain models.ChainID, a *models.Activity) *models.Notification {
	n := r.base(chain, a, models.CategoryToken)
	if a.ERC721TokenID == nil {
		return n
	}
	n.TokenID = tokenIDPtr(*a.ERC721TokenID)
	if n.TokenID != nil {
		if doc, ok := r.resolver.ResolveName(ctx, *n.TokenID); ok {
			n.Metadata = doc
		}
	}
	return n
}

// multiToken emits one notification per transferred token. Tokens of a
// managed collection are collectibles and are skipped when their metadata
// cannot be resolved. Anything else is reported as a plain token.
func (r *Router) multiToken(ctx context.Context, chain models.ChainID, a *models.Activity) []*models.Notification {
	contract := a.ContractAddress()
	managed := contract != "" && r.resolver.IsManagedCollection(ctx, contract)

	res := make([]*models.Notification, 0, len(a.ERC1155Metadata))
	for _, t := range a.ERC1155Metadata {
		tokenID := tokenIDPtr(t.TokenID)
		if tokenID == nil {
			r.log.WithFields(logrus.Fields{"hash": a.Hash, "token_id": t.TokenID}).Warn("skipping token with unreadable id")
			continue
		}
		n := r.base(chain, a, models.CategoryToken)
		n.TokenID = tokenID
		n.Value = quantityToFloat(t.Value)
		if managed {
			doc, ok := r.resolver.ResolveCollectible(ctx, chain, contract, *tokenID)
			if !ok {
				observability.ActivitiesDropped.WithLabelValues("missing_metadata").Inc()
				r.log.WithFields(logrus.Fields{"contract": contract, "token_id": *tokenID}).Warn("skipping collectible without metadata")
				continue
			}
			n.Category = models.CategoryCollectible
			n.Metadata = doc
		}
		res = append(res, n)
	}
	return res
}

func tokenIDPtr(hex string) *string {
	id, ok := decimalTokenID(hex)
	if !ok {
		return nil
	}
	return &id
}
