package models

import "strings"

// ChainID is the numeric EVM chain identifier used in outbound notifications.
type ChainID int

const (
	ChainEthereum ChainID = 1
	ChainPolygon  ChainID = 137
)

// Chain describes one network the notifier keeps a remote subscription for.
type Chain struct {
	ID ChainID
	// Network is the provider network name used when creating subscriptions.
	Network string
	// Aliases are other network names the provider may report in webhook payloads.
	Aliases []string
}

var knownChains = []Chain{
	{ID: ChainEthereum, Network: "ETH_MAINNET", Aliases: []string{"MAINNET"}},
	{ID: ChainPolygon, Network: "MATIC_MAINNET", Aliases: []string{"POLYGON_MAINNET"}},
}

// KnownChains returns a copy of the supported chain table.
func KnownChains() []Chain {
	res := make([]Chain, len(knownChains))
	copy(res, knownChains)
	return res
}

// ChainForNetwork maps a provider network name onto a supported chain.
func ChainForNetwork(network string) (Chain, bool) {
	network = strings.ToUpper(strings.TrimSpace(network))
	for _, c := range knownChains {
		if c.Network == network {
			return c, true
		}
		for _, alias := range c.Aliases {
			if alias == network {
				return c, true
			}
		}
	}
	return Chain{}, false
}

// ChainsByNetwork resolves a list of network names, skipping unknown ones.
func ChainsByNetwork(networks []string) (chains []Chain, unknown []string) {
	seen := make(map[ChainID]struct{})
	for _, n := range networks {
		c, ok := ChainForNetwork(n)
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		chains = append(chains, c)
	}
	return chains, unknown
}
