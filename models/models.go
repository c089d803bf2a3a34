package models

// Category of an outbound notification.
type Category string

const (
	CategoryToken       Category = "token"
	CategoryCollectible Category = "collectible"
	CategoryCoin        Category = "coin"
	CategoryParcel      Category = "parcel"
)

// Metadata is an opaque document returned by the content service.
type Metadata map[string]any

// Notification is the normalized activity message delivered to sessions.
type Notification struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Chain    ChainID  `json:"chain"`
	Symbol   string   `json:"symbol"`
	Hash     string   `json:"hash"`
	Value    float64  `json:"value"`
	Category Category `json:"category"`
	Contract string   `json:"contract"`
	TokenID  *string  `json:"token_id"`
	Metadata Metadata `json:"metadata"`
}

// WebhookEvent is the address-activity payload posted by the provider.
type WebhookEvent struct {
	App         string     `json:"app"`
	Network     string     `json:"network"`
	WebhookType string     `json:"webhookType,omitempty"`
	Timestamp   string     `json:"timestamp,omitempty"`
	Activity    []Activity `json:"activity"`
}

// Activity is a single transfer reported inside a WebhookEvent.
type Activity struct {
	FromAddress     string            `json:"fromAddress"`
	ToAddress       string            `json:"toAddress"`
	BlockNum        string            `json:"blockNum,omitempty"`
	Hash            string            `json:"hash"`
	Category        string            `json:"category"`
	Value           float64           `json:"value"`
	Asset           string            `json:"asset"`
	ERC721TokenID   *string           `json:"erc721TokenId,omitempty"`
	ERC1155Metadata []ERC1155Transfer `json:"erc1155Metadata,omitempty"`
	RawContract     *RawContract      `json:"rawContract,omitempty"`
	Log             *ActivityLog      `json:"log,omitempty"`
}

type ERC1155Transfer struct {
	TokenID string `json:"tokenId"`
	Value   string `json:"value"`
}

type RawContract struct {
	RawValue string `json:"rawValue,omitempty"`
	Address  string `json:"address,omitempty"`
	Decimals *int   `json:"decimals,omitempty"`
}

type ActivityLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics,omitempty"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber,omitempty"`
	TransactionHash string   `json:"transactionHash,omitempty"`
	LogIndex        string   `json:"logIndex,omitempty"`
	Removed         bool     `json:"removed,omitempty"`
}

// ContractAddress returns the emitting contract, preferring rawContract.
func (a *Activity) ContractAddress() string {
	if a.RawContract != nil && a.RawContract.Address != "" {
		return a.RawContract.Address
	}
	if a.Log != nil {
		return a.Log.Address
	}
	return ""
}
