package port

import (
	"context"

	"github.com/shopspring/decimal"

	"perpengine/internal/domain/model"
)

// Signature secp256k1 签名 (r, s, v)
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// Signer 签名能力：sign(action, nonce) -> signature
type Signer interface {
	Address() string
	Sign(ctx context.Context, action any, nonce uint64) (Signature, error)
}

// SignedAction 已签名、待提交的交易所动作
type SignedAction struct {
	Action       any       `json:"action"`
	Nonce        uint64    `json:"nonce"`
	Signature    Signature `json:"signature"`
	VaultAddress string    `json:"vaultAddress,omitempty"`
}

// OrderAck 交易所对提交的确认
type OrderAck struct {
	OrderID    string
	Status     string // filled / resting / ok
	AvgPrice   decimal.Decimal
	FilledSize decimal.Decimal
}

// ExchangeClient 交易所客户端
type ExchangeClient interface {
	SubmitOrder(ctx context.Context, action SignedAction) (OrderAck, error)
	AccountState(ctx context.Context, address string) (*model.AccountState, error)
	AssetIndex(ctx context.Context, symbol string) (int, error)
}

// OrderAction 下单动作
type OrderAction struct {
	Type     string      `json:"type"`
	Orders   []OrderWire `json:"orders"`
	Grouping string      `json:"grouping"`
}

// OrderWire 单笔订单
type OrderWire struct {
	Asset      int       `json:"a"`
	IsBuy      bool      `json:"b"`
	Price      string    `json:"p"`
	Size       string    `json:"s"`
	ReduceOnly bool      `json:"r"`
	Type       OrderType `json:"t"`
}

type OrderType struct {
	Limit   *LimitOrder   `json:"limit,omitempty"`
	Trigger *TriggerOrder `json:"trigger,omitempty"`
}

type LimitOrder struct {
	TIF string `json:"tif"` // Gtc / Ioc / Alo
}

type TriggerOrder struct {
	IsMarket  bool   `json:"isMarket"`
	TriggerPx string `json:"triggerPx"`
	TPSL      string `json:"tpsl"` // sl / tp
}

// UpdateLeverageAction 调整杠杆动作
type UpdateLeverageAction struct {
	Type     string `json:"type"`
	Asset    int    `json:"asset"`
	IsCross  bool   `json:"isCross"`
	Leverage int    `json:"leverage"`
}
