package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
	"perpengine/internal/infrastructure/exchange"
)

// ExchangeClient 提交签名动作到 /exchange，查询委托给 InfoClient
type ExchangeClient struct {
	info   *InfoClient
	client *exchange.JSONClient
}

type exchangeRequest struct {
	Action       any           `json:"action"`
	Nonce        uint64        `json:"nonce"`
	Signature    wireSignature `json:"signature"`
	VaultAddress *string       `json:"vaultAddress"`
}

type wireSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

type exchangeResp struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type orderResp struct {
	Type string `json:"type"`
	Data struct {
		Statuses []orderStatus `json:"statuses"`
	} `json:"data"`
}

type orderStatus struct {
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		Oid     int64  `json:"oid"`
	} `json:"filled,omitempty"`
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewExchangeClient 下单请求使用 15s 超时
func NewExchangeClient(info *InfoClient, baseURL string, rps float64) *ExchangeClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultURL(info.Network())
	}
	return &ExchangeClient{
		info:   info,
		client: exchange.NewJSONClient(sourceName(info.Network())+"-exchange", baseURL, 15*time.Second, rps),
	}
}

// AccountState 委托 InfoClient
func (c *ExchangeClient) AccountState(ctx context.Context, address string) (*model.AccountState, error) {
	return c.info.AccountState(ctx, address)
}

// AssetIndex 委托 InfoClient
func (c *ExchangeClient) AssetIndex(ctx context.Context, symbol string) (int, error) {
	return c.info.AssetIndex(ctx, symbol)
}

// SubmitOrder 提交已签名的动作，解析第一个订单状态
func (c *ExchangeClient) SubmitOrder(ctx context.Context, action port.SignedAction) (port.OrderAck, error) {
	req := exchangeRequest{
		Action: action.Action,
		Nonce:  action.Nonce,
		Signature: wireSignature{
			R: action.Signature.R,
			S: action.Signature.S,
			V: action.Signature.V,
		},
	}
	if action.VaultAddress != "" {
		vault := action.VaultAddress
		req.VaultAddress = &vault
	}

	var resp exchangeResp
	if err := c.client.PostJSON(ctx, "/exchange", req, &resp); err != nil {
		return port.OrderAck{}, err
	}
	return parseExchangeResponse(resp)
}

func parseExchangeResponse(resp exchangeResp) (port.OrderAck, error) {
	if resp.Status != "ok" {
		var msg string
		if err := json.Unmarshal(resp.Response, &msg); err != nil {
			msg = string(resp.Response)
		}
		return port.OrderAck{}, fmt.Errorf("%w: %s", model.ErrExchangeRejected, msg)
	}

	var body orderResp
	if err := json.Unmarshal(resp.Response, &body); err != nil {
		return port.OrderAck{}, fmt.Errorf("%w: decode exchange response: %v", model.ErrNetwork, err)
	}
	// updateLeverage 等动作返回 {"type":"default"}
	if body.Type != "order" {
		return port.OrderAck{Status: model.OrderStatusSubmitted}, nil
	}
	if len(body.Data.Statuses) == 0 {
		return port.OrderAck{}, fmt.Errorf("%w: empty order statuses", model.ErrExchangeRejected)
	}

	st := body.Data.Statuses[0]
	switch {
	case st.Error != "":
		return port.OrderAck{Status: model.OrderStatusFailed}, fmt.Errorf("%w: %s", model.ErrExchangeRejected, st.Error)
	case st.Filled != nil:
		ack := port.OrderAck{
			OrderID: strconv.FormatInt(st.Filled.Oid, 10),
			Status:  model.OrderStatusFilled,
		}
		ack.AvgPrice, _ = decimal.NewFromString(st.Filled.AvgPx)
		ack.FilledSize, _ = decimal.NewFromString(st.Filled.TotalSz)
		return ack, nil
	case st.Resting != nil:
		return port.OrderAck{
			OrderID: strconv.FormatInt(st.Resting.Oid, 10),
			Status:  model.OrderStatusResting,
		}, nil
	default:
		return port.OrderAck{Status: model.OrderStatusSubmitted}, nil
	}
}
