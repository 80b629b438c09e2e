package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
	"perpengine/internal/domain/service"
)

const (
	legLeverage   = "leverage"
	legEntry      = "entry"
	legStopLoss   = "stop_loss"
	legTakeProfit = "take_profit"
)

// NonceSource 严格递增的毫秒 nonce
type NonceSource struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

func NewNonceSource(now func() time.Time) *NonceSource {
	if now == nil {
		now = time.Now
	}
	return &NonceSource{now: now}
}

func (n *NonceSource) Next() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := uint64(n.now().UnixMilli())
	if v <= n.last {
		v = n.last + 1
	}
	n.last = v
	return v
}

// LiveExecutor 签名并提交到交易所，成交后同步到本地账本
type LiveExecutor struct {
	base
	signer   port.Signer
	exchange port.ExchangeClient
	nonces   *NonceSource
	dedup    *service.OrderDeduplicator
	slippage decimal.Decimal
	timeout  time.Duration
}

var _ Executor = (*LiveExecutor)(nil)

// LiveOption 实盘执行器选项
type LiveOption func(*LiveExecutor)

// WithSlippage 市价单相对参考价的滑点，默认 5%
func WithSlippage(pct decimal.Decimal) LiveOption {
	return func(e *LiveExecutor) {
		if !pct.IsNegative() {
			e.slippage = pct
		}
	}
}

// WithSubmitTimeout 单次提交超时，默认 15s
func WithSubmitTimeout(d time.Duration) LiveOption {
	return func(e *LiveExecutor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithNonces 共享 nonce 源
func WithNonces(n *NonceSource) LiveOption {
	return func(e *LiveExecutor) {
		if n != nil {
			e.nonces = n
		}
	}
}

// WithDeduplicator 共享去重器，防止同一币种重复下单
func WithDeduplicator(d *service.OrderDeduplicator) LiveOption {
	return func(e *LiveExecutor) {
		if d != nil {
			e.dedup = d
		}
	}
}

func NewLiveExecutor(ledger *service.Ledger, signer port.Signer, exchange port.ExchangeClient, opts []Option, liveOpts ...LiveOption) *LiveExecutor {
	e := &LiveExecutor{
		base:     newBase(ledger, opts),
		signer:   signer,
		exchange: exchange,
		slippage: decimal.NewFromFloat(0.05),
		timeout:  15 * time.Second,
	}
	for _, opt := range liveOpts {
		opt(e)
	}
	if e.nonces == nil {
		e.nonces = NewNonceSource(e.now)
	}
	if e.dedup == nil {
		e.dedup = service.NewOrderDeduplicator(0)
	}
	return e
}

// Execute 杠杆 -> 主单 (IOC) -> 同步账本 -> 止损/止盈触发单
func (e *LiveExecutor) Execute(ctx context.Context, approval *service.Approval) (*ExecutionResult, error) {
	if e.signer == nil || e.exchange == nil {
		return nil, fmt.Errorf("%w: live executor requires signer and exchange client", model.ErrSignerUnavailable)
	}
	intent := approval.Intent
	coin := model.Coin(intent.Symbol)

	release, err := e.dedup.Acquire(coin, intent.Side, intent.Size)
	if err != nil {
		return nil, err
	}
	placed := false
	defer func() { release(placed) }()

	if err := approval.Consume(); err != nil {
		return nil, err
	}

	asset, err := e.exchange.AssetIndex(ctx, coin)
	if err != nil {
		return nil, fmt.Errorf("resolve asset %s: %w", coin, err)
	}

	var legs []model.LegStatus
	var orders []model.OrderRecord

	if intent.Leverage > 0 {
		action := port.UpdateLeverageAction{Type: "updateLeverage", Asset: asset, IsCross: true, Leverage: intent.Leverage}
		if _, err := e.submit(ctx, action); err != nil {
			return nil, fmt.Errorf("update leverage %s to %dx: %w", coin, intent.Leverage, err)
		}
		legs = append(legs, model.LegStatus{Leg: legLeverage, Status: model.OrderStatusSubmitted})
	}

	limit := e.limitPrice(intent, approval.Price)
	entry := port.OrderAction{
		Type: "order",
		Orders: []port.OrderWire{{
			Asset: asset,
			IsBuy: intent.Side.IsBuy(),
			Price: WirePrice(limit),
			Size:  intent.Size.String(),
			Type:  port.OrderType{Limit: &port.LimitOrder{TIF: "Ioc"}},
		}},
		Grouping: "na",
	}

	rec := e.orderRecord(intent, legEntry, intent.Size, limit)
	ack, err := e.submit(ctx, entry)
	if err != nil {
		rec.Status, rec.Error = model.OrderStatusFailed, err.Error()
		e.persist(ctx, []model.OrderRecord{rec}, nil, nil)
		return nil, fmt.Errorf("submit entry order %s: %w", coin, err)
	}

	fill, size := approval.Price, intent.Size
	if !intent.IsMarket() {
		fill = intent.Price
	}
	if ack.AvgPrice.IsPositive() {
		fill = ack.AvgPrice
	}
	if ack.FilledSize.IsPositive() {
		size = ack.FilledSize
	}
	placed = true
	rec.Status, rec.ExchangeOrderID, rec.Price, rec.Size = ack.Status, ack.OrderID, fill, size
	orders = append(orders, rec)
	legs = append(legs, model.LegStatus{Leg: legEntry, OrderID: ack.OrderID, Status: ack.Status})

	pos, closed, err := e.apply(intent, size, fill)
	if err != nil {
		e.persist(ctx, orders, nil, nil)
		return nil, fmt.Errorf("mirror fill into ledger: %w", err)
	}

	triggers := []struct {
		leg   string
		tpsl  string
		price decimal.Decimal
	}{
		{legStopLoss, "sl", intent.StopLoss},
		{legTakeProfit, "tp", intent.TakeProfit},
	}
	for _, tr := range triggers {
		if !tr.price.IsPositive() {
			continue
		}
		px := WirePrice(tr.price)
		action := port.OrderAction{
			Type: "order",
			Orders: []port.OrderWire{{
				Asset:      asset,
				IsBuy:      !intent.Side.IsBuy(),
				Price:      px,
				Size:       size.String(),
				ReduceOnly: true,
				Type:       port.OrderType{Trigger: &port.TriggerOrder{IsMarket: true, TriggerPx: px, TPSL: tr.tpsl}},
			}},
			Grouping: "na",
		}

		trigger := intent
		trigger.Side = intent.Side.Opposite()
		r := e.orderRecord(trigger, tr.leg, size, tr.price)
		leg := model.LegStatus{Leg: tr.leg}

		ack, err := e.submit(ctx, action)
		if err != nil {
			leg.Status, leg.Err = model.OrderStatusFailed, err
			r.Status, r.Error = model.OrderStatusFailed, err.Error()
			log.Error().Err(err).Str("symbol", coin).Str("leg", tr.leg).Msg("trigger order failed")
		} else {
			leg.Status, leg.OrderID = ack.Status, ack.OrderID
			r.Status, r.ExchangeOrderID = ack.Status, ack.OrderID
		}
		legs = append(legs, leg)
		orders = append(orders, r)
	}

	e.persist(ctx, orders, &pos, closed)

	res := &ExecutionResult{
		Context:   e.Context(),
		Position:  pos,
		FillPrice: fill,
		FillSize:  size,
		Closed:    closed,
		Legs:      legs,
	}
	log.Info().
		Str("symbol", coin).
		Str("side", string(intent.Side)).
		Str("size", size.String()).
		Str("price", fill.String()).
		Str("oid", ack.OrderID).
		Msg("live fill")

	if res.PartialFailure() {
		return res, &model.PartialExecutionError{Symbol: coin, Legs: legs}
	}
	return res, nil
}

// Close 以 reduce-only IOC 单平掉（部分）仓位，成功后同步账本
func (e *LiveExecutor) Close(ctx context.Context, symbol string, size, refPrice decimal.Decimal, reason model.CloseReason) (model.Trade, error) {
	if e.signer == nil || e.exchange == nil {
		return model.Trade{}, fmt.Errorf("%w: live executor requires signer and exchange client", model.ErrSignerUnavailable)
	}
	pos, ok := e.ledger.Position(symbol)
	if !ok {
		return model.Trade{}, fmt.Errorf("%w: %s", model.ErrNoSuchPosition, model.Coin(symbol))
	}
	if !size.IsPositive() || size.GreaterThan(pos.Size) {
		size = pos.Size
	}
	asset, err := e.exchange.AssetIndex(ctx, pos.Symbol)
	if err != nil {
		return model.Trade{}, fmt.Errorf("resolve asset %s: %w", pos.Symbol, err)
	}

	intent := model.TradeIntent{Symbol: pos.Symbol, Side: pos.Side.Opposite(), Size: size, Leverage: pos.Leverage, Context: e.Context()}
	limit := e.limitPrice(intent, refPrice)
	action := port.OrderAction{
		Type: "order",
		Orders: []port.OrderWire{{
			Asset:      asset,
			IsBuy:      intent.Side.IsBuy(),
			Price:      WirePrice(limit),
			Size:       size.String(),
			ReduceOnly: true,
			Type:       port.OrderType{Limit: &port.LimitOrder{TIF: "Ioc"}},
		}},
		Grouping: "na",
	}

	rec := e.orderRecord(intent, "close", size, limit)
	ack, err := e.submit(ctx, action)
	if err != nil {
		rec.Status, rec.Error = model.OrderStatusFailed, err.Error()
		e.persist(ctx, []model.OrderRecord{rec}, nil, nil)
		return model.Trade{}, fmt.Errorf("submit close order %s: %w", pos.Symbol, err)
	}

	fill := refPrice
	if ack.AvgPrice.IsPositive() {
		fill = ack.AvgPrice
	}
	if ack.FilledSize.IsPositive() {
		size = ack.FilledSize
	}
	rec.Status, rec.ExchangeOrderID, rec.Price, rec.Size = ack.Status, ack.OrderID, fill, size

	trade, err := e.ledger.ReduceOrClose(pos.Symbol, size, fill, reason)
	if err != nil {
		e.persist(ctx, []model.OrderRecord{rec}, nil, nil)
		return model.Trade{}, err
	}
	var snap *model.Position
	if rest, ok := e.ledger.Position(pos.Symbol); ok {
		snap = &rest
	}
	e.persist(ctx, []model.OrderRecord{rec}, snap, []model.Trade{trade})
	return trade, nil
}

// limitPrice 市价单：参考价 ± 滑点；限价单：意图价格
func (e *LiveExecutor) limitPrice(intent model.TradeIntent, ref decimal.Decimal) decimal.Decimal {
	if !intent.IsMarket() {
		return intent.Price
	}
	if intent.Side.IsBuy() {
		return ref.Mul(decimal.NewFromInt(1).Add(e.slippage))
	}
	return ref.Mul(decimal.NewFromInt(1).Sub(e.slippage))
}

func (e *LiveExecutor) submit(ctx context.Context, action any) (port.OrderAck, error) {
	nonce := e.nonces.Next()
	sig, err := e.signer.Sign(ctx, action, nonce)
	if err != nil {
		if !errors.Is(err, model.ErrSignerUnavailable) {
			err = fmt.Errorf("%w: %v", model.ErrSignerUnavailable, err)
		}
		return port.OrderAck{}, err
	}

	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.exchange.SubmitOrder(sctx, port.SignedAction{Action: action, Nonce: nonce, Signature: sig})
}

// WirePrice 最多 5 位有效数字，去掉末尾 0
func WirePrice(px decimal.Decimal) string {
	if !px.IsPositive() {
		return "0"
	}
	intDigits := int(px.NumDigits()) + int(px.Exponent())
	places := 5 - intDigits
	if places < 0 {
		places = 0
	}
	return px.Round(int32(places)).String()
}
