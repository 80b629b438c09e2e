package model

import (
	"fmt"
	"strings"
)

// Side 持仓方向
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide 解析方向字符串，兼容 buy/sell
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy", "b":
		return SideLong, nil
	case "short", "sell", "s":
		return SideShort, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrInvalidArgument, s)
}

// Valid 是否为合法方向
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Opposite 反方向
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// IsBuy 开仓方向对应的下单方向
func (s Side) IsBuy() bool { return s == SideLong }

func (s Side) String() string { return string(s) }

// ExecutionContext 执行上下文：模拟盘 / 实盘 / 回测
type ExecutionContext string

const (
	ContextPaper    ExecutionContext = "paper"
	ContextLive     ExecutionContext = "live"
	ContextBacktest ExecutionContext = "backtest"
)

// ParseExecutionContext 解析执行上下文
func ParseExecutionContext(s string) (ExecutionContext, error) {
	switch c := ExecutionContext(strings.ToLower(strings.TrimSpace(s))); c {
	case ContextPaper, ContextLive, ContextBacktest:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown execution context %q", ErrInvalidArgument, s)
}

func (c ExecutionContext) Valid() bool {
	return c == ContextPaper || c == ContextLive || c == ContextBacktest
}

func (c ExecutionContext) String() string { return string(c) }

// CloseReason 平仓原因
type CloseReason string

const (
	CloseManual      CloseReason = "manual"
	CloseStopLoss    CloseReason = "stop_loss"
	CloseTakeProfit  CloseReason = "take_profit"
	ClosePeriodEnded CloseReason = "period_ended"
	CloseReversed    CloseReason = "reversed"
	CloseReduce      CloseReason = "reduce"
)

// Network 交易所网络（主网 / 测试网）
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// NetworkFor 根据 isTestnet 标志返回网络
func NetworkFor(testnet bool) Network {
	if testnet {
		return Testnet
	}
	return Mainnet
}

func (n Network) IsTestnet() bool { return n == Testnet }
