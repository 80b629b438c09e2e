package model

import "strings"

// QuoteSuffixes 识别的计价币后缀，长的在前
var QuoteSuffixes = []string{"USDT", "USDC", "USD"}

// Coin 将交易对归一化为币种
// 例: BTCUSD -> BTC, btcusdt -> BTC, ETH-PERP -> ETH, SOL -> SOL
func Coin(symbol string) string {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	sym = strings.TrimSuffix(sym, "-PERP")
	sym = strings.TrimRight(sym, "-/_")
	for _, q := range QuoteSuffixes {
		if base, ok := strings.CutSuffix(sym, q); ok && base != "" {
			return strings.TrimRight(base, "-/_")
		}
	}
	return sym
}
