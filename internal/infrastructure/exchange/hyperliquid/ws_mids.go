package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"perpengine/internal/domain/model"
	"perpengine/internal/infrastructure/exchange"
)

// MidsSource 订阅 allMids 频道，FetchPrice 读最近一次推送
type MidsSource struct {
	ws      exchange.WSDialer
	network model.Network
	maxAge  time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	mids      map[string]decimal.Decimal
	updatedAt time.Time
	connected bool
}

type wsMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsAllMids struct {
	Mids map[string]string `json:"mids"`
}

// NewMidsSource url 为空时按网络取默认地址；maxAge 之前的推送视为过期
func NewMidsSource(url string, network model.Network, maxAge time.Duration) *MidsSource {
	if strings.TrimSpace(url) == "" {
		url = DefaultWSURL(network)
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return &MidsSource{
		ws:      exchange.WSDialer{URL: url},
		network: network,
		maxAge:  maxAge,
		now:     time.Now,
		mids:    map[string]decimal.Decimal{},
	}
}

func (s *MidsSource) Name() string { return sourceName(s.network) + "-ws" }

func (s *MidsSource) Network() model.Network { return s.network }

// Run 连接并持续读取，断线后退避重连，直到 ctx 结束
func (s *MidsSource) Run(ctx context.Context) error {
	var backoff exchange.Backoff
	for {
		subscribed, err := s.runOnce(ctx)
		s.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			backoff.Reset()
		}

		wait := backoff.Next()
		log.Warn().Err(err).Str("source", s.Name()).Dur("retry_in", wait).Msg("ws disconnected")
		if !exchange.Sleep(ctx, wait) {
			return nil
		}
	}
}

func (s *MidsSource) runOnce(ctx context.Context) (bool, error) {
	conn, err := s.ws.Dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.ws.URL, err)
	}
	defer conn.Close()

	sub := map[string]any{
		"method":       "subscribe",
		"subscription": map[string]string{"type": "allMids"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("subscribe allMids: %w", err)
	}
	s.setConnected(true)
	log.Info().Str("source", s.Name()).Msg("✓ allMids subscribed")

	err = s.ws.ReadLoop(ctx, conn, s.handle)
	if errors.Is(err, context.Canceled) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
	return true, err
}

func (s *MidsSource) handle(b []byte) {
	var msg wsMessage
	if err := json.Unmarshal(b, &msg); err != nil || msg.Channel != "allMids" {
		return
	}
	var data wsAllMids
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		log.Debug().Err(err).Msg("bad allMids payload")
		return
	}
	mids := parseMids(data.Mids)
	if len(mids) == 0 {
		return
	}

	s.mu.Lock()
	for coin, px := range mids {
		s.mids[coin] = px
	}
	s.updatedAt = s.now()
	s.mu.Unlock()
}

func (s *MidsSource) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// Connected websocket 当前是否在线
func (s *MidsSource) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// FetchPrice 断线或推送过期时返回 ErrNetwork，让上层回落到 REST 源
func (s *MidsSource) FetchPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	coin := model.Coin(symbol)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return decimal.Zero, fmt.Errorf("%w: %s not connected", model.ErrNetwork, s.Name())
	}
	if s.now().Sub(s.updatedAt) > s.maxAge {
		return decimal.Zero, fmt.Errorf("%w: %s mids stale", model.ErrNetwork, s.Name())
	}
	px, ok := s.mids[coin]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s on %s", model.ErrSymbolNotFound, coin, s.Name())
	}
	return px, nil
}
