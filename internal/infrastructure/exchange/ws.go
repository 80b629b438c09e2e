package exchange

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsDialTimeout  = 10 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 25 * time.Second
)

// WSDialer websocket 连接：拨号与带心跳的读循环
type WSDialer struct {
	URL string
}

func (w *WSDialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dctx, w.URL, nil)
	return conn, err
}

// ReadLoop 每条消息回调 onMessage；ctx 结束或连接出错时返回，调用方负责关闭 conn
func (w *WSDialer) ReadLoop(ctx context.Context, conn *websocket.Conn, onMessage func([]byte)) error {
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error { extend(); return nil })

	errCh := make(chan error, 1)
	go func() {
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			extend()
			onMessage(b)
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return err
			}
		}
	}
}

// Backoff 重连退避，500ms 起每次翻倍，上限 10s
type Backoff struct {
	cur time.Duration
}

func (b *Backoff) Next() time.Duration {
	switch {
	case b.cur <= 0:
		b.cur = 500 * time.Millisecond
	case b.cur < 10*time.Second:
		b.cur = min(b.cur*2, 10*time.Second)
	}
	return b.cur
}

// Reset 连接成功后调用
func (b *Backoff) Reset() { b.cur = 0 }

// Sleep 等待 d；ctx 先结束时返回 false
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
