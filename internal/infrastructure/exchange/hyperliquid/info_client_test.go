package hyperliquid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
)

type fakeAPI struct {
	metaCalls atomic.Int32
	exchange  string
	lastBody  atomic.Value
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.lastBody.Store(body)

		switch r.URL.Path {
		case "/info":
			switch body["type"] {
			case "allMids":
				_, _ = w.Write([]byte(`{"BTC":"50000.5","ETH":"3000","BAD":"x"}`))
			case "meta":
				f.metaCalls.Add(1)
				_, _ = w.Write([]byte(`{"universe":[{"name":"BTC","szDecimals":5,"maxLeverage":40},{"name":"ETH","szDecimals":4,"maxLeverage":25},{"name":"SOL","szDecimals":2,"maxLeverage":20}]}`))
			case "clearinghouseState":
				assert.Equal(t, "0xabc", body["user"])
				_, _ = w.Write([]byte(`{"marginSummary":{"accountValue":"1000.5","totalMarginUsed":"850","totalNtlPos":"4000"},"withdrawable":"150.5"}`))
			default:
				w.WriteHeader(http.StatusUnprocessableEntity)
			}
		case "/exchange":
			_, _ = w.Write([]byte(f.exchange))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func TestInfoClientFetchPrice(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	c := NewInfoClient(srv.URL, model.Mainnet, time.Second, 0)
	assert.Equal(t, "hyperliquid", c.Name())

	px, err := c.FetchPrice(context.Background(), "BTCUSD")
	require.NoError(t, err)
	assert.Equal(t, "50000.5", px.String())

	_, err = c.FetchPrice(context.Background(), "DOGE")
	assert.ErrorIs(t, err, model.ErrSymbolNotFound)

	// 无法解析的价格被忽略
	_, err = c.FetchPrice(context.Background(), "BAD")
	assert.ErrorIs(t, err, model.ErrSymbolNotFound)
}

func TestInfoClientAccountState(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	c := NewInfoClient(srv.URL, model.Testnet, time.Second, 0)
	state, err := c.AccountState(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "1000.5", state.AccountValue.String())
	assert.Equal(t, "850", state.MarginUsed.String())
	assert.Equal(t, "150.5", state.Withdrawable.String())

	_, err = c.AccountState(context.Background(), "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestInfoClientAssetIndexIsCached(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	c := NewInfoClient(srv.URL, model.Mainnet, time.Second, 0)
	ctx := context.Background()

	idx, err := c.AssetIndex(ctx, "SOL-PERP")
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	idx, err = c.AssetIndex(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.EqualValues(t, 1, api.metaCalls.Load())

	_, err = c.AssetIndex(ctx, "DOGE")
	assert.ErrorIs(t, err, model.ErrSymbolNotFound)
}

func TestExchangeClientSubmitOrder(t *testing.T) {
	cases := []struct {
		name    string
		resp    string
		status  string
		orderID string
		wantErr error
	}{
		{
			name:    "filled",
			resp:    `{"status":"ok","response":{"type":"order","data":{"statuses":[{"filled":{"totalSz":"0.1","avgPx":"50010","oid":77}}]}}}`,
			status:  model.OrderStatusFilled,
			orderID: "77",
		},
		{
			name:    "resting",
			resp:    `{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":78}}]}}}`,
			status:  model.OrderStatusResting,
			orderID: "78",
		},
		{
			name:    "order error",
			resp:    `{"status":"ok","response":{"type":"order","data":{"statuses":[{"error":"Insufficient margin"}]}}}`,
			wantErr: model.ErrExchangeRejected,
		},
		{
			name:    "status err",
			resp:    `{"status":"err","response":"User or API Wallet does not exist."}`,
			wantErr: model.ErrExchangeRejected,
		},
		{
			name:   "leverage update",
			resp:   `{"status":"ok","response":{"type":"default"}}`,
			status: model.OrderStatusSubmitted,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{exchange: tc.resp}
			srv := httptest.NewServer(api.handler(t))
			defer srv.Close()

			c := NewExchangeClient(NewInfoClient(srv.URL, model.Mainnet, time.Second, 0), srv.URL, 0)
			ack, err := c.SubmitOrder(context.Background(), port.SignedAction{
				Action:    port.UpdateLeverageAction{Type: "updateLeverage", Asset: 0, IsCross: true, Leverage: 5},
				Nonce:     1700000000000,
				Signature: port.Signature{R: "0x1", S: "0x2", V: 27},
			})
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.status, ack.Status)
			assert.Equal(t, tc.orderID, ack.OrderID)

			body := api.lastBody.Load().(map[string]any)
			assert.EqualValues(t, 1700000000000, body["nonce"])
			assert.Nil(t, body["vaultAddress"])
		})
	}
}
