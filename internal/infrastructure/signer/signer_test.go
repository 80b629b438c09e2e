package signer

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
)

const testKey = "0x0123456789012345678901234567890123456789012345678901234567890123"

func testAction() port.OrderAction {
	return port.OrderAction{
		Type: "order",
		Orders: []port.OrderWire{{
			Asset: 0, IsBuy: true, Price: "50000", Size: "0.01",
			Type: port.OrderType{Limit: &port.LimitOrder{TIF: "Ioc"}},
		}},
		Grouping: "na",
	}
}

func TestSignRecoversToSignerAddress(t *testing.T) {
	for _, testnet := range []bool{false, true} {
		s, err := New(testKey, testnet)
		require.NoError(t, err)

		sig, err := s.Sign(context.Background(), testAction(), 1700000000000)
		require.NoError(t, err)
		assert.Contains(t, []uint8{27, 28}, sig.V)

		digest, err := Digest(testAction(), 1700000000000, testnet)
		require.NoError(t, err)

		raw := append(append(hexutil.MustDecode(sig.R), hexutil.MustDecode(sig.S)...), sig.V-27)
		pub, err := crypto.SigToPub(digest, raw)
		require.NoError(t, err)
		assert.Equal(t, s.Address(), crypto.PubkeyToAddress(*pub).Hex())
	}
}

func TestSignIsDeterministicAndNetworkBound(t *testing.T) {
	mainnet, err := New(testKey, false)
	require.NoError(t, err)
	testnet, err := New(testKey, true)
	require.NoError(t, err)
	assert.Equal(t, mainnet.Address(), testnet.Address())

	ctx := context.Background()
	a, err := mainnet.Sign(ctx, testAction(), 1)
	require.NoError(t, err)
	b, err := mainnet.Sign(ctx, testAction(), 1)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := mainnet.Sign(ctx, testAction(), 2)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	d, err := testnet.Sign(ctx, testAction(), 1)
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}

func TestNewRejectsBadKey(t *testing.T) {
	_, err := New("", false)
	assert.ErrorIs(t, err, model.ErrSignerUnavailable)

	_, err = New("0xnothex", false)
	assert.ErrorIs(t, err, model.ErrSignerUnavailable)
}
