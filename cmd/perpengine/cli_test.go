package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpengine/internal/application/backtest"
	"perpengine/internal/domain/model"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"price", "stream", "trade", "backtest"}, names)

	trade, _, err := root.Find([]string{"trade", "open"})
	require.NoError(t, err)
	assert.Equal(t, "open", trade.Name())
	assert.NotNil(t, trade.InheritedFlags().Lookup("mode"))
}

func TestParseDecimal(t *testing.T) {
	d, err := parseDecimal("size", "")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	d, err = parseDecimal("size", "0.25")
	require.NoError(t, err)
	assert.Equal(t, "0.25", d.String())

	_, err = parseDecimal("size", "abc")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestParseWindow(t *testing.T) {
	start, end, err := parseWindow("2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, end.Sub(start))

	_, _, err = parseWindow("2024-01-02T00:00:00Z", "2024-01-01T00:00:00Z")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, _, err = parseWindow("yesterday", "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestLoadDecisions(t *testing.T) {
	src, err := loadDecisions("", "")
	require.NoError(t, err)
	assert.Nil(t, src)

	src, err = loadDecisions("", "short")
	require.NoError(t, err)
	got, err := src.Decide(context.Background(), "BTC", backtest.Tick{})
	require.NoError(t, err)
	assert.Equal(t, model.SideShort, got.Side)

	path := filepath.Join(t.TempDir(), "schedule.yaml")
	require.NoError(t, os.WriteFile(path, []byte("decisions:\n  - at: 2024-01-01T00:00:00Z\n    side: long\n"), 0o644))
	src, err = loadDecisions(path, "")
	require.NoError(t, err)
	assert.NotNil(t, src)

	_, err = loadDecisions("", "sideways")
	assert.Error(t, err)
}
