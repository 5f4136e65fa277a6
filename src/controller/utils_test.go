package controller

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundengine/src/database/dbtest"
	"fundengine/src/repository"
)

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"btcusd", "BTCUSD"},
		{" ethusdt ", "ETHUSDT"},
		{"BTCUSD", "BTCUSD"},
		{"XAUEUR", "XAUEUR"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeSymbol(tt.input); got != tt.expected {
			t.Fatalf("expected %q -> %q, got %q", tt.input, tt.expected, got)
		}
	}
}

func TestClampFraction(t *testing.T) {
	if got := ClampFraction(decimal.RequireFromString("0.05")); !got.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("in-range fraction should pass through, got %s", got)
	}

	if got := ClampFraction(decimal.RequireFromString("1.5")); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("fraction should clamp to 1, got %s", got)
	}

	if got := ClampFraction(decimal.RequireFromString("-0.2")); !got.IsZero() {
		t.Fatalf("negative fraction should become zero, got %s", got)
	}
}

func TestCapturePersistsException(t *testing.T) {
	db := dbtest.New(t)
	repo := repository.NewExceptionRepository().WithDB(db)
	ctx := context.Background()

	Capture(ctx, repo, "fundengine", "executors", "awaitFill", "scan", "error", errors.New("venue unreachable"),
		map[string]interface{}{"symbol": "BTCUSDT"})
	Capture(ctx, repo, "fundengine", "executors", "awaitFill", "scan", "error", nil, nil)

	rows, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "venue unreachable", rows[0].Message)
	assert.Equal(t, "scan", rows[0].Trigger)
	assert.JSONEq(t, `{"symbol":"BTCUSDT"}`, rows[0].Context)
	assert.NotEmpty(t, rows[0].Stack)
}
