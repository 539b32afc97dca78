package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentFromSymbol(t *testing.T) {
	inst, err := instrumentFromSymbol(" ethusdt ")
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", inst.ID)
	assert.Equal(t, "ETH", inst.BaseAsset)
	assert.Equal(t, "USDT", inst.QuoteAsset)

	for _, bad := range []string{"", "BTC.USDT", "BTC*", " "} {
		_, err := instrumentFromSymbol(bad)
		assert.Error(t, err, bad)
	}
}
