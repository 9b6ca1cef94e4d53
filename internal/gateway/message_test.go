package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEnvelope(t *testing.T) {
	msg := NewMessage(TypeMarketData, map[string]interface{}{
		"symbol": "NQZ4",
		"price":  20500.25,
	})

	payload, err := msg.ToJSON()
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &parsed))
	assert.Equal(t, "market_data", parsed["type"])
	assert.NotEmpty(t, parsed["timestamp"])
	data := parsed["data"].(map[string]interface{})
	assert.Equal(t, "NQZ4", data["symbol"])
}

func TestErrorMessage(t *testing.T) {
	msg := NewErrorMessage(CodeRateLimitExceeded, "message rate limit exceeded")
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, CodeRateLimitExceeded, msg.Data["code"])
}
