package stream

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/bookagg/internal/book"
)

func TestDecodeSnapshot(t *testing.T) {
	msg, err := Decode([]byte(`{"exchangeId":"exA","type":"snapshot","bids":[["10","1"],[9.5,"2"]],"asks":[["11","1"]]}`))
	require.NoError(t, err)

	assert.Equal(t, KindSnapshot, msg.Kind)
	assert.Equal(t, "exA", msg.ExchangeID)
	require.Len(t, msg.Bids, 2)
	assert.True(t, msg.Bids[1].Price.Equal(decimal.RequireFromString("9.5")))
	require.Len(t, msg.Asks, 1)
	assert.Empty(t, msg.Changes)
}

func TestDecodeDelta(t *testing.T) {
	msg, err := Decode([]byte(`{"exchangeId":"exA","type":"delta","updates":[{"side":"bid","price":"10","quantity":"2"}],"asks":[["11","0"]]}`))
	require.NoError(t, err)

	assert.Equal(t, KindDelta, msg.Kind)
	require.Len(t, msg.Changes, 2)
	assert.Equal(t, book.Bid, msg.Changes[0].Side)
	assert.True(t, msg.Changes[0].Quantity.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, book.Ask, msg.Changes[1].Side)
	assert.True(t, msg.Changes[1].Quantity.IsZero())
}

func TestDecodeHeartbeat(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"heartbeat"}`))
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, msg.Kind)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		want      error
		transport bool
	}{
		{"not json", `not json`, ErrMalformedFrame, true},
		{"truncated", `{"exchangeId":"exA","type":"snap`, ErrMalformedFrame, true},
		{"unknown kind", `{"exchangeId":"exA","type":"trade"}`, ErrUnknownKind, false},
		{"missing exchange", `{"type":"snapshot","bids":[]}`, ErrMissingExchange, false},
		{"short tuple", `{"exchangeId":"exA","type":"snapshot","bids":[["10"]]}`, ErrInvalidTuple, false},
		{"bad price", `{"exchangeId":"exA","type":"snapshot","bids":[["abc","1"]]}`, ErrInvalidTuple, false},
		{"negative quantity", `{"exchangeId":"exA","type":"snapshot","asks":[["11","-1"]]}`, ErrInvalidTuple, false},
		{"zero price", `{"exchangeId":"exA","type":"delta","bids":[["0","1"]]}`, ErrInvalidTuple, false},
		{"bad side", `{"exchangeId":"exA","type":"delta","updates":[{"side":"buy-ish","price":"1","quantity":"1"}]}`, ErrInvalidTuple, false},
		{"missing quantity", `{"exchangeId":"exA","type":"delta","updates":[{"side":"ask","price":"1"}]}`, ErrInvalidTuple, false},
		{"huge exponent", `{"exchangeId":"exA","type":"snapshot","bids":[],"asks":[["1e20000000","1"]]}`, ErrInvalidTuple, false},
		{"tiny exponent", `{"exchangeId":"exA","type":"delta","bids":[["10","1e-20000000"]]}`, ErrInvalidTuple, false},
		{"too many digits", `{"exchangeId":"exA","type":"delta","updates":[{"side":"bid","price":"10","quantity":"12345678901234567890123456789012345678901"}]}`, ErrInvalidTuple, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.transport, IsTransportError(err))
			assert.Equal(t, !tt.transport, IsProtocolError(err))
		})
	}
}
