package feed

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseNote_BookSnapshot(t *testing.T) {
	raw := []byte(`{
		"route": "book",
		"payload": {
			"host": "dex.example.org",
			"marketID": "dcr_btc",
			"epoch": 42,
			"orders": [
				{"token": "t1", "sell": true, "msgRate": 200000, "qtyAtomic": 100000000},
				{"token": "t2", "sell": false, "msgRate": 190000, "qtyAtomic": 200000000, "epoch": 42}
			]
		}
	}`)

	note, err := ParseNote(raw)
	require.NoError(t, err)

	book, ok := note.(*BookNote)
	require.True(t, ok)
	assert.Equal(t, BookRoute, book.Route())

	host, mktID := book.Origin()
	assert.Equal(t, "dex.example.org", host)
	assert.Equal(t, "dcr_btc", mktID)

	assert.Equal(t, uint64(42), book.Epoch)
	require.Len(t, book.Orders, 2)
	assert.Nil(t, book.Orders[0].Epoch, "booked order carries no epoch")
	require.NotNil(t, book.Orders[1].Epoch)
	assert.Equal(t, uint64(42), *book.Orders[1].Epoch)
}

func Test_ParseNote_AllRoutes(t *testing.T) {
	origin := `"host": "h", "marketID": "m"`
	tests := []struct {
		route   string
		payload string
		check   func(t *testing.T, note Note)
	}{
		{
			BookOrderRoute,
			`{` + origin + `, "order": {"token": "t1", "msgRate": 100, "qtyAtomic": 5}}`,
			func(t *testing.T, note Note) {
				n := note.(*BookOrderNote)
				assert.Equal(t, "t1", n.Order.Token)
				assert.Equal(t, uint64(100), n.Order.MsgRate)
			},
		},
		{
			UnbookOrderRoute,
			`{` + origin + `, "token": "t2"}`,
			func(t *testing.T, note Note) {
				assert.Equal(t, "t2", note.(*UnbookOrderNote).Token)
			},
		},
		{
			UpdateRemainingRoute,
			`{` + origin + `, "token": "t3", "qtyAtomic": 77}`,
			func(t *testing.T, note Note) {
				n := note.(*UpdateRemainingNote)
				assert.Equal(t, "t3", n.Token)
				assert.Equal(t, uint64(77), n.QtyAtomic)
			},
		},
		{
			EpochOrderRoute,
			`{` + origin + `, "epoch": 9, "order": {"token": "t4", "epoch": 9}}`,
			func(t *testing.T, note Note) {
				n := note.(*EpochOrderNote)
				assert.Equal(t, uint64(9), n.Epoch)
				require.NotNil(t, n.Order.Epoch)
				assert.Equal(t, uint64(9), *n.Order.Epoch)
			},
		},
		{
			NewEpochRoute,
			`{` + origin + `, "epoch": 10}`,
			func(t *testing.T, note Note) {
				assert.Equal(t, uint64(10), note.(*NewEpochNote).Epoch)
			},
		},
		{
			CandlesRoute,
			`{` + origin + `, "durMs": 60000, "candles": [{"startStamp": 1000, "endStamp": 61000, "matchVolume": 3, "highRate": 5, "lowRate": 2}]}`,
			func(t *testing.T, note Note) {
				n := note.(*CandlesNote)
				assert.Equal(t, uint64(60000), n.DurMs)
				require.Len(t, n.Candles, 1)
				assert.Equal(t, uint64(1000), n.Candles[0].StartStamp)
			},
		},
		{
			CandleUpdateRoute,
			`{` + origin + `, "durMs": 60000, "candle": {"startStamp": 61000, "highRate": 6}}`,
			func(t *testing.T, note Note) {
				n := note.(*CandleUpdateNote)
				assert.Equal(t, uint64(61000), n.Candle.StartStamp)
			},
		},
		{
			SpotsRoute,
			`{` + origin + `, "rate": 200000, "change24": -0.03, "vol24": 12345}`,
			func(t *testing.T, note Note) {
				n := note.(*SpotsNote)
				assert.Equal(t, uint64(200000), n.Rate)
				assert.InDelta(t, -0.03, n.Change, 0.0001)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			raw := []byte(`{"route": "` + tt.route + `", "payload": ` + tt.payload + `}`)
			note, err := ParseNote(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.route, note.Route())

			host, mktID := note.Origin()
			assert.Equal(t, "h", host)
			assert.Equal(t, "m", mktID)

			tt.check(t, note)
		})
	}
}

func Test_ParseNote_UnknownRoute(t *testing.T) {
	_, err := ParseNote([]byte(`{"route": "config_update", "payload": {}}`))
	assert.ErrorIs(t, err, ErrUnknownRoute)
}

func Test_ParseNote_Malformed(t *testing.T) {
	_, err := ParseNote([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseNote([]byte(`{"route": "new_epoch", "payload": "not an object"}`))
	assert.Error(t, err)
}

func Test_ParseNote_ValidationFailure(t *testing.T) {
	// Missing origin fields fail struct validation.
	_, err := ParseNote([]byte(`{"route": "new_epoch", "payload": {"epoch": 3}}`))
	assert.Error(t, err)

	// An order without a token fails the dive validation on the snapshot.
	_, err = ParseNote([]byte(`{
		"route": "book",
		"payload": {"host": "h", "marketID": "m", "epoch": 1, "orders": [{"msgRate": 5}]}
	}`))
	assert.Error(t, err)
}

func Test_Request_Encoding(t *testing.T) {
	req := Request{
		Route:   LoadCandlesRoute,
		Payload: LoadCandlesPayload{Host: "h", MarketID: "m", DurMs: 60000},
	}

	raw, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded struct {
		Route   string             `json:"route"`
		Payload LoadCandlesPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, LoadCandlesRoute, decoded.Route)
	assert.Equal(t, uint64(60000), decoded.Payload.DurMs)
}
