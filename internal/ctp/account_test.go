package ctp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/pkg/exception"
)

func TestResolveMarginPrice(t *testing.T) {
	full := PriceSet{PreSettlement: 3400, Settlement: 3450, Average: 3420, Open: 3380}
	testCases := []struct {
		desc   string
		typ    MarginPriceType
		prices PriceSet
		want   float64
	}{
		{desc: "pre settlement", typ: MarginPricePreSettlement, prices: full, want: 3400},
		{desc: "settlement", typ: MarginPriceSettlement, prices: full, want: 3450},
		{desc: "average", typ: MarginPriceAverage, prices: full, want: 3420},
		{desc: "open", typ: MarginPriceOpen, prices: full, want: 3380},
		{desc: "open missing falls back to settlement", typ: MarginPriceOpen, prices: PriceSet{PreSettlement: 3400, Settlement: 3450}, want: 3450},
		{desc: "settlement missing falls back to pre settlement", typ: MarginPriceSettlement, prices: PriceSet{PreSettlement: 3400, Average: 3420}, want: 3400},
		{desc: "only open left", typ: MarginPriceAverage, prices: PriceSet{Open: 3380}, want: 3380},
		{desc: "nothing positive", typ: MarginPriceAverage, prices: PriceSet{}, want: 0},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := ResolveMarginPrice(tc.typ, tc.prices)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ResolveMarginPrice(MarginPriceType(5), full)
	require.ErrorIs(t, err, exception.ErrLedgerInvalidMarginType)
}

func TestPositionMargin(t *testing.T) {
	m := PositionMargin(3500, -2, 10, 0.1)
	assert.Equal(t, "7000", m.String())
}

func TestAccountLedgerMarginAndMarkToMarket(t *testing.T) {
	l := NewAccountLedger()
	require.NoError(t, l.Open("acc", "20240603", 100000))

	margin, err := l.Remargin("acc", MarginPriceSettlement, []MarginInput{
		{InstrumentID: "rb2410", Volume: 2, Multiplier: 10, Rate: 0.1, Prices: PriceSet{Settlement: 3500}},
		{InstrumentID: "ag2412", Volume: -1, Multiplier: 15, Rate: 0.2, Prices: PriceSet{PreSettlement: 7000}},
	})
	require.NoError(t, err)
	assert.Equal(t, "28000", margin.String())

	rec, ok := l.Record("acc")
	require.True(t, ok)
	assert.Equal(t, 100000.0, rec.Balance)
	assert.Equal(t, 72000.0, rec.Available)
	assert.Equal(t, 28000.0, rec.Margin)
	assert.InDelta(t, 0.28, l.Leverage("acc"), 1e-9)

	pnl, err := l.MarkToMarket("acc", "20240603", 3500, 3490, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, "-200", pnl.String())
	assert.Equal(t, -200.0, l.TodayPnl("acc"))

	rec, _ = l.Record("acc")
	assert.Equal(t, 99800.0, rec.Balance)
	assert.Equal(t, 71800.0, rec.Available)

	_, err = l.MarkToMarket("acc", "20240604", 3490, 3500, 2, 10)
	require.NoError(t, err)
	rec, _ = l.Record("acc")
	assert.Equal(t, "20240604", rec.TradingDay)
	assert.Equal(t, 200.0, rec.DailyPnl, "rollover resets daily pnl before applying")
	assert.Equal(t, 100000.0, rec.Balance)

	require.NoError(t, l.Rollover("acc", "20240605"))
	assert.Zero(t, l.TodayPnl("acc"))
}

func TestAccountLedgerUnknownAccount(t *testing.T) {
	l := NewAccountLedger()
	_, err := l.MarkToMarket("missing", "", 1, 2, 1, 1)
	require.ErrorIs(t, err, exception.ErrLedgerUnknownAccount)
	_, err = l.Remargin("missing", MarginPriceOpen, nil)
	require.ErrorIs(t, err, exception.ErrLedgerUnknownAccount)
	require.ErrorIs(t, l.Rollover("missing", "d"), exception.ErrLedgerUnknownAccount)
	require.ErrorIs(t, l.Open("", "d", 1), exception.ErrLedgerInvalidKey)
	assert.Zero(t, l.Leverage("missing"))
	assert.Empty(t, l.Records())
}

func TestAccountLedgerApplyRealized(t *testing.T) {
	l := NewAccountLedger()
	require.NoError(t, l.Open("acc", "20240603", 100000))

	net, err := l.ApplyRealized("acc", -500, 12.5)
	require.NoError(t, err)
	assert.Equal(t, "-512.5", net.String())
	assert.Equal(t, -512.5, l.TodayPnl("acc"))

	rec, _ := l.Record("acc")
	assert.Equal(t, 99487.5, rec.Balance)
	assert.Equal(t, 99487.5, rec.Available)

	_, err = l.ApplyRealized("missing", 1, 0)
	require.ErrorIs(t, err, exception.ErrLedgerUnknownAccount)
}
