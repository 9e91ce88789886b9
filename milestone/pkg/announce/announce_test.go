package announce

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/ato/milestone/pkg/ladder"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestATO_Announce_K(t *testing.T) {
	t.Parallel()
	require.Equal(t, "75k", K(d("75000")))
	require.Equal(t, "80.12k", K(d("80123.4")))
	require.Equal(t, "0k", K(decimal.Zero))
}

func TestATO_Announce_Truncate(t *testing.T) {
	t.Parallel()

	require.Equal(t, "short", Truncate("short", 280))
	long := strings.Repeat("a", 300)
	got := Truncate(long, 280)
	require.Len(t, got, 280)
	require.True(t, strings.HasSuffix(got, "..."))

	// Counts runes, not bytes.
	emoji := strings.Repeat("✅", 10)
	require.Equal(t, emoji, Truncate(emoji, 10))
	require.Equal(t, "✅✅✅✅✅...", Truncate(emoji, 8))
}

func TestATO_Announce_Plan(t *testing.T) {
	t.Parallel()

	got := Plan(d("12000"), ladder.Default())
	require.Contains(t, got, "current marketcap: 12k")
	require.Contains(t, got, "- 75k mc: burn 0.5% + 0.2 SOL buyback")
	require.Contains(t, got, "- 1000k mc: burn 0.5% + 1.5 SOL buyback")
	require.NotContains(t, got, "2000k")
}

func TestATO_Announce_MarketcapUpdate(t *testing.T) {
	t.Parallel()

	next := ladder.New("150000", "0.5", "0.4")
	require.Equal(t, "current marketcap: 80k\nnext milestone: 150k\nremaining: 70k to go", MarketcapUpdate(d("80000"), &next))
	require.Contains(t, MarketcapUpdate(d("160000"), &next), "reached, execution pending")
	require.Contains(t, MarketcapUpdate(d("160000"), nil), "every milestone is done")
}

func TestATO_Announce_Summaries(t *testing.T) {
	t.Parallel()

	ok := Standard(d("0.5"), d("0.2"), true, true)
	require.False(t, Failed(ok))

	burnMissed := Standard(d("0.5"), d("0.2"), false, true)
	require.True(t, Failed(burnMissed))
	require.Contains(t, burnMissed, "burn missed")
	require.NotContains(t, burnMissed, "buyback missed")

	special := Special(d("0.25"), d("1.5"), true, false, true)
	require.True(t, Failed(special))
	require.Contains(t, special, "dev transfer missed")
	require.Contains(t, special, "burned 0.25% of supply")
}
