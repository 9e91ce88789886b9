// Package announce renders the public announcement texts.
package announce

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/malbeclabs/ato/milestone/pkg/ladder"
)

const (
	SuccessMarker = "✅"
	// FailureMarker in a summary means at least one sub-action did not complete.
	FailureMarker = "❌"

	// ShortFormLimit is the length limit of short-form channels.
	ShortFormLimit = 280

	// NativeSymbol is the currency unit of buyback amounts.
	NativeSymbol = "SOL"

	// PlanSize is how many milestones the initial plan lists.
	PlanSize = 5
)

var thousand = decimal.NewFromInt(1000)

// K formats a value in thousands, e.g. 75000 -> "75k".
func K(v decimal.Decimal) string {
	return v.Div(thousand).Round(2).String() + "k"
}

// Truncate shortens s to at most limit runes, ending in "..." when cut.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit <= 3 {
		return string([]rune(s)[:limit])
	}
	return string([]rune(s)[:limit-3]) + "..."
}

func mark(ok bool) string {
	if ok {
		return SuccessMarker
	}
	return FailureMarker
}

// Failed reports whether a summary carries the failure marker.
func Failed(summary string) bool {
	return strings.Contains(summary, FailureMarker)
}

func Wallet(publicKey string) string {
	return fmt.Sprintf("my wallet is ready: %s\n\nsend the launch tokens here and the agent takeover begins.", publicKey)
}

func TokensReceived(balance decimal.Decimal) string {
	return fmt.Sprintf("tokens received! %s tokens are now in my wallet.\n\nthe agent takeover starts now. next stop, the first milestone.", balance)
}

func planLine(m ladder.Milestone) string {
	return fmt.Sprintf("- %s mc: burn %s%% + %s %s buyback", K(m.Threshold), m.BurnPercent, m.BuybackAmount, NativeSymbol)
}

// Plan lists the first PlanSize milestones with the current marketcap.
func Plan(mc decimal.Decimal, ms []ladder.Milestone) string {
	n := min(len(ms), PlanSize)
	lines := make([]string, 0, n)
	for _, m := range ms[:n] {
		lines = append(lines, planLine(m))
	}
	return fmt.Sprintf("current marketcap: %s. here's the plan:\n\n%s", K(mc), strings.Join(lines, "\n"))
}

// MarketcapUpdate renders the periodic update. next is nil once every
// milestone has been executed.
func MarketcapUpdate(mc decimal.Decimal, next *ladder.Milestone) string {
	if next == nil {
		return fmt.Sprintf("current marketcap: %s\nevery milestone is done. thank you all!", K(mc))
	}
	remaining := next.Threshold.Sub(mc)
	if !remaining.IsPositive() {
		return fmt.Sprintf("current marketcap: %s\nnext milestone: %s reached, execution pending", K(mc), K(next.Threshold))
	}
	return fmt.Sprintf("current marketcap: %s\nnext milestone: %s\nremaining: %s to go", K(mc), K(next.Threshold), K(remaining))
}

// Standard renders the outcome of a standard milestone.
func Standard(burnPercent, buyback decimal.Decimal, burned, boughtBack bool) string {
	var b strings.Builder
	b.WriteString("milestone reached! time to deliver:\n")
	if burned {
		fmt.Fprintf(&b, "- %s burned %s%% of supply\n", mark(true), burnPercent)
	} else {
		fmt.Fprintf(&b, "- %s burn missed (%s%% of supply)\n", mark(false), burnPercent)
	}
	if boughtBack {
		fmt.Fprintf(&b, "- %s bought back with %s %s", mark(true), buyback, NativeSymbol)
	} else {
		fmt.Fprintf(&b, "- %s buyback missed (%s %s)", mark(false), buyback, NativeSymbol)
	}
	return b.String()
}

// Special renders the outcome of a special milestone, where half of the burn
// goes to the dev wallet instead.
func Special(halfPercent, buyback decimal.Decimal, burned, devTransferred, boughtBack bool) string {
	var b strings.Builder
	b.WriteString("special milestone reached! time to deliver:\n")
	if burned {
		fmt.Fprintf(&b, "- %s burned %s%% of supply\n", mark(true), halfPercent)
	} else {
		fmt.Fprintf(&b, "- %s burn missed (%s%% of supply)\n", mark(false), halfPercent)
	}
	if devTransferred {
		fmt.Fprintf(&b, "- %s sent %s%% to dev\n", mark(true), halfPercent)
	} else {
		fmt.Fprintf(&b, "- %s dev transfer missed (%s%% of supply)\n", mark(false), halfPercent)
	}
	if boughtBack {
		fmt.Fprintf(&b, "- %s bought back with %s %s", mark(true), buyback, NativeSymbol)
	} else {
		fmt.Fprintf(&b, "- %s buyback missed (%s %s)", mark(false), buyback, NativeSymbol)
	}
	return b.String()
}
