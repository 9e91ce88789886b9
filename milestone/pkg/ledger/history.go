package ledger

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// History is the durable record of one-time effects that already happened.
// Thresholds and marketcap keys are canonical decimal strings.
type History struct {
	WalletAnnounced         bool
	TokensReceived          bool
	InitialMilestonesPosted bool

	// ExecutedMilestones holds thresholds whose actions completed successfully.
	ExecutedMilestones map[string]struct{}
	// MarketcapUpdates maps a rounded marketcap to the unix time it was last posted.
	MarketcapUpdates map[string]int64
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{
		ExecutedMilestones: make(map[string]struct{}),
		MarketcapUpdates:   make(map[string]int64),
	}
}

func (h *History) init() {
	if h.ExecutedMilestones == nil {
		h.ExecutedMilestones = make(map[string]struct{})
	}
	if h.MarketcapUpdates == nil {
		h.MarketcapUpdates = make(map[string]int64)
	}
}

// IsExecuted reports whether the milestone at threshold completed.
func (h *History) IsExecuted(threshold decimal.Decimal) bool {
	_, ok := h.ExecutedMilestones[threshold.String()]
	return ok
}

// MarkExecuted records threshold as executed. It returns false if it was
// already present.
func (h *History) MarkExecuted(threshold decimal.Decimal) bool {
	h.init()
	key := threshold.String()
	if _, ok := h.ExecutedMilestones[key]; ok {
		return false
	}
	h.ExecutedMilestones[key] = struct{}{}
	return true
}

// Executed returns executed thresholds in ascending numeric order.
func (h *History) Executed() []string {
	keys := slices.Collect(maps.Keys(h.ExecutedMilestones))
	sortNumeric(keys)
	return keys
}

// MarketcapKey rounds a marketcap to the integer key used for update dedup.
func MarketcapKey(mc decimal.Decimal) string {
	return mc.Round(0).String()
}

// LastMarketcapUpdate returns when an update for key was last posted.
func (h *History) LastMarketcapUpdate(key string) (time.Time, bool) {
	ts, ok := h.MarketcapUpdates[key]
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(ts, 0), true
}

// RecordMarketcapUpdate stores the post time for key with second precision.
func (h *History) RecordMarketcapUpdate(key string, at time.Time) {
	h.init()
	h.MarketcapUpdates[key] = at.Unix()
}

// Clone returns a deep copy.
func (h *History) Clone() *History {
	c := *h
	c.ExecutedMilestones = maps.Clone(h.ExecutedMilestones)
	c.MarketcapUpdates = maps.Clone(h.MarketcapUpdates)
	c.init()
	return &c
}

type historyJSON struct {
	WalletAnnounced           bool             `json:"wallet_announced"`
	TokensReceived            bool             `json:"tokens_received"`
	InitialMilestonesPosted   bool             `json:"initial_milestones_posted"`
	ExecutedMilestones        []string         `json:"executed_milestones"`
	MarketcapUpdateTimestamps map[string]int64 `json:"marketcap_update_timestamps"`
}

func (h *History) MarshalJSON() ([]byte, error) {
	updates := h.MarketcapUpdates
	if updates == nil {
		updates = map[string]int64{}
	}
	executed := h.Executed()
	if executed == nil {
		executed = []string{}
	}
	return json.Marshal(historyJSON{
		WalletAnnounced:           h.WalletAnnounced,
		TokensReceived:            h.TokensReceived,
		InitialMilestonesPosted:   h.InitialMilestonesPosted,
		ExecutedMilestones:        executed,
		MarketcapUpdateTimestamps: updates,
	})
}

func (h *History) UnmarshalJSON(data []byte) error {
	var raw historyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := NewHistory()
	out.WalletAnnounced = raw.WalletAnnounced
	out.TokensReceived = raw.TokensReceived
	out.InitialMilestonesPosted = raw.InitialMilestonesPosted
	for _, s := range raw.ExecutedMilestones {
		key, err := canonical(s)
		if err != nil {
			return fmt.Errorf("executed milestone %q: %w", s, err)
		}
		out.ExecutedMilestones[key] = struct{}{}
	}
	for s, ts := range raw.MarketcapUpdateTimestamps {
		key, err := canonical(s)
		if err != nil {
			return fmt.Errorf("marketcap update %q: %w", s, err)
		}
		if prev, ok := out.MarketcapUpdates[key]; !ok || ts > prev {
			out.MarketcapUpdates[key] = ts
		}
	}
	*h = *out
	return nil
}

func canonical(s string) (string, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

func sortNumeric(keys []string) {
	slices.SortFunc(keys, func(a, b string) int {
		da, errA := decimal.NewFromString(a)
		db, errB := decimal.NewFromString(b)
		if errA != nil || errB != nil {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			}
			return 0
		}
		return da.Cmp(db)
	})
}
