package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/malbeclabs/ato/milestone/pkg/ledger"
)

func load(ctx context.Context, store ledger.Store) (*ledger.History, error) {
	h, err := store.Load(ctx)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.NewHistory(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	return h, nil
}

// ShowLedger writes the stored history as indented JSON.
func ShowLedger(ctx context.Context, store ledger.Store, out io.Writer) error {
	h, err := load(ctx, store)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(h)
}

// ExpireMarketcapUpdates drops dedup entries older than maxAge. Entries past
// the monitor's dedup window no longer suppress anything, so this only keeps
// the record small. One-time flags and executed milestones are left alone.
func ExpireMarketcapUpdates(ctx context.Context, store ledger.Store, now time.Time, maxAge time.Duration, dryRun bool, out io.Writer) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("max age must be greater than 0")
	}
	h, err := load(ctx, store)
	if err != nil {
		return 0, err
	}

	var expired []string
	for key := range h.MarketcapUpdates {
		at, _ := h.LastMarketcapUpdate(key)
		if now.Sub(at) > maxAge {
			expired = append(expired, key)
		}
	}
	if len(expired) == 0 {
		fmt.Fprintln(out, "No marketcap updates to expire")
		return 0, nil
	}
	if dryRun {
		fmt.Fprintf(out, "[DRY RUN] Would expire %d marketcap update(s)\n", len(expired))
		return len(expired), nil
	}

	for _, key := range expired {
		delete(h.MarketcapUpdates, key)
	}
	if err := store.Save(ctx, h); err != nil {
		return 0, fmt.Errorf("failed to save ledger: %w", err)
	}
	fmt.Fprintf(out, "Expired %d marketcap update(s)\n", len(expired))
	return len(expired), nil
}
