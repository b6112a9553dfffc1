package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"market-pulse-bot/internal/storage"
)

type cycleLister interface {
	ListRecentCycles(ctx context.Context, limit int) ([]storage.CycleSample, error)
}

type publishLister interface {
	ListRecentPublishes(ctx context.Context, limit int) ([]storage.PublishEntry, error)
}

// Show prints recent cycles, or the publish log with --publishes.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Publishes {
		return a.showPublishes(ctx, store, opts.Limit)
	}
	return a.showCycles(ctx, store, opts.Limit)
}

func (a *App) showCycles(ctx context.Context, store cycleLister, limit int) error {
	samples, err := store.ListRecentCycles(ctx, limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no cycles found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tBTC\tBTC 24h%\tETH\tETH 24h%\tOutcome\tStage\tReason")

	for _, sample := range samples {
		stage := ""
		if sample.Stage != nil {
			stage = *sample.Stage
		}
		reason := ""
		if sample.Reason != nil {
			reason = sanitizeInline(*sample.Reason)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sample.StartedAt.UTC().Format(time.RFC3339),
			sample.BTCPrice.StringFixed(2),
			sample.BTCChangePct.StringFixed(2),
			sample.ETHPrice.StringFixed(2),
			sample.ETHChangePct.StringFixed(2),
			sample.Outcome,
			stage,
			reason,
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showPublishes(ctx context.Context, store publishLister, limit int) error {
	entries, err := store.ListRecentPublishes(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, "no publishes found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Posted (UTC)\tBTC\tETH\tChannels\tFingerprint")

	for _, entry := range entries {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			entry.PostedAt.UTC().Format(time.RFC3339),
			entry.BTCPrice.StringFixed(2),
			entry.ETHPrice.StringFixed(2),
			strings.Join(entry.Channels, ","),
			shortFingerprint(entry.Fingerprint),
		)
	}

	writer.Flush()
	return nil
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
