package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints recent consensus samples and alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	stores, closeStores, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer closeStores()

	samples, err := stores.Samples.ListRecentSamples(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
	} else {
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Time (UTC)\tSymbol\tConsensus\tMaxDev%\tSpread%\tSources\tStatus")
		for _, sample := range samples {
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				sample.Bucket.UTC().Format(time.RFC3339),
				sample.Symbol,
				formatDecimal(sample.ConsensusPrice, 4),
				formatDecimal(sample.MaxDeviation.Mul(decimal.NewFromInt(100)), 3),
				formatDecimal(sample.SpreadPercent.Mul(decimal.NewFromInt(100)), 3),
				sample.SourceCount,
				sample.Status,
			)
		}
		writer.Flush()
	}

	alerts, err := stores.Alerts.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	fmt.Fprintln(os.Stdout)
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tSymbol\tSeverity\tStatus\tCount\tTitle")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.Symbol,
			alert.Severity,
			alert.Status,
			alert.OccurrenceCount,
			sanitizeInline(alert.Title),
		)
	}
	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
