package engine

import (
	"context"
	"strings"

	"github.com/rendis/gridflow/internal/columns"
	"github.com/rendis/gridflow/pkg/schema"
)

// runWaterfall tries the column's sources in priority order. Sources whose
// input is empty are skipped and do not count as attempts; a nil value with
// a nil error means every input was empty.
//
// A provider error and an empty result both move on to the next source. They
// are logged at different levels so an outage stays visible in the logs even
// when a later source covers for it.
func (e *executorImpl) runWaterfall(ctx context.Context, grid *columns.Grid, row *schema.Row, cfg *schema.WaterfallConfig) (*schema.Value, error) {
	var (
		attempts int
		found    *schema.Value
		winner   string
	)
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		input := strings.TrimSpace(grid.RawValue(row, src.InputColumnID))
		if input == "" {
			continue
		}
		attempts++

		out, err := e.lookup(ctx, src.Function, input, src.OutputField)
		switch {
		case err != nil:
			e.logger.WarnContext(ctx, "waterfall source failed",
				"source", src.Label(), "attempt", attempts, "error", schema.CellMessage(err))
			continue
		case out == "":
			e.logger.DebugContext(ctx, "waterfall source returned nothing", "source", src.Label(), "attempt", attempts)
			continue
		}

		if found == nil {
			found = &schema.Value{Text: out}
			winner = src.Label()
		}
		if cfg.StopsOnSuccess() {
			break
		}
	}

	if found != nil {
		found.Provenance = &schema.Provenance{Source: winner, Attempts: attempts}
		return found, nil
	}
	if attempts == 0 {
		return nil, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeAdapter, "no source returned a value after %d attempts", attempts)
}
