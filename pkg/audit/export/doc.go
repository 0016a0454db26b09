// Package export writes violation records for external review.
//
// Two formats are supported:
//
//   - JSON: an array of violation objects, optionally indented
//   - CSV: one row per violation with a fixed column order (see Header)
//
// Both exporters implement audit.Exporter and offer a streaming variant that
// consumes the channel returned by audit.Storage.QueryStream, so large exports
// never hold the full result set in memory.
//
//	ch, errCh, err := store.QueryStream(ctx, q)
//	if err != nil {
//	    return err
//	}
//	if err := export.NewCSVExporter(true).ExportStream(ctx, ch, w); err != nil {
//	    return err
//	}
//	return <-errCh
package export
