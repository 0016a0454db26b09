package export

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"mercator-hq/spendguard/pkg/audit"
)

// JSONExporter writes violations as one JSON array. Pretty output puts each
// violation on its own indented block.
type JSONExporter struct {
	Pretty bool
}

func NewJSONExporter(pretty bool) *JSONExporter {
	return &JSONExporter{Pretty: pretty}
}

// Export writes violations to w. An empty set produces "[]".
func (e *JSONExporter) Export(ctx context.Context, violations []*audit.Violation, w io.Writer) error {
	arr := &jsonArray{w: w, pretty: e.Pretty}
	for _, v := range violations {
		if err := arr.add(v); err != nil {
			return err
		}
	}
	return arr.close()
}

// ExportStream drains ch into w, encoding each violation as it arrives.
func (e *JSONExporter) ExportStream(ctx context.Context, ch <-chan *audit.Violation, w io.Writer) error {
	arr := &jsonArray{w: w, pretty: e.Pretty}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-ch:
			if !ok {
				return arr.close()
			}
			if err := arr.add(v); err != nil {
				return err
			}
		}
	}
}

type jsonArray struct {
	w      io.Writer
	pretty bool
	n      int
	buf    bytes.Buffer
}

func (a *jsonArray) add(v *audit.Violation) error {
	a.buf.Reset()
	switch {
	case a.n == 0:
		a.buf.WriteByte('[')
	default:
		a.buf.WriteByte(',')
	}
	var (
		data []byte
		err  error
	)
	if a.pretty {
		a.buf.WriteString("\n  ")
		data, err = json.MarshalIndent(v, "  ", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return audit.NewExportError("json", a.n, err)
	}
	a.buf.Write(data)
	if _, err := a.w.Write(a.buf.Bytes()); err != nil {
		return audit.NewExportError("json", a.n, err)
	}
	a.n++
	return nil
}

func (a *jsonArray) close() error {
	tail := "]"
	switch {
	case a.n == 0:
		tail = "[]"
	case a.pretty:
		tail = "\n]"
	}
	if _, err := io.WriteString(a.w, tail); err != nil {
		return audit.NewExportError("json", a.n, err)
	}
	return nil
}
