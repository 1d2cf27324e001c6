// Package export writes task results to JSON or CSV files.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rahul/webpilot/internal/store"
	"github.com/rahul/webpilot/internal/task"
)

// Sink encodes a batch of results to w.
type Sink interface {
	Format() string
	Write(w io.Writer, results []task.TaskResult) error
}

// JSON writes an indented array of results.
type JSON struct{}

func (JSON) Format() string { return "json" }

func (JSON) Write(w io.Writer, results []task.TaskResult) error {
	if results == nil {
		results = []task.TaskResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// CSV writes one row per extracted record. Results without records are
// omitted.
type CSV struct{}

var csvHeader = []string{"title", "price", "link", "snippet", "task_id"}

func (CSV) Format() string { return "csv" }

func (CSV) Write(w io.Writer, results []task.TaskResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, res := range results {
		for _, rec := range res.Records {
			price := ""
			if rec.Price != nil {
				price = strconv.FormatFloat(*rec.Price, 'f', -1, 64)
			}
			if err := cw.Write([]string{rec.Title, price, rec.Link, rec.Snippet, res.TaskID}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// ForFormat returns the sink for "json" or "csv". An empty format means json.
func ForFormat(format string) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return JSON{}, nil
	case "csv":
		return CSV{}, nil
	}
	return nil, fmt.Errorf("unsupported output format %q", format)
}

// WriteFile encodes results with the sink for format and replaces path
// atomically. It returns the number of bytes written.
func WriteFile(path, format string, results []task.TaskResult) (int64, error) {
	sink, err := ForFormat(format)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := sink.Write(&buf, results); err != nil {
		return 0, fmt.Errorf("encode %s: %w", sink.Format(), err)
	}
	if err := store.WriteAtomic(path, buf.Bytes()); err != nil {
		return 0, err
	}
	return int64(buf.Len()), nil
}
