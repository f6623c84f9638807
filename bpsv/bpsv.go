// Package bpsv implements the minimal reader for the BPSV ("Blizzard
// Pipe-Separated Values") text format used by version and CDN summary
// tables. Per spec.md §1 the BPSV parser is treated as an external
// collaborator for the Ribbit/metadata path in general; this is a trivial
// reader that turns such a table into []map[string]string rows. The config
// package does not use it: config blobs have their own key = value line
// format, parsed in config.
package bpsv

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Column describes one BPSV column: its name and declared type tag
// ("STRING:0", "HEX:16", "DEC:4", ...).
type Column struct {
	Name string
	Type string
}

// Document is a parsed BPSV document: an ordered column schema plus rows
// of string fields, keyed by column name for convenient lookup.
type Document struct {
	Columns []Column
	Rows    []map[string]string
	Seqn    int64 // 0 if absent
}

// Parse reads a BPSV document: a header line of "name!TYPE:size|..."
// columns, an optional "## seqn = N" line, and one row per remaining
// non-empty line with "|"-separated fields.
func Parse(r io.Reader) (*Document, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	doc := &Document{}
	haveHeader := false

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## seqn") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) == 2 {
				fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &doc.Seqn)
			}
			continue
		}
		if !haveHeader {
			cols, err := parseHeader(line)
			if err != nil {
				return nil, fmt.Errorf("bpsv: header: %w", err)
			}
			doc.Columns = cols
			haveHeader = true
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != len(doc.Columns) {
			return nil, fmt.Errorf("bpsv: row has %d fields, want %d", len(fields), len(doc.Columns))
		}
		row := make(map[string]string, len(fields))
		for i, col := range doc.Columns {
			row[col.Name] = fields[i]
		}
		doc.Rows = append(doc.Rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("bpsv: scan: %w", err)
	}
	if !haveHeader {
		return nil, fmt.Errorf("bpsv: empty document")
	}
	return doc, nil
}

func parseHeader(line string) ([]Column, error) {
	fields := strings.Split(line, "|")
	cols := make([]Column, 0, len(fields))
	for _, f := range fields {
		name, typ, ok := strings.Cut(f, "!")
		if !ok {
			return nil, fmt.Errorf("bad column spec %q", f)
		}
		cols = append(cols, Column{Name: name, Type: typ})
	}
	return cols, nil
}

// Get returns the named field from a row, and whether it was present.
func (d *Document) Get(row int, name string) (string, bool) {
	if row < 0 || row >= len(d.Rows) {
		return "", false
	}
	v, ok := d.Rows[row][name]
	return v, ok
}

// HasColumn reports whether the document declares a column of the given
// name.
func (d *Document) HasColumn(name string) bool {
	for _, c := range d.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}
