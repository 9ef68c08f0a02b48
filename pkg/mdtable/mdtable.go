// Package mdtable extracts pipe-delimited Markdown tables from free text and
// re-encodes them as CSV.
//
// A line is a table row when, after trimming surrounding whitespace, it
// starts with "|" and contains at least one more "|". Cells are the
// segments between the outer pipes, trimmed. Header separator rows
// (|---|---|) are ordinary rows unless Options.SkipSeparatorRows is set.
// Pipes inside cells cannot be escaped and will split the cell.
package mdtable

import (
	"bytes"
	"encoding/csv"
	"regexp"
	"strings"
)

// NoTableData is returned by ExtractCSV when the input has no table rows.
const NoTableData = "No table data found"

// blockSeparator joins consecutive CSV blocks.
const blockSeparator = "\n\n"

var separatorCell = regexp.MustCompile(`^:?-+:?$`)

// Options tunes extraction.
type Options struct {
	// SkipSeparatorRows drops rows whose every cell looks like a Markdown
	// alignment marker (---, :--, --:, :-:).
	SkipSeparatorRows bool
}

// Table is one contiguous run of table rows.
type Table [][]string

type state int

const (
	stateOutside state = iota
	stateInside
)

// scanner walks lines and groups table rows into tables.
type scanner struct {
	opts    Options
	state   state
	current Table
	tables  []Table
}

// Extract returns every table found in content, in source order.
func Extract(content string, opts Options) []Table {
	sc := &scanner{opts: opts}

	for _, line := range strings.Split(content, "\n") {
		sc.feed(line)
	}

	sc.flush()

	return sc.tables
}

// ExtractCSV renders each table in content as an independent CSV block
// (comma separated, LF terminated) and joins the blocks with a blank line.
// It returns NoTableData when content holds no table.
func ExtractCSV(content string, opts Options) (string, error) {
	tables := Extract(content, opts)
	if len(tables) == 0 {
		return NoTableData, nil
	}

	blocks := make([]string, 0, len(tables))

	for _, t := range tables {
		block, err := t.CSV()
		if err != nil {
			return "", err
		}

		blocks = append(blocks, block)
	}

	return strings.Join(blocks, blockSeparator), nil
}

// CSV encodes the table with encoding/csv.
func (t Table) CSV() (string, error) {
	var buf bytes.Buffer

	w := csv.NewWriter(&buf)
	if err := w.WriteAll(t); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// IsRow reports whether line is a Markdown table row.
func IsRow(line string) bool {
	trimmed := strings.TrimSpace(line)

	return strings.HasPrefix(trimmed, "|") && strings.Contains(trimmed[1:], "|")
}

// Cells splits a table row into trimmed cell values, dropping the
// segments outside the first and last pipe.
func Cells(line string) []string {
	parts := strings.Split(strings.TrimSpace(line), "|")
	if len(parts) < 2 {
		return nil
	}

	parts = parts[1 : len(parts)-1]

	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		cells = append(cells, strings.TrimSpace(p))
	}

	return cells
}

func (s *scanner) feed(line string) {
	if !IsRow(line) {
		if s.state == stateInside {
			s.flush()
		}

		return
	}

	s.state = stateInside

	cells := Cells(line)
	if s.opts.SkipSeparatorRows && isSeparatorRow(cells) {
		return
	}

	s.current = append(s.current, cells)
}

// flush closes the current table. It is the single exit point from
// stateInside, used both mid-scan and at end of input.
func (s *scanner) flush() {
	if len(s.current) > 0 {
		s.tables = append(s.tables, s.current)
	}

	s.current = nil
	s.state = stateOutside
}

func isSeparatorRow(cells []string) bool {
	if len(cells) == 0 {
		return false
	}

	for _, c := range cells {
		if !separatorCell.MatchString(c) {
			return false
		}
	}

	return true
}
