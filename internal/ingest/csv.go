// Package ingest turns uploaded CSV files into the raw row maps accepted by
// the batch processor. Rows are keyed by their header text exactly as it
// appears in the file; mapping headers to canonical fields is the
// standardizer's job.
package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

// ContextCheckInterval is how often (in rows) reading checks for cancellation.
var ContextCheckInterval = 100

// Options controls CSV parsing.
type Options struct {
	// MaxRows bounds the number of data rows. Zero means unlimited.
	MaxRows int
	// Charset of the input; see Decoder. Empty means UTF-8.
	Charset string
	// Comma is the field delimiter. Zero detects ',', ';' or tab from the
	// header line.
	Comma rune
}

// Table is a parsed CSV file.
type Table struct {
	Headers []string
	Rows    []map[string]string
	// Lines holds the 1-based source line of each row.
	Lines []int
	// Bytes is the size of the raw input.
	Bytes int64
}

// ReadCSV parses r. The first non-blank record is the header. Blank records
// are dropped. Cells beyond the header width are ignored and short records
// simply omit the missing columns. Repeated header names get a " (2)",
// " (3)" suffix so no cell is silently overwritten.
func ReadCSV(ctx context.Context, r io.Reader, opts Options) (*Table, error) {
	counter := &countingReader{reader: r}
	decoded, err := Decoder(counter, opts.Charset)
	if err != nil {
		return nil, err
	}

	buffered := newPeekReader(decoded)
	comma := opts.Comma
	if comma == 0 {
		comma = detectComma(buffered.peekLine())
	}

	cr := csv.NewReader(buffered)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	table := &Table{}
	for i := 0; ; i++ {
		if i%ContextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "invalid csv")
		}
		if isBlank(record) {
			continue
		}

		if table.Headers == nil {
			table.Headers = headerNames(record)
			continue
		}

		if opts.MaxRows > 0 && len(table.Rows) >= opts.MaxRows {
			return nil, errors.Newf("too many rows: file has more than %d data rows", opts.MaxRows)
		}

		line, _ := cr.FieldPos(0)
		row := make(map[string]string, len(table.Headers))
		for col, value := range record {
			if col >= len(table.Headers) {
				break
			}
			row[table.Headers[col]] = value
		}
		table.Rows = append(table.Rows, row)
		table.Lines = append(table.Lines, line)
	}

	table.Bytes = counter.bytesRead
	if table.Headers == nil {
		return nil, errors.New("empty file: no header row")
	}
	return table, nil
}

func headerNames(record []string) []string {
	headers := make([]string, len(record))
	seen := make(map[string]int, len(record))
	for i, h := range record {
		name := strings.TrimSpace(h)
		if name == "" {
			name = "column " + strconv.Itoa(i+1)
		}
		seen[name]++
		if n := seen[name]; n > 1 {
			name = name + " (" + strconv.Itoa(n) + ")"
		}
		headers[i] = name
	}
	return headers
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// detectComma picks the delimiter that occurs most often in the header line,
// preferring ',' on ties.
func detectComma(line string) rune {
	best, bestCount := ',', strings.Count(line, ",")
	for _, c := range []rune{';', '\t'} {
		if n := strings.Count(line, string(c)); n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}

// peekReader lets the delimiter detection look at the first line without
// consuming it.
type peekReader struct {
	r    io.Reader
	head []byte
	err  error
}

const maxPeek = 64 * 1024

func newPeekReader(r io.Reader) *peekReader {
	return &peekReader{r: r}
}

func (p *peekReader) peekLine() string {
	buf := make([]byte, 4096)
	for len(p.head) < maxPeek && p.err == nil {
		if i := strings.IndexByte(string(p.head), '\n'); i >= 0 {
			break
		}
		n, err := p.r.Read(buf)
		p.head = append(p.head, buf[:n]...)
		p.err = err
	}
	line := string(p.head)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if !utf8.ValidString(line) {
		return ""
	}
	return line
}

func (p *peekReader) Read(b []byte) (int, error) {
	if len(p.head) > 0 {
		n := copy(b, p.head)
		p.head = p.head[n:]
		return n, nil
	}
	if p.err != nil {
		return 0, p.err
	}
	return p.r.Read(b)
}
