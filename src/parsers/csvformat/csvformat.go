// Package csvformat reads exchange CSV exports: header matching, column lookup
// and the field parsers the exchange normalizers share.
package csvformat

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrFormatMismatch is returned when headers do not match the expected export.
	ErrFormatMismatch = errors.New("unrecognized file format")
	// ErrNoRows is returned for an export with a header and nothing else.
	ErrNoRows = errors.New("file has no data rows")
)

// Format describes one exchange export.
type Format struct {
	// Source is the import source tag, e.g. "kraken".
	Source string
	// Label is the human name used in error messages.
	Label string
	// Required columns identify the format.
	Required []string
	// Columns are also needed to parse rows but do not identify the format.
	Columns []string
	// Aliases map alternative header spellings to canonical column names.
	Aliases map[string]string
}

// Expected returns every column the format needs, markers first.
func (f Format) Expected() []string {
	out := make([]string, 0, len(f.Required)+len(f.Columns))
	out = append(out, f.Required...)
	out = append(out, f.Columns...)
	return out
}

// Matches reports whether headers carry all identifying columns.
func (f Format) Matches(headers []string) bool {
	return len(missing(f.Required, f.index(headers))) == 0
}

// Check fails with ErrFormatMismatch naming expected and missing columns.
func (f Format) Check(headers []string) error {
	index := f.index(headers)
	if miss := missing(f.Expected(), index); len(miss) > 0 {
		return fmt.Errorf("%w: %s requires columns %s (missing: %s)",
			ErrFormatMismatch, f.Label, strings.Join(f.Expected(), ", "), strings.Join(miss, ", "))
	}
	return nil
}

func (f Format) index(headers []string) map[string]int {
	index := make(map[string]int, len(headers))
	for i, header := range headers {
		name := NormalizeHeader(header)
		if alias, ok := f.Aliases[name]; ok {
			name = alias
		}
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	return index
}

func missing(columns []string, index map[string]int) []string {
	var out []string
	for _, column := range columns {
		if _, ok := index[column]; !ok {
			out = append(out, column)
		}
	}
	return out
}

// NormalizeHeader lower-cases a header and turns spaces and dashes into underscores.
func NormalizeHeader(header string) string {
	h := strings.TrimPrefix(header, "\ufeff")
	h = strings.Trim(strings.TrimSpace(h), `"`)
	h = strings.ToLower(h)
	h = strings.NewReplacer(" ", "_", "-", "_").Replace(h)
	return h
}

// Table is a parsed export: a header index plus raw records.
type Table struct {
	Headers []string
	Records [][]string
	// Lines holds the 1-based line number of each record, for diagnostics.
	Lines []int
	index map[string]int
}

// Get returns the trimmed value of column in record, or "" if absent.
func (t *Table) Get(record []string, column string) string {
	i, ok := t.index[column]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// ReadTable reads the header, checks it against format and then reads all rows.
// Rows are never read when the header check fails.
func ReadTable(reader io.Reader, format Format) (*Table, error) {
	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1
	csvReader.TrimLeadingSpace = true

	headers, err := csvReader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: %w", format.Label, ErrNoRows)
		}
		return nil, fmt.Errorf("%s: failed to read CSV header: %w", format.Label, err)
	}
	if err := format.Check(headers); err != nil {
		return nil, err
	}

	table := &Table{Headers: headers, index: format.index(headers)}
	for {
		record, err := csvReader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: failed to read CSV records: %w", format.Label, err)
		}
		if isBlank(record) {
			continue
		}
		line, _ := csvReader.FieldPos(0)
		table.Records = append(table.Records, record)
		table.Lines = append(table.Lines, line)
	}
	if len(table.Records) == 0 {
		return nil, fmt.Errorf("%s: %w", format.Label, ErrNoRows)
	}
	return table, nil
}

// ReadHeaders returns only the header row of a CSV.
func ReadHeaders(reader io.Reader) ([]string, error) {
	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1
	headers, err := csvReader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	return headers, nil
}

func isBlank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

// Layouts without a zone are read as UTC.
var zonelessLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
}

// ParseTime accepts export datetimes, RFC3339 instants and unix epochs
// (seconds with optional fraction, or milliseconds). Results are in UTC.
func ParseTime(value string) (time.Time, error) {
	s := strings.Trim(strings.TrimSpace(value), `"`)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if epoch, err := decimal.NewFromString(s); err == nil {
		return fromEpoch(epoch), nil
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

var millisThreshold = decimal.NewFromInt(100_000_000_000)

func fromEpoch(epoch decimal.Decimal) time.Time {
	if epoch.Abs().GreaterThanOrEqual(millisThreshold) {
		return time.UnixMilli(epoch.IntPart()).UTC()
	}
	seconds := epoch.IntPart()
	nanos := epoch.Sub(decimal.NewFromInt(seconds)).Shift(9).IntPart()
	return time.Unix(seconds, nanos).UTC()
}

// ParseDecimal parses a numeric field. Empty input is an error.
func ParseDecimal(value string) (decimal.Decimal, error) {
	s := strings.Trim(strings.TrimSpace(value), `"`)
	if s == "" {
		return decimal.Zero, errors.New("empty number")
	}
	// Commas are only read as thousands separators ahead of a decimal point.
	if comma := strings.LastIndex(s, ","); comma >= 0 {
		point := strings.Index(s, ".")
		if point < 0 || point < comma {
			return decimal.Zero, fmt.Errorf("ambiguous decimal separator in %q", value)
		}
		s = strings.ReplaceAll(s, ",", "")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid number %q", value)
	}
	return d, nil
}

// ParseDecimalOrZero parses a numeric field, reading empty input as zero.
func ParseDecimalOrZero(value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, nil
	}
	return ParseDecimal(value)
}

// SortedKeys returns the keys of a skip map in order, for stable messages.
func SortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
