// Package parser converts uploaded files into ordered row sequences.
//
// Framing is validated in full before any row is handed out: a file that
// cannot be parsed yields a FatalError and zero rows, which keeps malformed
// framing cleanly separated from per-row validation failures downstream.
package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/validata-io/validata/internal/domain"
)

// ErrUnsupportedFormat is returned when the declared file type has no parser.
var ErrUnsupportedFormat = errors.New("unsupported file format")

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// FatalError marks malformed file framing. The whole file is rejected; no
// partial rows are emitted.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal parse error: %v", e.Cause)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

func fatal(format string, args ...any) error {
	return &FatalError{Cause: fmt.Errorf(format, args...)}
}

// Rows is a restartable-from-start sequence of parsed rows, in file order
// with 1-based row numbers.
type Rows struct {
	headers []string
	rows    []domain.Row
	pos     int
}

// Next returns the next row in file order, or false when exhausted.
func (r *Rows) Next() (domain.Row, bool) {
	if r.pos >= len(r.rows) {
		return domain.Row{}, false
	}
	row := r.rows[r.pos]
	r.pos++
	return row, true
}

// Reset rewinds the sequence to the first row.
func (r *Rows) Reset() {
	r.pos = 0
}

// Len returns the total number of data rows.
func (r *Rows) Len() int {
	return len(r.rows)
}

// Headers returns the field names declared by the file, in column order.
func (r *Rows) Headers() []string {
	return r.headers
}

// Parse converts a raw payload of the declared type into a row sequence.
func Parse(fileType domain.FileType, payload []byte) (*Rows, error) {
	if len(payload) == 0 {
		return nil, fatal("file is empty")
	}

	switch fileType {
	case domain.FileTypeCSV:
		return parseCSV(payload)
	case domain.FileTypeJSON:
		return parseJSON(payload)
	case domain.FileTypeXLSX:
		return parseXLSX(payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, fileType)
	}
}

func parseCSV(payload []byte) (*Rows, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, fatal("failed to read csv: %v", err)
	}
	if len(records) == 0 {
		return nil, fatal("csv has no header row")
	}

	headers := cleanHeaders(records[0])
	if len(headers) == 0 {
		return nil, fatal("csv header row is empty")
	}

	rows := make([]domain.Row, 0, len(records)-1)
	for _, record := range records[1:] {
		fields := make(map[string]string, len(headers))
		for i, header := range headers {
			// A record shorter than the header leaves trailing fields
			// absent rather than empty; extra cells beyond the header are
			// ignored.
			if i < len(record) {
				fields[header] = record[i]
			}
		}
		rows = append(rows, domain.Row{Number: len(rows) + 1, Fields: fields})
	}

	return &Rows{headers: headers, rows: rows}, nil
}

func parseJSON(payload []byte) (*Rows, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	var raw []json.RawMessage
	if err := decoder.Decode(&raw); err != nil {
		return nil, fatal("json root must be an array of objects: %v", err)
	}

	var headers []string
	seen := make(map[string]bool)
	rows := make([]domain.Row, 0, len(raw))

	for i, message := range raw {
		// Keys are walked token by token rather than through a decoded map,
		// so header order follows the document instead of map iteration.
		objDecoder := json.NewDecoder(bytes.NewReader(message))
		objDecoder.UseNumber()

		tok, err := objDecoder.Token()
		if err != nil || tok != json.Delim('{') {
			return nil, fatal("json element %d is not an object", i+1)
		}

		fields := make(map[string]string)
		for objDecoder.More() {
			keyTok, err := objDecoder.Token()
			if err != nil {
				return nil, fatal("json element %d is malformed: %v", i+1, err)
			}
			key, ok := keyTok.(string)
			if !ok {
				return nil, fatal("json element %d has a non-string key", i+1)
			}

			var value any
			if err := objDecoder.Decode(&value); err != nil {
				return nil, fatal("json element %d field %s is malformed: %v", i+1, key, err)
			}

			if !seen[key] {
				seen[key] = true
				headers = append(headers, key)
			}
			if value == nil {
				// Explicit null counts as absent, same as a missing key.
				continue
			}
			fields[key] = flattenValue(value)
		}
		rows = append(rows, domain.Row{Number: i + 1, Fields: fields})
	}

	return &Rows{headers: headers, rows: rows}, nil
}

func parseXLSX(payload []byte) (*Rows, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fatal("failed to open xlsx: %v", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fatal("xlsx file has no sheets")
	}

	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fatal("failed to read rows from xlsx: %v", err)
	}
	if len(records) == 0 {
		return nil, fatal("xlsx has no header row")
	}

	headers := cleanHeaders(records[0])
	if len(headers) == 0 {
		return nil, fatal("xlsx header row is empty")
	}

	rows := make([]domain.Row, 0, len(records)-1)
	for _, record := range records[1:] {
		fields := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(record) {
				fields[header] = record[i]
			}
		}
		rows = append(rows, domain.Row{Number: len(rows) + 1, Fields: fields})
	}

	return &Rows{headers: headers, rows: rows}, nil
}

// flattenValue renders a JSON value as the raw string stored in a row field.
// Non-primitive values are flattened to their canonical JSON text; target
// tables are flat, so the lossy representation is acceptable.
func flattenValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

func cleanHeaders(raw []string) []string {
	allEmpty := true
	headers := make([]string, len(raw))
	for i, value := range raw {
		header := strings.TrimSpace(value)
		if header == "" {
			header = fmt.Sprintf("column_%d", i+1)
		} else {
			allEmpty = false
		}
		headers[i] = header
	}
	if allEmpty {
		return nil
	}
	return headers
}
