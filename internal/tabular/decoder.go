package tabular

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rpattn/surveyingest/internal/domain"

	"github.com/xuri/excelize/v2"
)

// Canonical field names of the ingestion schema.
const (
	FieldTargetIdentifier  = "targetIdentifier"
	FieldDurationMetric    = "durationMetric"
	FieldSatisfactionScore = "satisfactionScore"
	FieldOccurredOn        = "occurredOn"
	FieldComment           = "comment"
)

// ContentTypeXLSX is the media type stored alongside spreadsheet blobs.
const ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	// headerAliases maps spreadsheet column labels (case-sensitive) onto
	// canonical field names. Columns not listed here are ignored.
	headerAliases = map[string]string{
		FieldTargetIdentifier:  FieldTargetIdentifier,
		"voiceName":            FieldTargetIdentifier,
		FieldDurationMetric:    FieldDurationMetric,
		"AHT":                  FieldDurationMetric,
		FieldSatisfactionScore: FieldSatisfactionScore,
		"CSAT":                 FieldSatisfactionScore,
		FieldOccurredOn:        FieldOccurredOn,
		"date":                 FieldOccurredOn,
		FieldComment:           FieldComment,
	}
)

// Row is one decoded data row. Number is the 1-based line in the sheet, so the
// first row after the header is 2.
type Row struct {
	Number int
	Fields map[string]string
}

// Table is the ordered output of Decode.
type Table struct {
	// Columns lists the canonical fields found in the header, in sheet order.
	Columns []string
	Rows    []Row
}

// CanonicalField resolves a header label through the alias table.
func CanonicalField(label string) (string, bool) {
	name, ok := headerAliases[strings.TrimSpace(label)]
	return name, ok
}

// Decode turns a raw upload into ordered records. Any failure is a
// domain.FatalDecodeError: a file that cannot be decoded never will be.
func Decode(fileName string, payload []byte) (Table, error) {
	if len(payload) == 0 {
		return Table{}, domain.NewFatalDecodeError(errors.New("file is empty"))
	}
	var (
		records [][]string
		lines   []int
		serial  bool
		err     error
	)
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		records, lines, err = readCSV(payload)
	case ".xlsx":
		records, err = readExcel(payload)
		serial = true
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return Table{}, domain.NewFatalDecodeError(err)
	}
	table, err := normalizeTable(records, lines, serial)
	if err != nil {
		return Table{}, domain.NewFatalDecodeError(err)
	}
	return table, nil
}

// readCSV returns the records together with the line each one starts on.
// encoding/csv drops empty lines, so record positions alone would drift.
func readCSV(payload []byte) ([][]string, []int, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	var (
		records [][]string
		lines   []int
	)
	for {
		record, err := csvReader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read csv: %w", err)
		}
		line, _ := csvReader.FieldPos(0)
		records = append(records, record)
		lines = append(lines, line)
	}
	return records, lines, nil
}

func readExcel(payload []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("excel file has no sheets")
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records [][]string
	for rows.Next() {
		cols, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("failed to read xlsx row %d: %w", len(records)+1, err)
		}
		records = append(records, cols)
	}
	if err := rows.Error(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to iterate xlsx rows: %w", err)
	}
	return records, nil
}

// normalizeTable maps records onto canonical fields. lines holds the sheet line
// of each record; nil means records are contiguous from line 1.
func normalizeTable(records [][]string, lines []int, excelSerialDates bool) (Table, error) {
	headerIndex := -1
	for idx, row := range records {
		if !isBlank(row) {
			headerIndex = idx
			break
		}
	}
	if headerIndex < 0 {
		return Table{}, errors.New("no rows found in file")
	}

	header := records[headerIndex]
	columns := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	var found []string
	for idx, label := range header {
		name, ok := CanonicalField(label)
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		columns[idx] = name
		found = append(found, name)
	}

	table := Table{Columns: found, Rows: make([]Row, 0, len(records)-headerIndex-1)}
	for idx := headerIndex + 1; idx < len(records); idx++ {
		raw := records[idx]
		if isBlank(raw) {
			continue
		}
		fields := make(map[string]string, len(found))
		for col, name := range columns {
			if name == "" || col >= len(raw) {
				continue
			}
			value := strings.TrimSpace(raw[col])
			if value == "" {
				continue
			}
			if excelSerialDates && name == FieldOccurredOn {
				value = excelSerialToDate(value)
			}
			fields[name] = value
		}
		number := idx + 1
		if lines != nil {
			number = lines[idx]
		}
		table.Rows = append(table.Rows, Row{Number: number, Fields: fields})
	}
	return table, nil
}

// excelSerialToDate converts an unformatted workbook date serial to ISO form.
// Anything else is returned untouched for the validator to judge.
func excelSerialToDate(value string) string {
	serial, err := strconv.ParseFloat(value, 64)
	if err != nil || serial < 1 || serial > 2958465 {
		return value
	}
	ts, err := excelize.ExcelDateToTime(serial, false)
	if err != nil {
		return value
	}
	return ts.Format(domain.DateLayout)
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
