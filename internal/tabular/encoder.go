package tabular

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// TemplateHeader is the header row users are asked to fill in.
var TemplateHeader = []string{"voiceName", "AHT", "CSAT", "date", FieldComment}

// EncodeWorkbook writes header and rows to the first sheet of a new workbook.
func EncodeWorkbook(header []string, rows [][]string) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	if err := writeRow(f, sheet, 1, header); err != nil {
		return nil, err
	}
	for idx, row := range rows {
		if err := writeRow(f, sheet, idx+2, row); err != nil {
			return nil, err
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to encode xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, line int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, line)
	if err != nil {
		return err
	}
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("failed to write xlsx row %d: %w", line, err)
	}
	return nil
}
