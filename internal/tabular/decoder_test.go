package tabular

import (
	"testing"

	"github.com/rpattn/surveyingest/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestDecodeWorkbookAppliesAliases(t *testing.T) {
	payload, err := EncodeWorkbook(TemplateHeader, [][]string{
		{"alice", "04:12", "5", "2024-03-01", "great call"},
		{"bob", "06:40", "3", "2024-03-02"},
	})
	require.NoError(t, err)

	table, err := Decode("surveys.xlsx", payload)
	require.NoError(t, err)

	assert.Equal(t, []string{FieldTargetIdentifier, FieldDurationMetric, FieldSatisfactionScore, FieldOccurredOn, FieldComment}, table.Columns)
	require.Len(t, table.Rows, 2)

	first := table.Rows[0]
	assert.Equal(t, 2, first.Number)
	assert.Equal(t, "alice", first.Fields[FieldTargetIdentifier])
	assert.Equal(t, "04:12", first.Fields[FieldDurationMetric])
	assert.Equal(t, "5", first.Fields[FieldSatisfactionScore])
	assert.Equal(t, "2024-03-01", first.Fields[FieldOccurredOn])
	assert.Equal(t, "great call", first.Fields[FieldComment])

	second := table.Rows[1]
	assert.Equal(t, 3, second.Number)
	_, hasComment := second.Fields[FieldComment]
	assert.False(t, hasComment)
}

func TestDecodeCSVKeepsSheetLineNumbers(t *testing.T) {
	data := "\xEF\xBB\xBFvoiceName,AHT,CSAT,date,notes\n" +
		"alice,04:12,5,2024-03-01,ignored\n" +
		",,,,\n" +
		"bob,06:40,4,2024-03-02,ignored\n"

	table, err := Decode("surveys.CSV", []byte(data))
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, 2, table.Rows[0].Number)
	assert.Equal(t, 4, table.Rows[1].Number)
	assert.NotContains(t, table.Rows[0].Fields, "notes")
}

func TestDecodeCSVCountsEmptyLines(t *testing.T) {
	data := "voiceName,AHT,CSAT,date\n" +
		"alice,04:12,5,2024-03-01\n" +
		"\n" +
		"bob,04:12,6,2024-03-02\n" +
		"\n\n" +
		"\"carol\nsmith\",04:12,3,2024-03-03\n" +
		"dave,04:12,4,2024-03-04\n"

	table, err := Decode("week.csv", []byte(data))
	require.NoError(t, err)
	require.Len(t, table.Rows, 4)
	assert.Equal(t, 2, table.Rows[0].Number)
	assert.Equal(t, 4, table.Rows[1].Number)
	assert.Equal(t, "bob", table.Rows[1].Fields[FieldTargetIdentifier])
	assert.Equal(t, 7, table.Rows[2].Number)
	assert.Equal(t, 9, table.Rows[3].Number)
}

func TestDecodeHeadersAreCaseSensitive(t *testing.T) {
	table, err := Decode("surveys.csv", []byte("VoiceName,csat\nalice,5\n"))
	require.NoError(t, err)
	assert.Empty(t, table.Columns)
	require.Len(t, table.Rows, 1)
	assert.Empty(t, table.Rows[0].Fields)
}

func TestDecodeCanonicalHeaders(t *testing.T) {
	data := "targetIdentifier,durationMetric,satisfactionScore,occurredOn\nalice,01:00,2,2024-01-05\n"
	table, err := Decode("surveys.csv", []byte(data))
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "alice", table.Rows[0].Fields[FieldTargetIdentifier])
}

func TestDecodeConvertsExcelSerialDates(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"voiceName", "AHT", "CSAT", "date"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"alice", "04:00", 4, 45352}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	table, err := Decode("serial.xlsx", buf.Bytes())
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "2024-03-01", table.Rows[0].Fields[FieldOccurredOn])
}

func TestDecodeFailuresAreFatal(t *testing.T) {
	cases := map[string]struct {
		name    string
		payload []byte
	}{
		"unsupported extension": {"surveys.xls", []byte("whatever")},
		"corrupt workbook":      {"surveys.xlsx", []byte("not a zip archive")},
		"empty payload":         {"surveys.csv", nil},
		"only blank lines":      {"surveys.csv", []byte(",,\n,,\n")},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.name, tc.payload)
			require.Error(t, err)
			assert.True(t, domain.IsFatal(err), "expected fatal decode error, got %v", err)
		})
	}
}
