// Package ingest turns uploaded bill sheets (CSV or XLSX) into batch rows.
//
// Both formats need a header row naming the SubscriberNo, Month and Amount
// columns, matched case-insensitively. Other columns are ignored. Rows are
// returned as-is; field validation happens in bill.Service.BatchAddBills.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/alecgard/billgate/internal/bill"
)

// Format is an upload file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Column headers.
const (
	ColSubscriberNo = "SubscriberNo"
	ColMonth        = "Month"
	ColAmount       = "Amount"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// zip local file header; every XLSX file starts with it.
var zipMagic = []byte("PK\x03\x04")

// DetectFormat picks the format from the file name, falling back to sniffing
// the content.
func DetectFormat(filename string, head []byte) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX
	case ".csv", ".txt":
		return FormatCSV
	}
	if bytes.HasPrefix(head, zipMagic) {
		return FormatXLSX
	}
	return FormatCSV
}

// Parse reads every data row from r.
func Parse(r io.Reader, format Format) ([]bill.BatchRow, error) {
	switch format {
	case FormatCSV:
		return parseCSV(r)
	case FormatXLSX:
		return parseXLSX(r)
	}
	return nil, fmt.Errorf("%w: unsupported upload format %q", bill.ErrInvalidArgument, format)
}

// ParseFile reads the named file, choosing the format from its extension.
func ParseFile(name string, r io.Reader) ([]bill.BatchRow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return Parse(bytes.NewReader(data), DetectFormat(name, data))
}

type columns struct {
	sub, month, amount int
}

func locateColumns(header []string) (columns, error) {
	cols := columns{-1, -1, -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "subscriberno":
			cols.sub = i
		case "month":
			cols.month = i
		case "amount":
			cols.amount = i
		}
	}
	var missing []string
	if cols.sub < 0 {
		missing = append(missing, ColSubscriberNo)
	}
	if cols.month < 0 {
		missing = append(missing, ColMonth)
	}
	if cols.amount < 0 {
		missing = append(missing, ColAmount)
	}
	if len(missing) > 0 {
		return cols, fmt.Errorf("%w: header is missing column(s) %s", bill.ErrInvalidArgument, strings.Join(missing, ", "))
	}
	return cols, nil
}

func (c columns) row(line int, record []string) bill.BatchRow {
	cell := func(i int) string {
		if i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}
	return bill.BatchRow{
		Line:         line,
		SubscriberNo: cell(c.sub),
		Month:        cell(c.month),
		Amount:       cell(c.amount),
	}
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func parseCSV(r io.Reader) ([]bill.BatchRow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading csv: %w", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	reader := csv.NewReader(bytes.NewReader(data))
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: upload is empty", bill.ErrInvalidArgument)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading csv header: %v", bill.ErrInvalidArgument, err)
	}
	cols, err := locateColumns(header)
	if err != nil {
		return nil, err
	}

	var rows []bill.BatchRow
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading csv: %v", bill.ErrInvalidArgument, err)
		}
		if blank(record) {
			continue
		}
		line, _ := reader.FieldPos(0)
		rows = append(rows, cols.row(line, record))
	}
	return rows, nil
}

func parseXLSX(r io.Reader) ([]bill.BatchRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: opening spreadsheet: %v", bill.ErrInvalidArgument, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: spreadsheet has no sheets", bill.ErrInvalidArgument)
	}
	records, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("%w: reading sheet %s: %v", bill.ErrInvalidArgument, sheets[0], err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: upload is empty", bill.ErrInvalidArgument)
	}

	cols, err := locateColumns(records[0])
	if err != nil {
		return nil, err
	}

	date1904 := false
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		date1904 = *props.Date1904
	}

	var rows []bill.BatchRow
	for i, record := range records[1:] {
		if blank(record) {
			continue
		}
		row := cols.row(i+2, record)
		row.Month = sheetMonth(row.Month, date1904)
		rows = append(rows, row)
	}
	return rows, nil
}

// sheetMonth turns a date-typed Month cell, which reads back raw as an Excel
// serial such as 45292, into YYYY-MM. Text months pass through unchanged.
func sheetMonth(v string, date1904 bool) string {
	serial, err := strconv.ParseFloat(v, 64)
	if err != nil || serial < 1 {
		return v
	}
	t, err := excelize.ExcelDateToTime(serial, date1904)
	if err != nil {
		return v
	}
	return t.Format("2006-01")
}
