package xlsx

import (
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// dateCells rewrites date-formatted cells as "2006-01-02 15:04:05". The
// display text of such cells depends on the number format ("Mar-24",
// "3/1/24 10:30") and often drops the day or the time.
type dateCells struct {
	wb       *excelize.File
	sheet    string
	date1904 bool
	isDate   map[int]bool // by style index
}

func newDateCells(wb *excelize.File, sheet string) *dateCells {
	d := &dateCells{wb: wb, sheet: sheet, isDate: map[int]bool{}}
	if props, err := wb.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		d.date1904 = *props.Date1904
	}
	return d
}

// value returns the timestamp for the cell at col, row (both 1-based) when
// the cell carries a date format, and formatted otherwise. Serials before
// 1970 are left alone; those are time-only cells or not dates at all.
func (d *dateCells) value(col, row int, formatted string) string {
	if strings.TrimSpace(formatted) == "" {
		return formatted
	}
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return formatted
	}
	idx, err := d.wb.GetCellStyle(d.sheet, cell)
	if err != nil || idx == 0 || !d.dateStyle(idx) {
		return formatted
	}
	raw, err := d.wb.GetCellValue(d.sheet, cell, excelize.Options{RawCellValue: true})
	if err != nil {
		return formatted
	}
	serial, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return formatted
	}
	t, err := excelize.ExcelDateToTime(serial, d.date1904)
	if err != nil || t.Year() < 1970 {
		return formatted
	}
	return t.Round(time.Second).Format(time.DateTime)
}

func (d *dateCells) dateStyle(idx int) bool {
	if v, ok := d.isDate[idx]; ok {
		return v
	}
	v := false
	if st, err := d.wb.GetStyle(idx); err == nil && st != nil {
		v = isDateNumFmt(st.NumFmt, st.CustomNumFmt)
	}
	d.isDate[idx] = v
	return v
}

// isDateNumFmt reports whether a built-in format id or a custom format code
// renders a date or time.
func isDateNumFmt(id int, custom *string) bool {
	if custom != nil {
		return isDateFormatCode(*custom)
	}
	switch {
	case id >= 14 && id <= 22,
		id >= 27 && id <= 36,
		id >= 45 && id <= 47,
		id >= 50 && id <= 58:
		return true
	}
	return false
}

// isDateFormatCode looks for day, year or hour tokens in the first section
// of a format code, ignoring quoted literals, escapes and [..] modifiers.
func isDateFormatCode(code string) bool {
	if i := strings.IndexByte(code, ';'); i >= 0 {
		code = code[:i]
	}
	var (
		quoted  bool
		bracket bool
		escaped bool
	)
	for _, r := range strings.ToLower(code) {
		switch {
		case escaped:
			escaped = false
		case quoted:
			quoted = r != '"'
		case bracket:
			bracket = r != ']'
		case r == '\\':
			escaped = true
		case r == '"':
			quoted = true
		case r == '[':
			bracket = true
		case r == 'y', r == 'd', r == 'h':
			return true
		}
	}
	return false
}
