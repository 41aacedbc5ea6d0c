package readers

import (
	"strconv"

	"github.com/xuri/excelize/v2"

	"graphweave/internal/graph"
	"graphweave/internal/tabular"
	apperrors "graphweave/pkg/errors"
)

// ReadExcel materialises one worksheet into a frame. An empty sheet name
// selects the first sheet.
func ReadExcel(path, sheet string) (*tabular.Frame, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, apperrors.NewConfiguration("cannot open excel file " + path + ": " + err.Error())
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, apperrors.NewConfiguration("excel file " + path + " has no sheets")
		}
		sheet = sheets[0]
	}
	return readSheet(f, sheet)
}

// ReadExcelIndex materialises the worksheet at the given zero-based index.
func ReadExcelIndex(path string, index int) (*tabular.Frame, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, apperrors.NewConfiguration("cannot open excel file " + path + ": " + err.Error())
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if index < 0 || index >= len(sheets) {
		return nil, apperrors.NewConfiguration("excel file " + path + " has no sheet at index " + strconv.Itoa(index))
	}
	return readSheet(f, sheets[index])
}

// ReadExcelAll materialises every worksheet, keyed by sheet name.
func ReadExcelAll(path string) (map[string]*tabular.Frame, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, apperrors.NewConfiguration("cannot open excel file " + path + ": " + err.Error())
	}
	defer f.Close()

	frames := make(map[string]*tabular.Frame)
	for _, sheet := range f.GetSheetList() {
		frame, err := readSheet(f, sheet)
		if err != nil {
			return nil, err
		}
		frames[sheet] = frame
	}
	return frames, nil
}

func readSheet(f *excelize.File, sheet string) (*tabular.Frame, error) {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, apperrors.NewTransformation("reading excel sheet "+sheet, err)
	}
	if len(rows) == 0 {
		return nil, apperrors.NewConfiguration("excel sheet " + sheet + " is empty")
	}

	columns := make([]string, len(rows[0]))
	copy(columns, rows[0])
	frame := tabular.NewFrame(columns)
	for _, record := range rows[1:] {
		values := make(map[string]graph.Value, len(columns))
		for i, col := range columns {
			if i < len(record) {
				values[col] = ParseCell(record[i])
			} else {
				values[col] = graph.Null()
			}
		}
		frame.AppendRow(values)
	}
	return frame, nil
}
