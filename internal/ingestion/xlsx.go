package ingestion

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// ErrMissingColumn is returned when a required header is absent.
var ErrMissingColumn = errors.New("ingestion: missing column")

// Header aliases, matched case-insensitively after trimming.
var columnAliases = map[string]string{
	"installation":        "installation",
	"installation_number": "installation",
	"instalacao":          "installation",
	"uc":                  "installation",
	"period":              "period",
	"month":               "period",
	"referencia":          "period",
	"generation":          "generation",
	"geracao":             "generation",
	"consumption":         "consumption",
	"consumo":             "consumption",
	"transferred":         "transferred",
	"transferido":         "transferred",
	"received":            "received",
	"recebido":            "received",
	"compensation":        "compensation",
	"compensado":          "compensation",
}

// ReadXLSX reads rows from the first sheet. The first non-empty row is the header.
// Cells that fail to parse are kept as rejections instead of failing the upload.
func ReadXLSX(r io.Reader) ([]Row, []Rejection, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, ErrEmptyUpload
	}
	grid, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}

	headerAt := -1
	for i, cells := range grid {
		if !blank(cells) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, nil, ErrEmptyUpload
	}
	columns := make(map[string]int)
	for i, cell := range grid[headerAt] {
		key := strings.ToLower(strings.TrimSpace(cell))
		if name, ok := columnAliases[key]; ok {
			if _, dup := columns[name]; !dup {
				columns[name] = i
			}
		}
	}
	for _, required := range []string{"installation", "period"} {
		if _, ok := columns[required]; !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}

	var (
		rows     []Row
		rejected []Rejection
	)
	for i := headerAt + 1; i < len(grid); i++ {
		cells := grid[i]
		if blank(cells) {
			continue
		}
		line := i + 1
		row := Row{
			Line:               line,
			InstallationNumber: cell(cells, columns, "installation"),
			Period:             cell(cells, columns, "period"),
		}
		var parseErr error
		for _, target := range []struct {
			name string
			dst  **decimal.Decimal
		}{
			{"generation", &row.Generation},
			{"consumption", &row.Consumption},
			{"transferred", &row.Transferred},
			{"received", &row.Received},
			{"compensation", &row.Compensation},
		} {
			value, err := parseKWh(cell(cells, columns, target.name))
			if err != nil {
				parseErr = fmt.Errorf("%s: %w", target.name, err)
				break
			}
			*target.dst = value
		}
		if parseErr != nil {
			rejected = append(rejected, Rejection{
				Line:               line,
				InstallationNumber: row.InstallationNumber,
				Period:             row.Period,
				Reason:             parseErr.Error(),
			})
			continue
		}
		rows = append(rows, row)
	}
	return rows, rejected, nil
}

func cell(cells []string, columns map[string]int, name string) string {
	idx, ok := columns[name]
	if !ok || idx >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[idx])
}

// parseKWh accepts 1234.5 and the Brazilian 1.234,5 form.
func parseKWh(value string) (*decimal.Decimal, error) {
	if value == "" || value == "-" {
		return nil, nil
	}
	if strings.Contains(value, ",") {
		value = strings.ReplaceAll(value, ".", "")
		value = strings.ReplaceAll(value, ",", ".")
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("%q is not a number", value)
	}
	return &d, nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
