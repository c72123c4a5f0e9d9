package claimsource

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path"
	"strings"

	"claimbot/internal/domain"

	"github.com/xuri/excelize/v2"
)

type Format string

const (
	FormatLines Format = "lines"
	FormatCSV   Format = "csv"
	FormatXLSX  Format = "xlsx"
)

const maxLineBytes = 1 << 20

// FormatFor picks a reader by file extension; anything unknown is read as
// '#'-delimited lines.
func FormatFor(name string) Format {
	if i := strings.IndexAny(name, "?#"); i >= 0 && strings.Contains(name, "://") {
		name = name[:i]
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return FormatCSV
	case ".xlsx":
		return FormatXLSX
	default:
		return FormatLines
	}
}

// Rejected is an input row that could not be parsed into a claim.
type Rejected struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

type Loaded struct {
	Claims   []domain.ClaimRecord `json:"-"`
	Rejected []Rejected           `json:"rejected"`
}

func Read(r io.Reader, format Format) (Loaded, error) {
	switch format {
	case FormatCSV:
		return readCSV(r)
	case FormatXLSX:
		return readXLSX(r)
	default:
		return readLines(r)
	}
}

func readLines(r io.Reader) (Loaded, error) {
	var out Loaded
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		out.add(n, line)
	}
	if err := sc.Err(); err != nil {
		return Loaded{}, fmt.Errorf("read claim lines: %w", err)
	}
	return out, nil
}

func readCSV(r io.Reader) (Loaded, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Loaded{}, fmt.Errorf("read claim csv: %w", err)
	}
	comma := sniffComma(data)
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	records, err := reader.ReadAll()
	if err != nil {
		return Loaded{}, fmt.Errorf("parse claim csv: %w", err)
	}
	var out Loaded
	for i, record := range records {
		out.addRow(i+1, record, string(comma))
	}
	return out, nil
}

func readXLSX(r io.Reader) (Loaded, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Loaded{}, fmt.Errorf("open claim workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Loaded{}, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Loaded{}, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	var out Loaded
	for i, row := range rows {
		out.addRow(i+1, row, " ")
	}
	return out, nil
}

func sniffComma(data []byte) rune {
	first := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		first = data[:i]
	}
	if bytes.Count(first, []byte(";")) > bytes.Count(first, []byte(",")) {
		return ';'
	}
	return ','
}

// addRow accepts either four columns or a '#'-delimited row that the
// column separator may have split apart; sep rejoins it.
func (l *Loaded) addRow(n int, cells []string, sep string) {
	var nonEmpty []string
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			nonEmpty = append(nonEmpty, c)
		}
	}
	switch {
	case len(nonEmpty) == 0:
		return
	case len(cells) >= 4 && !strings.Contains(cells[0], domain.FieldSeparator):
		if isHeader(strings.Join(cells[:4], domain.FieldSeparator)) {
			return
		}
		claim, err := domain.NewClaimRecord(cells[0], cells[1], domain.SplitPractices(cells[2]), strings.Join(cells[3:], sep))
		if err != nil {
			l.Rejected = append(l.Rejected, Rejected{Line: n, Error: err.Error()})
			return
		}
		l.Claims = append(l.Claims, claim)
	default:
		l.add(n, strings.TrimSpace(strings.Join(cells, sep)))
	}
}

func (l *Loaded) add(n int, line string) {
	if line == "" || isHeader(line) {
		return
	}
	claim, err := domain.ParseLine(line)
	if err != nil {
		l.Rejected = append(l.Rejected, Rejected{Line: n, Error: err.Error()})
		return
	}
	l.Claims = append(l.Claims, claim)
}

func isHeader(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), domain.FileHeader)
}

// FromInputs parses inline claims; Rejected.Line is the 1-based position
// in inputs.
func FromInputs(inputs []domain.ClaimInput) Loaded {
	var out Loaded
	for i, in := range inputs {
		claim, err := domain.ParseClaim(in)
		if err != nil {
			out.Rejected = append(out.Rejected, Rejected{Line: i + 1, Error: err.Error()})
			continue
		}
		out.Claims = append(out.Claims, claim)
	}
	return out
}
