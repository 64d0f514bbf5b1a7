package ingest

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ae-signal-engine/internal/domain"
)

// Tables holds the raw rows of one archive snapshot, keyed by table kind.
type Tables map[domain.TableKind][]domain.RawTableRow

// Count returns the total number of rows across all tables.
func (t Tables) Count() int {
	n := 0
	for _, rows := range t {
		n += len(rows)
	}
	return n
}

// ReadOptions configures ReadTable.
type ReadOptions struct {
	// Delimiter overrides delimiter detection when non-zero.
	Delimiter rune
	// Aliases resolves the case id column so rows carry their join key.
	Aliases *AliasTable
}

var candidateDelimiters = []rune{'$', '\t', '|', ','}

// detectDelimiter picks the candidate that occurs most often in the header.
func detectDelimiter(header string) rune {
	best, bestCount := ',', 0
	for _, d := range candidateDelimiters {
		if c := strings.Count(header, string(d)); c > bestCount {
			best, bestCount = d, c
		}
	}
	return best
}

// ReadTable reads one delimited sub-table file. The first line is the header;
// an empty file yields no rows. Rows whose field count does not match the header are returned as parse
// errors and do not abort the read.
func ReadTable(r io.Reader, kind domain.TableKind, opts ReadOptions) ([]domain.RawTableRow, []domain.ParseError, error) {
	br := bufio.NewReader(r)
	headerLine, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("failed to read %s header: %w", kind, err)
	}
	if strings.TrimSpace(headerLine) == "" {
		return nil, nil, nil
	}

	delim := opts.Delimiter
	if delim == 0 {
		delim = detectDelimiter(headerLine)
	}

	cr := csv.NewReader(io.MultiReader(strings.NewReader(headerLine), br))
	cr.Comma = delim
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	headers, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s header: %w", kind, err)
	}
	headers = trimTrailingEmpty(headers)
	for i := range headers {
		headers[i] = strings.TrimSpace(strings.TrimPrefix(headers[i], "\ufeff"))
	}

	aliases := opts.Aliases
	if aliases == nil {
		aliases = NewAliasTable(nil)
	}
	cols := aliases.Resolve(headers)

	var rows []domain.RawTableRow
	var parseErrs []domain.ParseError
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var csvErr *csv.ParseError
			if errors.As(err, &csvErr) {
				parseErrs = append(parseErrs, domain.ParseError{Kind: kind, Line: csvErr.Line, Reason: csvErr.Err.Error()})
				continue
			}
			return rows, parseErrs, fmt.Errorf("failed to read %s table: %w", kind, err)
		}
		line, _ := cr.FieldPos(0)

		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		for len(record) > len(headers) && strings.TrimSpace(record[len(record)-1]) == "" {
			record = record[:len(record)-1]
		}
		if len(record) != len(headers) {
			parseErrs = append(parseErrs, domain.ParseError{
				Kind:   kind,
				Line:   line,
				Reason: fmt.Sprintf("expected %d fields, got %d", len(headers), len(record)),
			})
			continue
		}

		fields := make(map[string]string, len(headers))
		for i, h := range headers {
			fields[h] = record[i]
		}
		caseID := cols.Get(fields, FieldCaseID)
		if caseID == "" {
			caseID = cols.Get(fields, FieldPrimaryID)
		}
		rows = append(rows, domain.RawTableRow{
			CaseID: caseID,
			Kind:   kind,
			Line:   line,
			Fields: fields,
		})
	}
	return rows, parseErrs, nil
}

// trimTrailingEmpty drops the empty fields produced by a trailing delimiter,
// as in the "$"-terminated lines of the FAERS ASCII files.
func trimTrailingEmpty(record []string) []string {
	end := len(record)
	for end > 1 && strings.TrimSpace(record[end-1]) == "" {
		end--
	}
	return record[:end]
}

var filePrefixes = map[string]domain.TableKind{
	"DEMO": domain.TableDemographics,
	"DRUG": domain.TableDrug,
	"REAC": domain.TableReaction,
	"OUTC": domain.TableOutcome,
	"THER": domain.TableTherapy,
	"INDI": domain.TableIndication,
}

var tableExtensions = map[string]bool{".txt": true, ".csv": true, ".tsv": true, ".dat": true}

// KindForFile maps an archive file name onto a table kind, accepting the
// FAERS quarterly names (DEMO24Q1.txt) and plain kind names (reaction.csv).
func KindForFile(name string) (domain.TableKind, bool) {
	base := filepath.Base(name)
	if !tableExtensions[strings.ToLower(filepath.Ext(base))] {
		return "", false
	}
	upper := strings.ToUpper(base)
	if len(upper) >= 4 {
		if kind, ok := filePrefixes[upper[:4]]; ok {
			return kind, true
		}
	}
	stem := strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
	for _, kind := range domain.AllTableKinds {
		if strings.HasPrefix(stem, string(kind)) {
			return kind, true
		}
	}
	return "", false
}

// LoadDirectory reads every recognised table file in dir. Files of the same
// kind (for example several quarterly extracts) are concatenated in file-name
// order.
func LoadDirectory(dir string, opts ReadOptions) (Tables, []domain.ParseError, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	tables := make(Tables)
	var parseErrs []domain.ParseError
	for _, name := range names {
		kind, ok := KindForFile(name)
		if !ok {
			continue
		}
		rows, errs, err := readFile(filepath.Join(dir, name), kind, opts)
		if err != nil {
			return nil, nil, err
		}
		tables[kind] = append(tables[kind], rows...)
		parseErrs = append(parseErrs, errs...)
	}
	return tables, parseErrs, nil
}

func readFile(path string, kind domain.TableKind, opts ReadOptions) ([]domain.RawTableRow, []domain.ParseError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	rows, errs, err := ReadTable(f, kind, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return rows, errs, nil
}
