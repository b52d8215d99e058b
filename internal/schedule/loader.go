package schedule

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Table layout: one header row, then one job per line. The separator is
// auto-detected per file, and header names are matched against aliases so the
// operator's spreadsheet export (including the French column names of older
// sheets) keeps working.

const (
	dateTimeLayout = "2006-01-02 15:04"
	dateOnlyLayout = "2006-01-02"
)

// LineError records a rejected data row. Bad rows never abort a load; they are
// skipped and reported so the operator can fix the sheet.
type LineError struct {
	Line int // 1-based line number in the file
	Msg  string
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// HeaderError means a required column is missing. Unlike row errors this fails
// the whole load: without the column nothing in the file is interpretable.
type HeaderError struct {
	Missing []string
}

func (e *HeaderError) Error() string {
	return "schedule table header missing required column(s): " + strings.Join(e.Missing, ", ")
}

var columnAliases = map[string][]string{
	"date":        {"date"},
	"platform":    {"platform", "plateform"},
	"account":     {"account", "account-group", "account group", "compte"},
	"activity":    {"activity", "activite", "activité"},
	"media":       {"media", "path", "mediapath", "media path", "media_path"},
	"description": {"description", "caption"},
}

var requiredColumns = []string{"date", "platform", "account", "activity", "media"}

// Load parses the raw bytes of a schedule table.
//
// Returned jobs all have Executed=false; carrying execution state forward is
// the Store's business, not the loader's. The loader is a pure function of the
// file bytes.
func Load(data []byte) ([]Job, []LineError, error) {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")

	headerIdx := -1
	for i, ln := range lines {
		if strings.TrimSpace(ln) != "" {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return nil, nil, &HeaderError{Missing: requiredColumns}
	}

	header := strings.TrimPrefix(lines[headerIdx], "\ufeff")
	sep := detectSeparator(header)

	cols, err := resolveColumns(splitFields(header, sep))
	if err != nil {
		return nil, nil, err
	}

	maxRequired := 0
	for _, name := range requiredColumns {
		if idx := cols[name]; idx > maxRequired {
			maxRequired = idx
		}
	}

	var (
		jobs    []Job
		rowErrs []LineError
	)
	for i := headerIdx + 1; i < len(lines); i++ {
		raw := lines[i]
		if strings.TrimSpace(raw) == "" {
			continue
		}
		lineNo := i + 1

		fields := splitFields(raw, sep)
		if len(fields) <= maxRequired {
			rowErrs = append(rowErrs, LineError{Line: lineNo, Msg: fmt.Sprintf("expected at least %d columns, got %d", maxRequired+1, len(fields))})
			continue
		}

		at, err := parseWhen(fields[cols["date"]])
		if err != nil {
			rowErrs = append(rowErrs, LineError{Line: lineNo, Msg: err.Error()})
			continue
		}

		activity, ok := ParseActivity(fields[cols["activity"]])
		if !ok {
			rowErrs = append(rowErrs, LineError{Line: lineNo, Msg: fmt.Sprintf("unknown activity %q", strings.TrimSpace(fields[cols["activity"]]))})
			continue
		}

		j := Job{
			ScheduledAt: at,
			Platform:    strings.TrimSpace(fields[cols["platform"]]),
			Account:     strings.TrimSpace(fields[cols["account"]]),
			Activity:    activity,
			MediaPath:   strings.TrimSpace(fields[cols["media"]]),
		}
		if idx, ok := cols["description"]; ok && idx < len(fields) {
			j.Description = strings.TrimSpace(fields[idx])
		}
		jobs = append(jobs, j)
	}

	return jobs, rowErrs, nil
}

// LoadFile reads and parses the table at path.
func LoadFile(path string) ([]Job, []LineError, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return Load(b)
}

// detectSeparator counts commas vs semicolons outside quoted spans of the
// header line. Semicolon wins only when strictly more frequent; many locales
// export semicolon-separated files whose cells still contain commas.
func detectSeparator(header string) byte {
	commas, semis := 0, 0
	inQuotes := false
	for i := 0; i < len(header); i++ {
		switch header[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				commas++
			}
		case ';':
			if !inQuotes {
				semis++
			}
		}
	}
	if semis > commas {
		return ';'
	}
	return ','
}

// splitFields splits one record on sep, honoring double quotes with
// doubled-quote escaping ("" inside a quoted span is a literal quote).
func splitFields(line string, sep byte) []string {
	var (
		fields []string
		b      strings.Builder
	)
	inQuotes := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			if inQuotes && i+1 < len(line) && line[i+1] == '"' {
				b.WriteByte('"')
				i++
				continue
			}
			inQuotes = !inQuotes
		case c == sep && !inQuotes:
			fields = append(fields, b.String())
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}
	fields = append(fields, b.String())
	return fields
}

// resolveColumns maps logical column names to field indices using
// case-insensitive alias matching. The description column is optional.
func resolveColumns(headerFields []string) (map[string]int, error) {
	cols := make(map[string]int, len(columnAliases))
	for idx, cell := range headerFields {
		name := strings.ToLower(strings.TrimSpace(cell))
		for logical, aliases := range columnAliases {
			if _, taken := cols[logical]; taken {
				continue
			}
			for _, a := range aliases {
				if name == a {
					cols[logical] = idx
					break
				}
			}
		}
	}

	var missing []string
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &HeaderError{Missing: missing}
	}
	return cols, nil
}

// parseWhen accepts "yyyy-MM-dd HH:mm" or a bare "yyyy-MM-dd" (midnight).
// Times are wall-clock local, same as the operator editing the sheet.
func parseWhen(cell string) (time.Time, error) {
	s := strings.TrimSpace(cell)
	if t, err := time.ParseInLocation(dateTimeLayout, s, time.Local); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(dateOnlyLayout, s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unparseable date %q (want %q or %q)", s, dateTimeLayout, dateOnlyLayout)
}
