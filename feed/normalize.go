package feed

import (
	"bufio"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"
)

var (
	// Two word characters separated by a single token: "AB 12 X". Go's \w is ASCII only,
	// supplier feeds carry Polish and Cyrillic letters.
	splitTokenRe = regexp.MustCompile(`[\p{L}\p{N}_]\s[\p{L}\p{N}_]*\s[\p{L}\p{N}_]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	firstSpaceRe = regexp.MustCompile(`\s`)
)

// RowReader yields filtered, delimiter-uniform field lists from raw feed text.
// It reads the source once and cannot be restarted.
type RowReader struct {
	br     *bufio.Reader
	layout LayoutConfig

	delim     string
	gtToken   string
	gtGlue    *regexp.Regexp
	stockIdx  int
	hasStock  bool
	headerTok string

	line    int
	fields  []string
	err     error
	done    bool
	dropped int
}

func NewRowReader(r io.Reader, layout LayoutConfig) *RowReader {
	rr := &RowReader{
		br:        bufio.NewReaderSize(r, 64*1024),
		layout:    layout,
		delim:     layout.delimiter(),
		headerTok: strings.TrimSpace(layout.StockHeaderToken),
	}
	rr.gtToken = whitespaceRe.ReplaceAllString(layout.gtFiveToken(), "")
	rr.gtGlue = tokenPattern(layout.gtFiveToken())
	if layout.StockColumnIndex != nil {
		rr.stockIdx = *layout.StockColumnIndex
		rr.hasStock = true
	}
	return rr
}

// tokenPattern matches a token with any amount of whitespace between its parts,
// so "> 5", ">5" and ">  5" are the same marker.
func tokenPattern(token string) *regexp.Regexp {
	parts := strings.Fields(token)
	if len(parts) == 0 {
		return nil
	}
	var chars []string
	for _, p := range parts {
		for _, c := range p {
			chars = append(chars, regexp.QuoteMeta(string(c)))
		}
	}
	return regexp.MustCompile(strings.Join(chars, `\s*`))
}

// Next advances to the next kept row.
func (r *RowReader) Next() bool {
	if r.done {
		return false
	}
	for {
		raw, err := r.br.ReadString('\n')
		if raw != "" {
			r.line++
			if fields, ok := r.normalizeLine(raw); ok {
				r.fields = fields
				if err != nil {
					r.finish(err)
				}
				return true
			}
		}
		if err != nil {
			r.finish(err)
			return false
		}
	}
}

func (r *RowReader) finish(err error) {
	r.done = true
	if !errors.Is(err, io.EOF) {
		r.err = err
	}
}

// Fields returns the current row. The slice is owned by the caller.
func (r *RowReader) Fields() []string { return r.fields }

// Err returns the first read error, excluding EOF.
func (r *RowReader) Err() error { return r.err }

// Dropped counts non-blank lines that failed the availability filter.
func (r *RowReader) Dropped() int { return r.dropped }

func (r *RowReader) normalizeLine(raw string) ([]string, bool) {
	if r.line <= r.layout.RowsToSkip {
		return nil, false
	}
	line := strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, false
	}

	var fields []string
	switch r.layout.Mode {
	case ModeDelimited:
		fields = strings.Split(line, r.delim)
		if r.layout.TrimFields {
			for i := range fields {
				fields[i] = strings.TrimSpace(fields[i])
			}
		}
	default:
		fields = r.splitSpaces(line)
	}

	if !r.keepAvailability(fields) {
		r.dropped++
		return nil, false
	}
	return fields, true
}

func (r *RowReader) splitSpaces(line string) []string {
	line = strings.TrimSpace(line)
	if r.gtGlue != nil {
		line = r.gtGlue.ReplaceAllString(line, r.gtToken)
	}
	if loc := splitTokenRe.FindStringIndex(line); loc != nil {
		match := line[loc[0]:loc[1]]
		if sp := firstSpaceRe.FindStringIndex(match); sp != nil {
			at := loc[0] + sp[0]
			line = line[:at] + line[loc[0]+sp[1]:]
		}
	}
	return strings.Split(whitespaceRe.ReplaceAllString(line, r.delim), r.delim)
}

// keepAvailability applies the stock filter and rewrites the "> 5" marker in place.
func (r *RowReader) keepAvailability(fields []string) bool {
	idx := len(fields) - 1
	if r.hasStock {
		idx = r.stockIdx
	}
	if idx < 0 || idx >= len(fields) {
		return false
	}
	value := strings.TrimSpace(fields[idx])
	if r.headerTok != "" && strings.EqualFold(value, r.headerTok) {
		return false
	}
	if r.layout.GreaterThanFiveReplacement != nil && r.gtToken != "" &&
		whitespaceRe.ReplaceAllString(value, "") == r.gtToken {
		value = strconv.Itoa(*r.layout.GreaterThanFiveReplacement)
		fields[idx] = value
	}
	n, err := strconv.Atoi(value)
	return err == nil && n > 0
}

// NormalizeRows drains a RowReader into memory.
func NormalizeRows(r io.Reader, layout LayoutConfig) ([][]string, error) {
	rr := NewRowReader(r, layout)
	var rows [][]string
	for rr.Next() {
		rows = append(rows, rr.Fields())
	}
	return rows, rr.Err()
}
