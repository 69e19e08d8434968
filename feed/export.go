package feed

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const (
	ContentTypeCSV  = "text/csv"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	stampLayout = "20060102_1504"
	sheetName   = "Sheet1"
)

// Artifact is an exported file awaiting upload.
type Artifact struct {
	Path        string
	Filename    string
	Format      string
	ContentType string
	Size        int64
}

var slugRe = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// slug lowercases s and collapses every run of non letters and digits to a
// dash. LoadProfiles rejects names whose slugs are empty or collide.
func slug(s string) string {
	return strings.Trim(slugRe.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// ArtifactFilename builds {supplier}_{YYYYMMDD_HHMM}_{profile}.{ext}. The
// profile slug keeps same-minute profiles of one run apart.
func ArtifactFilename(supplier string, stamp time.Time, profile string, format string) string {
	name := fmt.Sprintf("%s_%s", strings.ToLower(strings.TrimSpace(supplier)), stamp.Format(stampLayout))
	if s := slug(profile); s != "" {
		name += "_" + s
	}
	return name + "." + format
}

// Export writes t to dir/filename in the profile's format.
func Export(t Table, dir string, filename string, p Profile) (Artifact, error) {
	art := Artifact{
		Path:     filepath.Join(dir, filename),
		Filename: filename,
		Format:   p.Format,
	}
	var err error
	switch p.Format {
	case FormatCSV:
		art.ContentType = ContentTypeCSV
		err = ExportCSV(t, art.Path, p.CSV)
	case FormatXLSX:
		art.ContentType = ContentTypeXLSX
		err = ExportXLSX(t, art.Path)
	default:
		err = fmt.Errorf("unsupported output format %q", p.Format)
	}
	if err != nil {
		_ = os.Remove(art.Path)
		return Artifact{}, err
	}
	info, err := os.Stat(art.Path)
	if err != nil {
		return Artifact{}, err
	}
	art.Size = info.Size()
	return art, nil
}

func ExportCSV(t Table, path string, opts CSVOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Comma = opts.comma()
	if opts.header() {
		if err := w.Write(t.Headers); err != nil {
			_ = f.Close()
			return err
		}
	}
	rec := make([]string, len(t.Headers))
	for _, row := range t.Rows {
		for i, v := range row {
			rec[i] = t.CellText(v)
		}
		if err := w.Write(rec[:len(row)]); err != nil {
			_ = f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func ExportXLSX(t Table, path string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return err
	}
	header := make([]any, len(t.Headers))
	for i, h := range t.Headers {
		header[i] = h
	}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}
	for i, row := range t.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = xlsxValue(v)
		}
		if err := sw.SetRow(cell, values); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	return f.SaveAs(path)
}

func xlsxValue(v any) any {
	if d, ok := v.(decimal.Decimal); ok {
		return d.InexactFloat64()
	}
	return v
}
