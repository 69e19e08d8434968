package feed

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Currency string

const (
	EUR Currency = "EUR"
	UAH Currency = "UAH"
)

type NormalizationMode string

const (
	ModeSpaces    NormalizationMode = "spaces"
	ModeDelimited NormalizationMode = "delimited"
)

const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

const supplierPlaceholder = "{supplier}"

// ColumnMap maps canonical fields to 0-based raw column positions.
// A nil entry is unmapped and resolves through ColumnMap.Resolve.
type ColumnMap struct {
	Code    *int `yaml:"code" validate:"omitempty,gte=0"`
	Unicode *int `yaml:"unicode" validate:"omitempty,gte=0"`
	Brand   *int `yaml:"brand" validate:"omitempty,gte=0"`
	Name    *int `yaml:"name" validate:"omitempty,gte=0"`
	Stock   *int `yaml:"stock" validate:"omitempty,gte=0"`
	Price   *int `yaml:"price" validate:"omitempty,gte=0"`
}

// LayoutConfig describes the raw row shape of one supplier feed.
type LayoutConfig struct {
	Mode      NormalizationMode `yaml:"normalization_mode" validate:"required,oneof=spaces delimited"`
	Delimiter string            `yaml:"delimiter"`
	Encoding  string            `yaml:"encoding"`
	// TrimFields trims every field in delimited mode (tab feeds padded with spaces).
	TrimFields bool `yaml:"trim_fields"`

	RowsToSkip       int    `yaml:"rows_to_skip" validate:"gte=0"`
	StockColumnIndex *int   `yaml:"stock_column_index" validate:"omitempty,gte=0"`
	StockHeaderToken string `yaml:"stock_header_token"`

	// GreaterThanFiveToken is the qualitative availability marker, "> 5" when empty.
	GreaterThanFiveToken       string `yaml:"greater_than_five_token"`
	GreaterThanFiveReplacement *int   `yaml:"greater_than_five_replacement" validate:"omitempty,gt=0"`

	Columns *ColumnMap `yaml:"columns"`
}

func (l LayoutConfig) delimiter() string {
	if l.Delimiter == "" {
		return ";"
	}
	return l.Delimiter
}

func (l LayoutConfig) gtFiveToken() string {
	if strings.TrimSpace(l.GreaterThanFiveToken) == "" {
		return "> 5"
	}
	return l.GreaterThanFiveToken
}

type SupplierConfig struct {
	Name       string       `yaml:"-"`
	SupplierID *int64       `yaml:"supplier_id"`
	Input      string       `yaml:"input"`
	Inbox      string       `yaml:"inbox"`
	ErrorDir   string       `yaml:"error_dir"`
	Layout     LayoutConfig `yaml:"layout"`
}

// Suppliers is the supplier registry keyed by upper-cased supplier name.
type Suppliers map[string]SupplierConfig

// Lookup finds a supplier case-insensitively.
func (s Suppliers) Lookup(name string) (SupplierConfig, bool) {
	sc, ok := s[strings.ToUpper(strings.TrimSpace(name))]
	return sc, ok
}

// Identity resolves a supplier name to its numeric id. Unknown suppliers and
// suppliers without an id yield nil.
func (s Suppliers) Identity(name string) *int64 {
	sc, ok := s.Lookup(name)
	if !ok {
		return nil
	}
	return sc.SupplierID
}

// Names returns supplier names in stable order.
func (s Suppliers) Names() []string {
	out := make([]string, 0, len(s))
	for _, sc := range s {
		out = append(out, sc.Name)
	}
	sort.Strings(out)
	return out
}

type OutputColumn struct {
	From   string `yaml:"from" validate:"required"`
	Header string `yaml:"header" validate:"required"`
}

type CSVOptions struct {
	Delimiter string `yaml:"delimiter"`
	Header    *bool  `yaml:"header"`
}

func (o CSVOptions) comma() rune {
	if o.Delimiter == "" {
		return ';'
	}
	r, _ := utf8.DecodeRuneInString(o.Delimiter)
	return r
}

func (o CSVOptions) header() bool {
	return o.Header == nil || *o.Header
}

// RateFallback accepts either:
//  1. scalar form:
//     fallback: 50
//  2. policy form:
//     fallback: {policy: fixed, value: 50}
type RateFallback struct {
	Policy string
	Value  float64
	Set    bool
}

func (f *RateFallback) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.ScalarNode:
		if strings.TrimSpace(value.Value) == "" {
			return nil
		}
		var v float64
		if err := value.Decode(&v); err != nil {
			return err
		}
		f.Policy = "fixed"
		f.Value = v
		f.Set = true
		return nil
	case yaml.MappingNode:
		var tmp struct {
			Policy string  `yaml:"policy"`
			Value  float64 `yaml:"value"`
		}
		if err := value.Decode(&tmp); err != nil {
			return err
		}
		f.Policy = strings.TrimSpace(tmp.Policy)
		if f.Policy == "" {
			f.Policy = "fixed"
		}
		f.Value = tmp.Value
		f.Set = true
		return nil
	default:
		return fmt.Errorf("rate fallback: unsupported yaml node kind %d", value.Kind)
	}
}

// RateParams parameterize the FX-rate lookup of UAH profiles.
type RateParams struct {
	AddUAH   *float64     `yaml:"add_uah"`
	MinRate  *float64     `yaml:"min_rate" validate:"omitempty,gt=0"`
	Fallback RateFallback `yaml:"fallback"`
}

const (
	defaultAddUAH   = 1.0
	defaultMinRate  = 49.0
	defaultFallback = 50.0
)

func (p RateParams) surcharge() float64 {
	if p.AddUAH == nil {
		return defaultAddUAH
	}
	return *p.AddUAH
}

func (p RateParams) floor() float64 {
	if p.MinRate == nil {
		return defaultMinRate
	}
	return *p.MinRate
}

func (p RateParams) fallback() float64 {
	if !p.Fallback.Set || p.Fallback.Value <= 0 {
		return defaultFallback
	}
	return p.Fallback.Value
}

type Profile struct {
	Name         string         `yaml:"name" validate:"required"`
	Factor       float64        `yaml:"factor" validate:"gt=0"`
	CurrencyOut  Currency       `yaml:"currency_out" validate:"required,oneof=EUR UAH"`
	Format       string         `yaml:"format" validate:"required,oneof=csv xlsx"`
	Namespace    string         `yaml:"publish_namespace"`
	LegacyPrefix string         `yaml:"r2_prefix"`
	Columns      []OutputColumn `yaml:"columns" validate:"required,min=1,dive"`
	CSV          CSVOptions     `yaml:"csv"`
	RateParams   RateParams     `yaml:"rate_params"`
	// WriteCatalog replaces the supplier's rows in the relational catalog.
	WriteCatalog bool `yaml:"write_catalog"`
}

// NamespaceFor expands the namespace template for one supplier. The result
// always ends with "/".
func (p Profile) NamespaceFor(supplier string) string {
	tmpl := p.Namespace
	if tmpl == "" {
		tmpl = p.LegacyPrefix
	}
	ns := strings.ReplaceAll(tmpl, supplierPlaceholder, strings.ToLower(supplier))
	if ns != "" && !strings.HasSuffix(ns, "/") {
		ns += "/"
	}
	return ns
}

// Rounding holds decimal places per currency.
type Rounding map[Currency]int32

func DefaultRounding() Rounding {
	return Rounding{EUR: 2, UAH: 0}
}

// Places returns the configured places, falling back to EUR=2, UAH=0.
func (r Rounding) Places(c Currency) int32 {
	if v, ok := r[c]; ok {
		return v
	}
	if c == UAH {
		return 0
	}
	return 2
}

type ProfileCatalog struct {
	Profiles  []Profile
	Rounding  Rounding
	Retention RetentionTable
}

// Filter returns profiles whose name contains substr (case-insensitive).
// An empty substr keeps every profile.
func (c ProfileCatalog) Filter(substr string) []Profile {
	substr = strings.ToLower(strings.TrimSpace(substr))
	if substr == "" {
		return c.Profiles
	}
	out := make([]Profile, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		if strings.Contains(strings.ToLower(p.Name), substr) {
			out = append(out, p)
		}
	}
	return out
}

// ConfigError is returned for every invalid or missing configuration document.
type ConfigError struct {
	Path     string
	Problems []string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("config %s: validation failed:\n  - %s", e.Path, strings.Join(e.Problems, "\n  - "))
}

func (e *ConfigError) Unwrap() error { return e.Err }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func structProblems(prefix string, s any) []string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{fmt.Sprintf("%s: %v", prefix, err)}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		msg := fmt.Sprintf("%s: %s fails %q", prefix, field, fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s: %s fails %q (%s)", prefix, field, fe.Tag(), fe.Param())
		}
		out = append(out, msg)
	}
	return out
}

func readYAML(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	return nil
}

var knownEncodings = map[string]bool{
	"": true, "utf-8": true, "utf8": true,
	"windows-1250": true, "cp1250": true,
	"windows-1251": true, "cp1251": true,
	"iso-8859-2": true, "latin2": true,
	"iso-8859-1": true, "latin-1": true, "latin1": true,
}

// LoadSuppliers reads the supplier registry.
func LoadSuppliers(path string) (Suppliers, error) {
	var raw map[string]SupplierConfig
	if err := readYAML(path, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, &ConfigError{Path: path, Problems: []string{"no suppliers defined"}}
	}

	out := make(Suppliers, len(raw))
	var problems []string
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sc := raw[name]
		sc.Name = strings.TrimSpace(name)
		key := strings.ToUpper(sc.Name)
		if _, dup := out[key]; dup {
			problems = append(problems, fmt.Sprintf("supplier %q: duplicate name (names are case-insensitive)", name))
			continue
		}
		problems = append(problems, validateSupplier(sc)...)
		out[key] = sc
	}
	if len(problems) > 0 {
		return nil, &ConfigError{Path: path, Problems: problems}
	}
	return out, nil
}

func validateSupplier(sc SupplierConfig) []string {
	prefix := fmt.Sprintf("supplier %q", sc.Name)
	problems := structProblems(prefix, sc.Layout)
	if sc.SupplierID != nil && *sc.SupplierID <= 0 {
		problems = append(problems, fmt.Sprintf("%s: supplier_id must be positive", prefix))
	}
	if utf8.RuneCountInString(sc.Layout.Delimiter) > 1 {
		problems = append(problems, fmt.Sprintf("%s: delimiter %q must be a single character", prefix, sc.Layout.Delimiter))
	}
	if !knownEncodings[strings.ToLower(strings.TrimSpace(sc.Layout.Encoding))] {
		problems = append(problems, fmt.Sprintf("%s: unsupported encoding %q", prefix, sc.Layout.Encoding))
	}
	return problems
}

type profilesFile struct {
	Common struct {
		Rounding  map[string]int32 `yaml:"rounding"`
		Retention struct {
			Default  int            `yaml:"default"`
			Prefixes map[string]int `yaml:"prefixes"`
		} `yaml:"retention"`
	} `yaml:"common"`
	Profiles []Profile `yaml:"profiles"`
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadProfiles reads the profile list and the shared rounding and retention tables.
func LoadProfiles(path string) (*ProfileCatalog, error) {
	var raw profilesFile
	if err := readYAML(path, &raw); err != nil {
		return nil, err
	}

	var problems []string
	if len(raw.Profiles) == 0 {
		problems = append(problems, "no profiles defined")
	}

	rounding := DefaultRounding()
	for _, cur := range sortedKeys(raw.Common.Rounding) {
		places := raw.Common.Rounding[cur]
		if places < 0 {
			problems = append(problems, fmt.Sprintf("rounding %s: places must be non-negative", cur))
			continue
		}
		rounding[Currency(strings.ToUpper(strings.TrimSpace(cur)))] = places
	}

	retention := DefaultRetention()
	if raw.Common.Retention.Default != 0 {
		retention.Default = raw.Common.Retention.Default
	}
	if retention.Default < 1 {
		problems = append(problems, "retention default must be at least 1")
	}
	for _, prefix := range sortedKeys(raw.Common.Retention.Prefixes) {
		keep := raw.Common.Retention.Prefixes[prefix]
		if keep < 1 {
			problems = append(problems, fmt.Sprintf("retention %q: keep count must be at least 1", prefix))
			continue
		}
		retention.Prefixes[prefix] = keep
	}

	seen := make(map[string]bool, len(raw.Profiles))
	slugs := make(map[string]string, len(raw.Profiles))
	profiles := make([]Profile, 0, len(raw.Profiles))
	for i, p := range raw.Profiles {
		p.Name = strings.TrimSpace(p.Name)
		p.CurrencyOut = Currency(strings.ToUpper(strings.TrimSpace(string(p.CurrencyOut))))
		p.Format = strings.ToLower(strings.TrimSpace(p.Format))

		prefix := fmt.Sprintf("profiles[%d]", i)
		if p.Name != "" {
			prefix = fmt.Sprintf("profiles[%d] (%s)", i, p.Name)
		}
		problems = append(problems, structProblems(prefix, p)...)

		if p.Name != "" {
			if seen[p.Name] {
				problems = append(problems, fmt.Sprintf("%s: duplicate profile name", prefix))
			}
			seen[p.Name] = true

			switch s := slug(p.Name); {
			case s == "":
				problems = append(problems, fmt.Sprintf("%s: name needs at least one letter or digit", prefix))
			case slugs[s] != "" && slugs[s] != p.Name:
				problems = append(problems, fmt.Sprintf("%s: name gives the same file suffix %q as profile %q", prefix, s, slugs[s]))
			default:
				slugs[s] = p.Name
			}
		}
		tmpl := p.Namespace
		if tmpl == "" {
			tmpl = p.LegacyPrefix
		}
		switch {
		case strings.TrimSpace(tmpl) == "":
			problems = append(problems, fmt.Sprintf("%s: publish_namespace is required", prefix))
		case !strings.Contains(tmpl, supplierPlaceholder):
			problems = append(problems, fmt.Sprintf("%s: publish_namespace %q must contain %s", prefix, tmpl, supplierPlaceholder))
		}
		if utf8.RuneCountInString(p.CSV.Delimiter) > 1 {
			problems = append(problems, fmt.Sprintf("%s: csv delimiter %q must be a single character", prefix, p.CSV.Delimiter))
		}
		profiles = append(profiles, p)
	}

	if len(problems) > 0 {
		return nil, &ConfigError{Path: path, Problems: problems}
	}
	return &ProfileCatalog{Profiles: profiles, Rounding: rounding, Retention: retention}, nil
}
