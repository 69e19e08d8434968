package feed

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validProfilesYAML = `
common:
  rounding: {eur: 2, UAH: 0}
  retention:
    default: 6
    prefixes:
      "shop/": 3
profiles:
  - name: retail-eur
    factor: 1.5
    currency_out: eur
    format: CSV
    publish_namespace: "1_23/{supplier}/"
    columns:
      - {from: code, header: Code}
      - {from: price, header: Price}
    csv: {delimiter: ",", header: false}
  - name: site-uah
    factor: 1.2
    currency_out: UAH
    format: xlsx
    r2_prefix: "1_33/site/{supplier}"
    write_catalog: true
    columns:
      - {from: code, header: Code}
    rate_params:
      add_uah: 0.5
      min_rate: 45
      fallback: {policy: fixed, value: 47}
  - name: netto-uah
    factor: 1
    currency_out: UAH
    format: xlsx
    publish_namespace: "netto/{supplier}/"
    columns:
      - {from: price, header: P}
    rate_params:
      fallback: 51
`

func TestLoadProfiles(t *testing.T) {
	path := writeFile(t, filepath.Join(t.TempDir(), "profiles.yaml"), validProfilesYAML)
	cat, err := LoadProfiles(path)
	require.NoError(t, err)
	require.Len(t, cat.Profiles, 3)

	eur := cat.Profiles[0]
	assert.Equal(t, EUR, eur.CurrencyOut)
	assert.Equal(t, FormatCSV, eur.Format)
	assert.Equal(t, ',', eur.CSV.comma())
	assert.False(t, eur.CSV.header())
	assert.Equal(t, "1_23/motorol/", eur.NamespaceFor("MOTOROL"))

	site := cat.Profiles[1]
	assert.True(t, site.WriteCatalog)
	assert.Equal(t, "1_33/site/motorol/", site.NamespaceFor("Motorol"), "legacy prefix is accepted")
	assert.Equal(t, 0.5, site.RateParams.surcharge())
	assert.Equal(t, 45.0, site.RateParams.floor())
	assert.Equal(t, 47.0, site.RateParams.fallback())
	assert.Equal(t, "fixed", site.RateParams.Fallback.Policy)

	netto := cat.Profiles[2]
	assert.Equal(t, 51.0, netto.RateParams.fallback(), "scalar fallback form")
	assert.Equal(t, 1.0, netto.RateParams.surcharge(), "default add_uah")
	assert.Equal(t, 49.0, netto.RateParams.floor(), "default min_rate")

	assert.Equal(t, int32(2), cat.Rounding.Places(EUR))
	assert.Equal(t, int32(0), cat.Rounding.Places(UAH))
	assert.Equal(t, 3, cat.Retention.KeepFor("shop/x/"))
	assert.Equal(t, 14, cat.Retention.KeepFor("1_33/site/motorol/"), "built-in prefixes stay")
	assert.Equal(t, 6, cat.Retention.KeepFor("other/"))
}

func TestLoadProfilesCollectsEveryProblem(t *testing.T) {
	bad := `
profiles:
  - name: a
    factor: 0
    format: pdf
    publish_namespace: "static/"
    columns: []
  - name: a
    factor: 1
    currency_out: USD
    format: csv
    publish_namespace: "x/{supplier}/"
    columns:
      - {from: code}
    csv: {delimiter: ";;"}
`
	path := writeFile(t, filepath.Join(t.TempDir(), "profiles.yaml"), bad)
	_, err := LoadProfiles(path)
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	joined := strings.Join(cfgErr.Problems, "\n")
	for _, want := range []string{
		"factor",
		"currency_out",
		"format",
		"columns",
		"must contain {supplier}",
		"duplicate profile name",
		"header",
		"single character",
	} {
		assert.Contains(t, joined, want)
	}
}

func TestLoadProfilesFileSuffixes(t *testing.T) {
	profile := func(name string) string {
		return "  - name: " + name + `
    factor: 1
    currency_out: EUR
    format: csv
    publish_namespace: "1_23/{supplier}/"
    columns: [{from: code, header: code}]
`
	}

	path := writeFile(t, filepath.Join(t.TempDir(), "profiles.yaml"), "profiles:\n"+profile("сайт")+profile("опт"))
	cat, err := LoadProfiles(path)
	require.NoError(t, err)
	require.Len(t, cat.Profiles, 2)

	path = writeFile(t, filepath.Join(t.TempDir(), "profiles.yaml"),
		"profiles:\n"+profile(`"Site EUR"`)+profile("site-eur")+profile(`"+++"`))
	_, err = LoadProfiles(path)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.Len(t, cfgErr.Problems, 2)
	assert.Contains(t, cfgErr.Problems[0], `same file suffix "site-eur" as profile "Site EUR"`)
	assert.Contains(t, cfgErr.Problems[1], "at least one letter or digit")
}

func TestLoadProfilesProblemOrderIsStable(t *testing.T) {
	bad := `
common:
  rounding: {UAH: -1, EUR: -2, PLN: -3}
  retention:
    prefixes: {"c/": 0, "a/": 0, "b/": -1}
profiles:
  - name: a
    factor: 1
    currency_out: EUR
    format: csv
    publish_namespace: "x/{supplier}/"
    columns: [{from: code, header: code}]
`
	path := writeFile(t, filepath.Join(t.TempDir(), "profiles.yaml"), bad)
	for i := 0; i < 5; i++ {
		_, err := LoadProfiles(path)
		var cfgErr *ConfigError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, []string{
			"rounding EUR: places must be non-negative",
			"rounding PLN: places must be non-negative",
			"rounding UAH: places must be non-negative",
			`retention "a/": keep count must be at least 1`,
			`retention "b/": keep count must be at least 1`,
			`retention "c/": keep count must be at least 1`,
		}, cfgErr.Problems)
	}
}

func TestLoadProfilesMissingFile(t *testing.T) {
	_, err := LoadProfiles(filepath.Join(t.TempDir(), "nope.yaml"))
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Error(t, cfgErr.Err)
}

func TestLoadSuppliers(t *testing.T) {
	yml := `
Motorol:
  supplier_id: 23
  input: /data/motorol.gz
  layout:
    normalization_mode: spaces
    greater_than_five_replacement: 10
Inter-Cars:
  layout:
    normalization_mode: delimited
    encoding: windows-1250
    columns: {code: 1, price: 7}
`
	path := writeFile(t, filepath.Join(t.TempDir(), "suppliers.yaml"), yml)
	sup, err := LoadSuppliers(path)
	require.NoError(t, err)

	sc, ok := sup.Lookup("MOTOROL")
	require.True(t, ok)
	assert.Equal(t, "Motorol", sc.Name)
	require.NotNil(t, sup.Identity("motorol"))
	assert.Equal(t, int64(23), *sup.Identity("motorol"))
	assert.Nil(t, sup.Identity("inter-cars"), "supplier without id")
	assert.Nil(t, sup.Identity("unknown"))
	assert.Equal(t, []string{"Inter-Cars", "Motorol"}, sup.Names())
}

func TestLoadSuppliersValidation(t *testing.T) {
	yml := `
broken:
  supplier_id: -1
  layout:
    normalization_mode: tabs
    rows_to_skip: -2
    delimiter: "||"
    encoding: ebcdic
    stock_column_index: -1
    columns: {code: -3}
`
	path := writeFile(t, filepath.Join(t.TempDir(), "suppliers.yaml"), yml)
	_, err := LoadSuppliers(path)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	joined := strings.Join(cfgErr.Problems, "\n")
	for _, want := range []string{"normalization_mode", "rows_to_skip", "stock_column_index", "code", "supplier_id", "delimiter", "encoding"} {
		assert.Contains(t, joined, want)
	}
}

func TestProfileCatalogFilter(t *testing.T) {
	cat := ProfileCatalog{Profiles: []Profile{{Name: "retail"}, {Name: "SITE-uah"}, {Name: "site-eur"}}}
	got := cat.Filter("site")
	require.Len(t, got, 2)
	assert.Equal(t, "SITE-uah", got[0].Name)
	assert.Len(t, cat.Filter(""), 3)
	assert.Empty(t, cat.Filter("nothing"))
}
