package feed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testSuppliersYAML = `
motorol:
  supplier_id: 23
  input: %q
  inbox: %q
  error_dir: %q
  layout:
    normalization_mode: delimited
    delimiter: ";"
    rows_to_skip: 1
    stock_column_index: 4
    greater_than_five_replacement: 10
    columns: {code: 0, unicode: 1, brand: 2, name: 3, stock: 4, price: 5}
anonymous:
  input: %q
  layout:
    normalization_mode: delimited
`

const testFeed = "KOD;UNI;MARKA;NAZWA;STAN;CENA\n" +
	"A1;U1;BOSCH;Filtr oleju;3;12,50\n" +
	"A2;U2;NGK;Świeca;> 5;4,00\n" +
	"A3;U3;NGK;Brak;0;9,99\n" +
	"\n" +
	"A4;U4;FEBI;Cena?;2;n/a\n"

func writeFile(t *testing.T, path string, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func intPtr(v int) *int { return &v }

// stepClock advances one minute per call so FSStore mtimes are strictly ordered.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type testEnv struct {
	dir       string
	suppliers string
	profiles  string
	store     *FSStore
	runner    *Runner
}

type envOptions struct {
	profilesYAML string
	feed         string
	fetcher      Fetcher
	rates        RateProvider
	catalog      *CatalogWriter
	parallelism  int
	deleteAfter  bool
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	dir := t.TempDir()
	feedBody := opts.feed
	if feedBody == "" {
		feedBody = testFeed
	}
	input := writeFile(t, filepath.Join(dir, "feeds", "motorol.csv"), feedBody)
	inbox := filepath.Join(dir, "inbox", "**", "*")
	errDir := filepath.Join(dir, "errors")

	env := &testEnv{dir: dir}
	env.suppliers = writeFile(t, filepath.Join(dir, "suppliers.yaml"),
		fmt.Sprintf(testSuppliersYAML, input, inbox, errDir, input))
	env.profiles = writeFile(t, filepath.Join(dir, "profiles.yaml"), opts.profilesYAML)

	store, err := NewFSStore(filepath.Join(dir, "store"), "https://cdn.example.test")
	require.NoError(t, err)
	store.now = newStepClock().Now
	env.store = store

	state, err := OpenStateDB(filepath.Join(dir, "state.db"))
	require.NoError(t, err)

	rates := opts.rates
	if rates == nil {
		rates = FixedRate(decimal.NewFromInt(42))
	}
	r, err := NewRunner(RunnerConfig{
		SuppliersPath:  env.suppliers,
		ProfilesPath:   env.profiles,
		TempDir:        filepath.Join(dir, "tmp"),
		Parallelism:    opts.parallelism,
		DeleteAfterRun: opts.deleteAfter,
	}, Deps{
		State:   state,
		Store:   store,
		Rates:   rates,
		Fetcher: opts.fetcher,
		Catalog: opts.catalog,
		Log:     zerolog.Nop(),
		Now: func() time.Time {
			return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	env.runner = r
	return env
}

func (e *testEnv) readObject(t *testing.T, key string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(e.store.Root, filepath.FromSlash(key)))
	require.NoError(t, err)
	return string(b)
}

func (e *testEnv) listKeys(t *testing.T, prefix string) []string {
	t.Helper()
	objs, err := e.store.List(context.Background(), prefix)
	require.NoError(t, err)
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	return keys
}
