package configloader

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name    string        `mapstructure:"name"`
	Workers int           `mapstructure:"workers"`
	Wait    time.Duration `mapstructure:"wait"`
	Hosts   []string      `mapstructure:"hosts"`
	Debug   bool          `mapstructure:"debug"`
	Ratio   float64       `mapstructure:"ratio"`
}

type validated struct {
	Title string `mapstructure:"title"`
}

func (v validated) Validate() error {
	if v.Title == "" {
		return errors.New("title is required")
	}
	return nil
}

func init() {
	RegisterDefaults(map[string]interface{}{
		"name":    "svc",
		"workers": 2,
		"wait":    "1s",
		"hosts":   []string{"a"},
		"debug":   false,
		"ratio":   0.5,
	})
}

func TestLoad_Defaults(t *testing.T) {
	var s sample
	require.NoError(t, Load("", "CLTEST", &s))
	assert.Equal(t, sample{Name: "svc", Workers: 2, Wait: time.Second, Hosts: []string{"a"}, Ratio: 0.5}, s)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: from-file\nworkers: 4\nwait: 2s\n"), 0o644))

	t.Setenv("CLTEST_WORKERS", "8")
	t.Setenv("CLTEST_HOSTS", "x,y")
	t.Setenv("CLTEST_DEBUG", "true")

	var s sample
	require.NoError(t, Load(path, "CLTEST", &s))
	assert.Equal(t, "from-file", s.Name)
	assert.Equal(t, 8, s.Workers)
	assert.Equal(t, 2*time.Second, s.Wait)
	assert.Equal(t, []string{"x", "y"}, s.Hosts)
	assert.True(t, s.Debug)
}

func TestLoadFrom_Flags(t *testing.T) {
	t.Setenv("CLTEST_NAME", "from-env")

	fs := pflag.NewFlagSet("t", pflag.ContinueOnError)
	fs.String("name", "", "")
	fs.Int("workers", 0, "")
	require.NoError(t, fs.Parse([]string{"--name=from-flag"}))

	var s sample
	err := LoadFrom(Source{
		EnvPrefix: "CLTEST",
		Flags:     fs,
		FlagKeys:  map[string]string{"name": "name", "workers": "workers"},
	}, &s)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", s.Name)
	assert.Equal(t, 2, s.Workers, "unchanged flag does not shadow the default")
}

func TestLoadFrom_UnknownFlag(t *testing.T) {
	var s sample
	err := LoadFrom(Source{
		Flags:    pflag.NewFlagSet("t", pflag.ContinueOnError),
		FlagKeys: map[string]string{"name": "missing"},
	}, &s)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	var s sample
	err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "", &s)
	assert.Error(t, err)
}

func TestLoad_Validate(t *testing.T) {
	var v validated
	err := Load("", "CLTEST", &v)
	assert.ErrorContains(t, err, "title is required")

	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("title: ok\n"), 0o644))
	require.NoError(t, Load(path, "CLTEST", &v))
	assert.Equal(t, "ok", v.Title)
}

func TestPrintConfig(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintConfig(&buf, sample{Name: "svc"}))
	assert.Contains(t, buf.String(), `"Name": "svc"`)
}

func TestLoadFrom_StrictRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: x\nwrokers: 4\n"), 0o644))

	var s sample
	require.NoError(t, LoadFrom(Source{Path: path, EnvPrefix: "CLTEST"}, &s))

	err := LoadFrom(Source{Path: path, EnvPrefix: "CLTEST", Strict: true}, &s)
	assert.ErrorContains(t, err, "wrokers")
}

func TestDecode_TrimmedSlice(t *testing.T) {
	var s sample
	require.NoError(t, decode(map[string]interface{}{"hosts": " k1:9092, ,k2:9092 ", "debug": " true"}, &s, false))
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, s.Hosts)
	assert.True(t, s.Debug)
}
