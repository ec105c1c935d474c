package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/Iron-Ham/llmscore/internal/config"
)

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	buf := new(bytes.Buffer)
	c := &cobra.Command{}
	c.SetOut(buf)
	c.SetErr(buf)
	return c, buf
}

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	appconfig.SetDefaults()
	t.Cleanup(viper.Reset)
}

func TestRunConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	initPath, initForce = path, false
	t.Cleanup(func() { initPath, initForce = "", false })

	c, out := newTestCmd()
	if err := runConfigInit(c, nil); err != nil {
		t.Fatalf("runConfigInit() error = %v", err)
	}
	if !strings.Contains(out.String(), path) {
		t.Errorf("output = %q", out.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# llmscore configuration") {
		t.Error("missing header comment")
	}
	var got appconfig.Config
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("generated file is not valid YAML: %v", err)
	}
	want := appconfig.Default()
	if got.Run.OutputDir != want.Run.OutputDir || got.Ledger.Backend != want.Ledger.Backend ||
		got.Providers["claude"].Model != want.Providers["claude"].Model {
		t.Errorf("round trip lost defaults: %+v", got)
	}
	if errs := got.Validate(); len(errs) != 0 {
		t.Errorf("default config does not validate: %v", errs)
	}

	if err := runConfigInit(c, nil); err == nil {
		t.Error("second init without --force should fail")
	}
	initForce = true
	if err := runConfigInit(c, nil); err != nil {
		t.Errorf("init --force error = %v", err)
	}
}

func TestMaskKeys(t *testing.T) {
	cfg := appconfig.Config{Providers: map[string]appconfig.ProviderConfig{
		"deepseek": {APIKey: "sk-1234567890abcd"},
		"kimi":     {APIKey: "short"},
		"claude":   {},
	}}
	got := maskKeys(cfg)
	if got.Providers["deepseek"].APIKey != "****abcd" {
		t.Errorf("long key = %q", got.Providers["deepseek"].APIKey)
	}
	if got.Providers["kimi"].APIKey != "****" {
		t.Errorf("short key = %q", got.Providers["kimi"].APIKey)
	}
	if got.Providers["claude"].APIKey != "" {
		t.Errorf("empty key = %q", got.Providers["claude"].APIKey)
	}
	if cfg.Providers["deepseek"].APIKey != "sk-1234567890abcd" {
		t.Error("maskKeys modified its input")
	}
}

func TestRunConfigShow(t *testing.T) {
	resetViper(t)
	viper.Set("providers.deepseek.api_key", "sk-secret-value-9999")

	c, out := newTestCmd()
	if err := runConfigShow(c, nil); err != nil {
		t.Fatalf("runConfigShow() error = %v", err)
	}
	s := out.String()
	if strings.Contains(s, "sk-secret-value-9999") {
		t.Error("API key printed in clear")
	}
	for _, want := range []string{"****9999", "output_dir: output", "backend: file"} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
}

func TestRunConfigValidate(t *testing.T) {
	resetViper(t)
	c, out := newTestCmd()
	if err := runConfigValidate(c, nil); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if !strings.Contains(out.String(), "valid") {
		t.Errorf("output = %q", out.String())
	}

	viper.Set("ledger.backend", "postgres")
	viper.Set("run.request_timeout_seconds", 0)
	out.Reset()
	err := runConfigValidate(c, nil)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"ledger.backend", "run.request_timeout_seconds"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}
