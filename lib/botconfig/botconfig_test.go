// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package botconfig

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `{
	// Production bot.
	"token": "abc.def.ghi",
	"prefix": "t!",
	"owner_ids": ["1001", "1002",],
	/* Rates against USD. */
	"currency_rates": {"USD": 1, "EUR": 1.08,},
}`

func TestLoad(t *testing.T) {
	directory := t.TempDir()
	if err := os.WriteFile(Path(directory, "tatsu"), []byte(sampleConfig), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	content, err := Load(directory, "tatsu")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if content.Name != "tatsu" {
		t.Errorf("Name = %q, want tatsu (from file name)", content.Name)
	}
	if content.Token != "abc.def.ghi" {
		t.Errorf("Token = %q", content.Token)
	}
	if len(content.OwnerIDs) != 2 {
		t.Errorf("OwnerIDs = %v, want 2 entries", content.OwnerIDs)
	}
	if content.CurrencyRates["EUR"] != 1.08 {
		t.Errorf("EUR rate = %v, want 1.08", content.CurrencyRates["EUR"])
	}
}

func TestTokenFromEnvironment(t *testing.T) {
	t.Setenv(TokenEnvironmentVariable, "from-env")
	path := filepath.Join(t.TempDir(), "dev.jsonc")
	if err := os.WriteFile(path, []byte(`{"name": "Dev Bot"}`), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	content, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if content.Token != "from-env" {
		t.Errorf("Token = %q, want from-env", content.Token)
	}
	if content.Name != "Dev Bot" {
		t.Errorf("Name = %q, want the explicit name", content.Name)
	}
}

func TestLoadErrors(t *testing.T) {
	directory := t.TempDir()
	if _, err := Load(directory, ""); err == nil {
		t.Error("Load with empty bot name should fail")
	}
	if _, err := Load(directory, "absent"); err == nil {
		t.Error("Load of a missing file should fail")
	}
	if err := os.WriteFile(Path(directory, "broken"), []byte(`{"token": `), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(directory, "broken"); err == nil {
		t.Error("Load of malformed JSONC should fail")
	}
}

func TestHolderReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tatsu.jsonc")
	if err := os.WriteFile(path, []byte(`{"prefix": "t!"}`), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	holder, err := NewHolder(path)
	if err != nil {
		t.Fatalf("NewHolder: %v", err)
	}
	if holder.Current().Prefix != "t!" {
		t.Fatalf("Prefix = %q, want t!", holder.Current().Prefix)
	}

	if err := os.WriteFile(path, []byte(`{"prefix": "?"}`), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := holder.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if holder.Current().Prefix != "?" {
		t.Errorf("Prefix after reload = %q, want ?", holder.Current().Prefix)
	}

	if err := os.WriteFile(path, []byte(`{`), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := holder.Reload(); err == nil {
		t.Error("Reload of malformed file should fail")
	}
	if holder.Current().Prefix != "?" {
		t.Errorf("failed reload replaced config: Prefix = %q", holder.Current().Prefix)
	}
}
