package filestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type entry struct {
	Shop  string `json:"shop"`
	Scope string `json:"scope"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")

	want := map[string]entry{"a.myshopify.com": {Shop: "a.myshopify.com", Scope: "read_orders"}}
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, found, err := Load[map[string]entry](path)
	if err != nil || !found {
		t.Fatalf("Load = found %v, err %v", found, err)
	}
	if got["a.myshopify.com"] != want["a.myshopify.com"] {
		t.Fatalf("Load = %+v", got)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	got, found, err := Load[[]entry](filepath.Join(t.TempDir(), "none.json"))
	if err != nil || found || got != nil {
		t.Fatalf("Load missing = %v, %v, %v", got, found, err)
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"version":2,"data":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	_, _, err := Load[map[string]entry](path)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("Load = %v, want ErrUnsupportedVersion", err)
	}
}
