package manifest

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestLoadJSON(t *testing.T) {
	m, err := Load(filepath.Join("testdata", "manifest.json"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if m.Len() != 7 {
		t.Fatalf("expected 7 resources, got %d", m.Len())
	}
	if fp, ok := m.Fingerprint("main.dart.js"); !ok || fp != "9a8b7c6d5e4f30211f2e3d4c5b6a7980" {
		t.Fatalf("unexpected fingerprint %q %v", fp, ok)
	}
	core := m.Core()
	if len(core) != 5 || core[0] != "main.dart.js" || core[4] != "assets/FontManifest.json" {
		t.Fatalf("core list should keep declaration order, got %v", core)
	}
	if !m.Has(RootPath) {
		t.Fatalf("root path should be present")
	}
}

func TestLoadGeneratedScript(t *testing.T) {
	m, err := Load(filepath.Join("testdata", "flutter_service_worker.js"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if m.Len() != 6 {
		t.Fatalf("expected 6 resources, got %d", m.Len())
	}
	if !m.Has("assets/fonts/{weird}.otf") {
		t.Fatalf("braces inside keys must not end the literal")
	}
	core := m.Core()
	if len(core) != 3 || core[1] != "index.html" {
		t.Fatalf("unexpected core list %v", core)
	}
}

func TestParseScriptWithoutCore(t *testing.T) {
	m, err := ParseScript([]byte(`const RESOURCES = {"a.js": "h1"};`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Core()) != 0 {
		t.Fatalf("expected empty core list")
	}
}

func TestParseScriptRejectsMissingResources(t *testing.T) {
	if _, err := ParseScript([]byte(`const CORE = ["a.js"];`)); err == nil {
		t.Fatalf("script without RESOURCES should fail")
	}
	if _, err := ParseScript([]byte(`const RESOURCES = {"a.js": "h1"`)); err == nil {
		t.Fatalf("unterminated literal should fail")
	}
}

func TestNewValidation(t *testing.T) {
	testCases := []struct {
		name      string
		resources map[string]string
		core      []string
		shouldErr bool
	}{
		{"ok", map[string]string{"a": "h1"}, []string{"a"}, false},
		{"empty", nil, nil, true},
		{"empty path", map[string]string{"": "h1"}, nil, true},
		{"empty fingerprint", map[string]string{"a": " "}, nil, true},
		{"empty core", map[string]string{"a": "h1"}, []string{""}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.resources, tc.core)
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
	if _, err := New(nil, nil); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestNewDropsDuplicateCorePaths(t *testing.T) {
	m, err := New(map[string]string{"a": "h1"}, []string{"a", "b", "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if core := m.Core(); len(core) != 2 {
		t.Fatalf("expected duplicates to be dropped, got %v", core)
	}
}

func TestManifestIsImmutable(t *testing.T) {
	src := map[string]string{"a": "h1"}
	m, err := New(src, []string{"a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src["a"] = "changed"
	m.Resources()["a"] = "changed"
	m.Core()[0] = "changed"
	if fp, _ := m.Fingerprint("a"); fp != "h1" {
		t.Fatalf("manifest must not observe outside mutation, got %s", fp)
	}
	if m.Core()[0] != "a" {
		t.Fatalf("core list must not observe outside mutation")
	}
}

func TestVersionIsContentAddressed(t *testing.T) {
	a, _ := New(map[string]string{"a": "h1", "b": "h2"}, nil)
	b, _ := New(map[string]string{"b": "h2", "a": "h1"}, []string{"a"})
	c, _ := New(map[string]string{"a": "h1", "b": "h3"}, nil)
	if a.Version() != b.Version() {
		t.Fatalf("same resources should share a version")
	}
	if a.Version() == c.Version() {
		t.Fatalf("changed fingerprint should change the version")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	m, _ := New(map[string]string{"a": "h1", "/": "h0"}, nil)
	raw, err := m.Record()
	if err != nil {
		t.Fatalf("record error: %v", err)
	}
	decoded, err := DecodeRecord(raw)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded["a"] != "h1" || decoded["/"] != "h0" || len(decoded) != 2 {
		t.Fatalf("unexpected record %v", decoded)
	}
	if _, err := DecodeRecord([]byte("not json")); err == nil {
		t.Fatalf("corrupt record should fail to decode")
	}
}
