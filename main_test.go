package main

import (
	"io/ioutil"
	"path/filepath"
	"testing"
)

func TestLoadProperties(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	data := `{"Registry.Endpoints": "tcp -p 4061", "Registry.FlushInterval": 500}`
	if err := ioutil.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	props, err := loadProperties(path, []string{"Registry.Endpoints=tcp -p 4062", "Ice.Trace.Locator=1"})
	if err != nil {
		t.Fatal(err)
	}
	if got := props.Get("Registry.Endpoints"); got != "tcp -p 4062" {
		t.Errorf("override was not applied, got %q", got)
	}
	if got := props.Get("Registry.FlushInterval"); got != "500" {
		t.Errorf("file value was not loaded, got %q", got)
	}

	if _, err := loadProperties("", []string{"NoDot"}); err == nil {
		t.Error("an override without a dot should be rejected")
	}
	if _, err := loadProperties(filepath.Join(t.TempDir(), "missing.json"), nil); err == nil {
		t.Error("a missing file should be reported")
	}
}

func TestParseProxy(t *testing.T) {
	s, err := parseProxy("hello:tcp -h localhost -p 10000")
	if err != nil {
		t.Fatal(err)
	}
	if s != "hello -t -e 1.1:tcp -h localhost -p 10000 -t 60000" {
		t.Errorf("unexpected canonical form %q", s)
	}
	if _, err := parseProxy("hello:tcp -p notaport"); err == nil {
		t.Error("a bad port should fail")
	}
	if _, err := parseProxy(""); err == nil {
		t.Error("an empty proxy should fail")
	}
}

func TestOpenMemoryStore(t *testing.T) {
	props, err := loadProperties("", nil)
	if err != nil {
		t.Fatal(err)
	}
	store, err := openStore(props, nil)
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	props.Set("Registry.DB", filepath.Join(t.TempDir(), "db", "registry.db"))
	store, err = openStore(props, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, err := openStore(props, nil); err == nil {
		t.Error("a locked database should not open twice")
	}
}
