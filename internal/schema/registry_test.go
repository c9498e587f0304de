package schema

import (
	"strings"
	"testing"

	"github.com/dcroote/sra-tools/internal/errors"
	"github.com/dcroote/sra-tools/pkg/types"
)

func mustVersion(t *testing.T, s string) types.Version {
	t.Helper()
	v, err := types.ParseVersion(s)
	if err != nil {
		t.Fatalf("ParseVersion(%q) failed: %v", s, err)
	}
	return v
}

func TestResolveExactMatch(t *testing.T) {
	reg := NewRegistry([]types.SchemaMapping{
		{
			OldName: "NCBI:SRA:Test:v1", OldVersion: mustVersion(t, "1.0"),
			NewName: "NCBI:SRA:Test:v2", NewVersion: mustVersion(t, "2.0"),
		},
	}, nil)

	res, err := reg.Resolve("NCBI:SRA:Test:v1", "1.0")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !res.Mapped {
		t.Fatal("expected mapping to be found")
	}
	if res.NewName != "NCBI:SRA:Test:v2" || res.NewVersion.String() != "2.0" {
		t.Errorf("unexpected resolution: %+v", res)
	}
}

func TestResolveVersionTupleEquality(t *testing.T) {
	reg := NewRegistry([]types.SchemaMapping{
		{
			OldName: "X", OldVersion: mustVersion(t, "1.0"),
			NewName: "Y", NewVersion: mustVersion(t, "2"),
		},
	}, nil)

	// "1" must not match a rule listing "1.0".
	res, err := reg.Resolve("X", "1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Mapped {
		t.Error(`version "1" must not match rule for "1.0"`)
	}
}

func TestResolveUnmappedPassThrough(t *testing.T) {
	reg := NewRegistry(nil, nil)
	res, err := reg.Resolve("NCBI:SRA:Unknown", "3.1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Mapped {
		t.Error("empty registry must pass every schema through")
	}
}

func TestResolveDenylist(t *testing.T) {
	reg := NewRegistry(nil, nil)

	for _, name := range []string{
		"NCBI:SRA:PacBio",
		"NCBI:SRA:PacBio:smrt:db",
		"NCBI:SRA:Helicos:tbl:v2",
	} {
		if _, err := reg.Resolve(name, "1"); err == nil {
			t.Errorf("expected %s to be rejected", name)
		} else if errors.GetCategory(err) != errors.CategorySchema {
			t.Errorf("expected SCHEMA error for %s, got %v", name, err)
		}
	}

	// Prefix matching must respect family boundaries.
	if reg.Rejected("NCBI:SRA:PacBioX") {
		t.Error("family prefix must only match at ':' boundary")
	}
}

func TestResolveExtraRejects(t *testing.T) {
	reg := NewRegistry(nil, []string{"NCBI:SRA:Custom"})
	if _, err := reg.Resolve("NCBI:SRA:Custom:tbl", "1"); err == nil {
		t.Error("expected extra reject family to be enforced")
	}
}

func TestLoadMappings(t *testing.T) {
	input := `
# delite schema mappings
map NCBI:SRA:Test:v1 1.0 NCBI:SRA:Test:v2 2.0
map NCBI:SRA:Test:v1 1 NCBI:SRA:Test:v2 2

reject NCBI:SRA:Weird
`
	mappings, rejects, err := LoadMappings(strings.NewReader(input))
	if err != nil {
		t.Fatalf("LoadMappings failed: %v", err)
	}
	if len(mappings) != 2 {
		t.Fatalf("expected 2 mappings, got %d", len(mappings))
	}
	if len(rejects) != 1 || rejects[0] != "NCBI:SRA:Weird" {
		t.Fatalf("unexpected rejects: %v", rejects)
	}

	// Both version forms must be listed separately and match separately.
	reg := NewRegistry(mappings, rejects)
	for _, vers := range []string{"1.0", "1"} {
		res, err := reg.Resolve("NCBI:SRA:Test:v1", vers)
		if err != nil || !res.Mapped {
			t.Errorf("expected version %q to resolve, got %+v err %v", vers, res, err)
		}
	}
}

func TestLoadMappingsMalformed(t *testing.T) {
	cases := []string{
		"map A 1.0 B",             // wrong token count
		"map A one B 2.0",         // bad version
		"reject",                  // missing argument
		"translate A 1.0 B 2.0",   // unknown declaration
		"map A 1.0 B 2.0 extra",   // trailing token
	}
	for _, in := range cases {
		if _, _, err := LoadMappings(strings.NewReader(in)); err == nil {
			t.Errorf("expected error for %q", in)
		} else if errors.GetCategory(err) != errors.CategoryConfig {
			t.Errorf("expected CONFIG error for %q, got %v", in, err)
		}
	}
}
