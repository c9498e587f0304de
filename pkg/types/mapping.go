package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed dotted-numeric version tuple. Comparison is by exact
// tuple equality: "1.0" parses to [1 0] and does not equal "1" ([1]).
type Version []int

// ParseVersion parses a dotted-numeric version string such as "1" or "2.5.1".
func ParseVersion(s string) (Version, error) {
	if s == "" {
		return nil, fmt.Errorf("empty version string")
	}
	parts := strings.Split(s, ".")
	v := make(Version, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid version component %q in %q", p, s)
		}
		v[i] = n
	}
	return v, nil
}

// Equal reports exact tuple equality.
func (v Version) Equal(o Version) bool {
	if len(v) != len(o) {
		return false
	}
	for i := range v {
		if v[i] != o[i] {
			return false
		}
	}
	return true
}

// String renders the version back to dotted form.
func (v Version) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// SchemaType identifies a schema by name and version, as recorded in an
// object's metadata under schema@name (for example
// "NCBI:SRA:Illumina:tbl:q1:v2#1.1").
type SchemaType struct {
	Name    string
	Version string
}

// ParseSchemaType splits a schema@name value into name and version.
// A missing "#version" suffix leaves Version empty.
func ParseSchemaType(s string) SchemaType {
	if i := strings.LastIndexByte(s, '#'); i >= 0 {
		return SchemaType{Name: s[:i], Version: s[i+1:]}
	}
	return SchemaType{Name: s}
}

// String renders the schema type back to "name#version" form.
func (t SchemaType) String() string {
	if t.Version == "" {
		return t.Name
	}
	return t.Name + "#" + t.Version
}

// SchemaMapping is one immutable (old-name, old-version) to
// (new-name, new-version) rewrite rule, loaded once at startup.
type SchemaMapping struct {
	OldName    string
	OldVersion Version
	NewName    string
	NewVersion Version
}
