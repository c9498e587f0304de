// Package schema implements the schema mapping registry that decides, per
// object, which schema type the rewritten output is declared under.
package schema

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dcroote/sra-tools/internal/errors"
	"github.com/dcroote/sra-tools/pkg/types"
)

// DefaultRejectFamilies are the schema families that can never be rewritten.
// Their quality model is structural and cannot be dropped without corrupting
// the object.
var DefaultRejectFamilies = []string{
	"NCBI:SRA:PacBio",
	"NCBI:SRA:Helicos",
}

// Resolution is the outcome of a registry lookup for a non-rejected schema.
type Resolution struct {
	// Mapped is true when an exact (name, version) mapping was found.
	// When false the schema passes through unchanged and the caller is
	// expected to surface a warning.
	Mapped     bool
	NewName    string
	NewVersion types.Version
}

// Registry is the immutable schema mapping table, loaded once at startup.
type Registry struct {
	byName  map[string][]types.SchemaMapping
	rejects []string
}

// NewRegistry builds a registry from mapping rules and reject families.
// The built-in reject families are always enforced in addition to extra.
func NewRegistry(mappings []types.SchemaMapping, extraRejects []string) *Registry {
	r := &Registry{byName: make(map[string][]types.SchemaMapping)}
	for _, m := range mappings {
		r.byName[m.OldName] = append(r.byName[m.OldName], m)
	}
	r.rejects = append(r.rejects, DefaultRejectFamilies...)
	r.rejects = append(r.rejects, extraRejects...)
	return r
}

// Rejected reports whether the schema name belongs to a deny-listed family.
// A family matches its own name and any name nested under it.
func (r *Registry) Rejected(name string) bool {
	for _, fam := range r.rejects {
		if name == fam || strings.HasPrefix(name, fam+":") {
			return true
		}
	}
	return false
}

// Resolve looks up the mapping for an exact (name, version) pair. Versions
// compare by parsed dotted-numeric tuple equality, so "1.0" only matches a
// rule listing "1.0", never one listing "1". A deny-listed family fails with
// a SchemaError before any lookup. An unmapped, non-rejected schema resolves
// to a pass-through.
func (r *Registry) Resolve(name, version string) (Resolution, error) {
	if r.Rejected(name) {
		return Resolution{}, errors.NewSchemaError(
			fmt.Sprintf("schema %s belongs to a rejected family", name)).
			WithDetails(map[string]interface{}{"schema": name, "version": version})
	}

	rules, ok := r.byName[name]
	if !ok {
		return Resolution{}, nil
	}
	v, err := types.ParseVersion(version)
	if err != nil {
		// A schema without a comparable version cannot match any rule.
		return Resolution{}, nil
	}
	for _, rule := range rules {
		if rule.OldVersion.Equal(v) {
			return Resolution{Mapped: true, NewName: rule.NewName, NewVersion: rule.NewVersion}, nil
		}
	}
	return Resolution{}, nil
}

// LoadMappingFile reads mapping declarations from a file.
func LoadMappingFile(path string) ([]types.SchemaMapping, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(errors.CategoryConfig, errors.CodeMalformedMapping,
			"open mapping file", err)
	}
	defer f.Close()
	return LoadMappings(f)
}

// LoadMappings parses line-oriented mapping declarations:
//
//	map OLD_NAME OLD_VERSION NEW_NAME NEW_VERSION
//	reject FAMILY
//
// Blank lines and lines starting with '#' are skipped. Any declaration with
// the wrong token count or an unparsable version is a fatal ConfigError.
func LoadMappings(r io.Reader) ([]types.SchemaMapping, []string, error) {
	var mappings []types.SchemaMapping
	var rejects []string

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens := strings.Fields(line)
		switch tokens[0] {
		case "map":
			if len(tokens) != 5 {
				return nil, nil, errors.NewConfigError(errors.CodeMalformedMapping,
					fmt.Sprintf("line %d: map declaration needs 4 arguments, got %d", lineNo, len(tokens)-1))
			}
			oldV, err := types.ParseVersion(tokens[2])
			if err != nil {
				return nil, nil, errors.NewConfigError(errors.CodeMalformedMapping,
					fmt.Sprintf("line %d: bad old version %q", lineNo, tokens[2]))
			}
			newV, err := types.ParseVersion(tokens[4])
			if err != nil {
				return nil, nil, errors.NewConfigError(errors.CodeMalformedMapping,
					fmt.Sprintf("line %d: bad new version %q", lineNo, tokens[4]))
			}
			mappings = append(mappings, types.SchemaMapping{
				OldName:    tokens[1],
				OldVersion: oldV,
				NewName:    tokens[3],
				NewVersion: newV,
			})
		case "reject":
			if len(tokens) != 2 {
				return nil, nil, errors.NewConfigError(errors.CodeMalformedMapping,
					fmt.Sprintf("line %d: reject declaration needs 1 argument, got %d", lineNo, len(tokens)-1))
			}
			rejects = append(rejects, tokens[1])
		default:
			return nil, nil, errors.NewConfigError(errors.CodeMalformedMapping,
				fmt.Sprintf("line %d: unknown declaration %q", lineNo, tokens[0]))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, errors.Wrap(errors.CategoryConfig, errors.CodeMalformedMapping,
			"read mapping declarations", err)
	}
	return mappings, rejects, nil
}
