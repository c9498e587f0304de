// Package archive packs and unpacks the container files that carry
// column-store object trees between storage and the rewrite scratch area.
// Two implementations exist: a built-in tar.xz packer with per-member
// digests, and a shim that drives an external packer tool.
package archive

// Archiver extracts source containers into a working directory and packs
// rewritten trees back into containers.
type Archiver interface {
	// Extract unpacks the container at archivePath into destDir.
	Extract(archivePath, destDir string) error

	// Create packs srcDir into a container at archivePath. Column
	// directories whose name appears in excludeColumns are left out; a
	// non-empty keepColumns packs only the named column directories.
	// Everything outside a column directory is always included.
	Create(archivePath, srcDir string, excludeColumns, keepColumns []string) error
}
