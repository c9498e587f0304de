package archive

import (
	"archive/tar"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/dcroote/sra-tools/internal/errors"
	"github.com/dcroote/sra-tools/internal/kdb"
)

// manifestName is the first member of every built-in container. It lists
// every other member with its BLAKE3 digest so Extract can verify the
// payload before the tree is handed to the rewriter.
const manifestName = "delite.manifest.json"

type manifest struct {
	Members []member `json:"members"`
}

type member struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	BLAKE3 string `json:"blake3"`
}

// BuiltinArchiver packs object trees into tar.xz containers with a digest
// manifest, and verifies the digests on extraction.
type BuiltinArchiver struct{}

// NewBuiltinArchiver returns the built-in tar.xz packer.
func NewBuiltinArchiver() *BuiltinArchiver {
	return &BuiltinArchiver{}
}

// Create packs srcDir into a tar.xz container at archivePath. Members are
// written in sorted path order so packing the same tree twice yields the
// same member sequence.
func (a *BuiltinArchiver) Create(archivePath, srcDir string, excludeColumns, keepColumns []string) error {
	excluded := make(map[string]bool, len(excludeColumns))
	for _, name := range excludeColumns {
		excluded[name] = true
	}
	kept := make(map[string]bool, len(keepColumns))
	for _, name := range keepColumns {
		kept[name] = true
	}

	var paths []string
	err := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !info.Mode().IsRegular() {
			return errors.NewIOError(errors.CodeReadFailed,
				fmt.Sprintf("refusing to pack non-regular file %s", path), nil)
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if name, ok := columnOf(rel); ok {
			if excluded[name] || (len(kept) > 0 && !kept[name]) {
				return nil
			}
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return errors.NewIOError(errors.CodeReadFailed,
			fmt.Sprintf("walking %s", srcDir), err)
	}
	sort.Strings(paths)

	m := manifest{}
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(srcDir, filepath.FromSlash(rel)))
		if err != nil {
			return errors.NewIOError(errors.CodeReadFailed, "reading member", err).
				WithDetails(map[string]interface{}{"member": rel})
		}
		sum := blake3.Sum256(data)
		m.Members = append(m.Members, member{
			Path:   rel,
			Size:   int64(len(data)),
			BLAKE3: hex.EncodeToString(sum[:]),
		})
	}
	manifestData, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return errors.NewInternalError("marshaling manifest", err)
	}

	file, err := os.Create(archivePath)
	if err != nil {
		return errors.NewIOError(errors.CodeWriteFailed, "creating container", err).
			WithDetails(map[string]interface{}{"archive": archivePath})
	}
	defer file.Close()

	xw, err := xz.NewWriter(file)
	if err != nil {
		return errors.NewIOError(errors.CodeWriteFailed, "creating xz writer", err)
	}
	tw := tar.NewWriter(xw)

	if err := writeMember(tw, manifestName, manifestData); err != nil {
		return err
	}
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(srcDir, filepath.FromSlash(rel)))
		if err != nil {
			return errors.NewIOError(errors.CodeReadFailed, "reading member", err).
				WithDetails(map[string]interface{}{"member": rel})
		}
		if err := writeMember(tw, rel, data); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return errors.NewIOError(errors.CodeWriteFailed, "finalizing tar stream", err)
	}
	if err := xw.Close(); err != nil {
		return errors.NewIOError(errors.CodeWriteFailed, "finalizing xz stream", err)
	}
	return file.Close()
}

// Extract unpacks the container at archivePath into destDir and verifies
// every member against the manifest digests. A digest mismatch or a member
// set that differs from the manifest fails the extraction.
func (a *BuiltinArchiver) Extract(archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return errors.NewIOError(errors.CodeWriteFailed, "creating destination", err)
	}
	file, err := os.Open(archivePath)
	if err != nil {
		return errors.NewIOError(errors.CodeReadFailed, "opening container", err).
			WithDetails(map[string]interface{}{"archive": archivePath})
	}
	defer file.Close()

	xr, err := xz.NewReader(file)
	if err != nil {
		return errors.NewIOError(errors.CodeReadFailed, "creating xz reader", err)
	}
	tr := tar.NewReader(xr)

	var m *manifest
	seen := make(map[string]bool)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.NewIOError(errors.CodeReadFailed, "reading tar header", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		clean := filepath.ToSlash(filepath.Clean(hdr.Name))
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return errors.NewIOError(errors.CodeReadFailed,
				fmt.Sprintf("container member escapes destination: %s", hdr.Name), nil)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return errors.NewIOError(errors.CodeReadFailed, "reading member", err).
				WithDetails(map[string]interface{}{"member": clean})
		}
		if clean == manifestName {
			m = &manifest{}
			if err := json.Unmarshal(data, m); err != nil {
				return errors.NewIOError(errors.CodeReadFailed, "parsing manifest", err)
			}
			continue
		}
		if m == nil {
			return errors.NewVerifyError(errors.CodeValidateFailed,
				"container has no manifest before first member", nil)
		}
		want, ok := findMember(m, clean)
		if !ok {
			return errors.NewVerifyError(errors.CodeValidateFailed,
				fmt.Sprintf("member %s not listed in manifest", clean), nil)
		}
		sum := blake3.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != want.BLAKE3 {
			return errors.NewVerifyError(errors.CodeValidateFailed,
				fmt.Sprintf("digest mismatch for %s", clean), nil).
				WithDetails(map[string]interface{}{"expected": want.BLAKE3, "actual": got})
		}
		dest := filepath.Join(destDir, filepath.FromSlash(clean))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return errors.NewIOError(errors.CodeWriteFailed, "creating member directory", err)
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return errors.NewIOError(errors.CodeWriteFailed, "writing member", err).
				WithDetails(map[string]interface{}{"member": clean})
		}
		seen[clean] = true
	}
	if m == nil {
		return errors.NewVerifyError(errors.CodeValidateFailed,
			"container has no manifest", nil).
			WithDetails(map[string]interface{}{"archive": archivePath})
	}
	for _, want := range m.Members {
		if !seen[want.Path] {
			return errors.NewVerifyError(errors.CodeValidateFailed,
				fmt.Sprintf("manifest member %s missing from container", want.Path), nil)
		}
	}
	return nil
}

func writeMember(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.NewIOError(errors.CodeWriteFailed, "writing tar header", err).
			WithDetails(map[string]interface{}{"member": name})
	}
	if _, err := tw.Write(data); err != nil {
		return errors.NewIOError(errors.CodeWriteFailed, "writing member", err).
			WithDetails(map[string]interface{}{"member": name})
	}
	return nil
}

func findMember(m *manifest, path string) (member, bool) {
	for _, mm := range m.Members {
		if mm.Path == path {
			return mm, true
		}
	}
	return member{}, false
}

// columnOf returns the name of the column directory rel lies under, when it
// lies under one.
func columnOf(rel string) (string, bool) {
	elems := strings.Split(rel, "/")
	for i := 0; i+1 < len(elems); i++ {
		if elems[i] == kdb.ColumnDirName {
			return elems[i+1], true
		}
	}
	return "", false
}
