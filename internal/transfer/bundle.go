// Package transfer exports a repository into a self-describing bundle and
// imports such a bundle into an empty repository.
//
// A bundle is a directory or a zip archive holding export-meta.json plus
// numbered batch files of CBOR records: commits-NNNNN (every commit
// preceded by the objects it depends on, parents before children) and
// refs-NNNNN (named references).
package transfer

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/systemshift/memex-vstore/internal/codec"
	"github.com/systemshift/memex-vstore/internal/safefile"
)

var (
	// ErrInvalidBundle reports a bundle that failed validation. Nothing
	// has been written to the target repository when it is returned.
	ErrInvalidBundle = errors.New("invalid export bundle")

	// ErrRepositoryNotEmpty reports an import into a repository holding
	// references or objects without EraseBeforeImport.
	ErrRepositoryNotEmpty = errors.New("repository already exists and is not empty")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidBundle, fmt.Sprintf(format, args...))
}

// Format is the bundle container.
type Format string

const (
	FormatZip       Format = "zip"
	FormatDirectory Format = "directory"
)

// ParseFormat parses a bundle format name.
func ParseFormat(name string) (Format, error) {
	switch f := Format(name); f {
	case FormatZip, FormatDirectory:
		return f, nil
	default:
		return "", fmt.Errorf("invalid output format %q, expected one of zip, directory", name)
	}
}

// commitRecord is one stored object in a commits file, addressed by the
// CID of its object id.
type commitRecord struct {
	CID  []byte `cbor:"cid"`
	Data []byte `cbor:"data"`
}

// refRecord is one named reference in a refs file.
type refRecord struct {
	Name      string `cbor:"name"`
	Pointer   []byte `cbor:"pointer"`
	CreatedAt int64  `cbor:"created_at"`
}

// bundleWriter creates the files of a bundle one at a time.
type bundleWriter interface {
	// create returns a writer for name. It must be closed before the
	// next call.
	create(name string) (io.WriteCloser, error)
	// commit makes the bundle visible at its final path.
	commit(manifest []byte) error
	// abort removes whatever was written.
	abort()
}

type dirWriter struct {
	dir     string
	written []string
}

func newDirWriter(dir string) (*dirWriter, error) {
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("%s refers to a file, but export type is %s", dir, FormatDirectory)
	case err == nil:
		if _, err := os.Stat(filepath.Join(dir, ManifestName)); err == nil {
			return nil, fmt.Errorf("%s already contains an export, please delete it first", dir)
		}
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create export directory: %w", err)
		}
	default:
		return nil, err
	}
	return &dirWriter{dir: dir}, nil
}

func (w *dirWriter) create(name string) (io.WriteCloser, error) {
	f, err := os.Create(filepath.Join(w.dir, name))
	if err != nil {
		return nil, err
	}
	w.written = append(w.written, f.Name())
	return f, nil
}

func (w *dirWriter) commit(manifest []byte) error {
	return safefile.Write(filepath.Join(w.dir, ManifestName), manifest, 0644)
}

func (w *dirWriter) abort() {
	for _, name := range w.written {
		os.Remove(name)
	}
}

// zipWriter streams into a temp file next to path and renames it into
// place on commit.
type zipWriter struct {
	path string
	tmp  *os.File
	zw   *zip.Writer
}

func newZipWriter(path string) (*zipWriter, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("export file %s already exists, please delete it first, if you want to overwrite it", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), safefile.TempPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &zipWriter{path: path, tmp: tmp, zw: zip.NewWriter(tmp)}, nil
}

func (w *zipWriter) create(name string) (io.WriteCloser, error) {
	// Batch files are compressed already.
	entry, err := w.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return nil, err
	}
	return nopWriteCloser{entry}, nil
}

func (w *zipWriter) commit(manifest []byte) error {
	entry, err := w.zw.CreateHeader(&zip.FileHeader{Name: ManifestName, Method: zip.Deflate})
	if err != nil {
		return err
	}
	if _, err := entry.Write(manifest); err != nil {
		return err
	}
	if err := w.zw.Close(); err != nil {
		return fmt.Errorf("finish zip: %w", err)
	}
	if err := w.tmp.Sync(); err != nil {
		return fmt.Errorf("sync zip: %w", err)
	}
	if err := w.tmp.Close(); err != nil {
		return fmt.Errorf("close zip: %w", err)
	}
	if err := os.Rename(w.tmp.Name(), w.path); err != nil {
		return fmt.Errorf("rename zip into place: %w", err)
	}
	return nil
}

func (w *zipWriter) abort() {
	w.tmp.Close()
	os.Remove(w.tmp.Name())
}

// batchWriter writes records into numbered files, starting a new file
// when the uncompressed size of the current one would exceed maxSize.
// No file is created until the first record arrives.
type batchWriter struct {
	bw          bundleWriter
	prefix      string
	compression Compression
	maxSize     int64

	files []FileEntry

	out     io.WriteCloser // bundle file
	comp    io.WriteCloser // compressor over out
	counter *countingWriter
	hasher  *blake3.Hasher
	current int64
	records int
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func newBatchWriter(bw bundleWriter, prefix string, c Compression, maxSize int64) *batchWriter {
	return &batchWriter{bw: bw, prefix: prefix, compression: c, maxSize: maxSize}
}

func (b *batchWriter) write(record any) error {
	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if b.out != nil && b.current > 0 && b.current+int64(len(data)) > b.maxSize {
		if err := b.finish(); err != nil {
			return err
		}
	}
	if b.out == nil {
		if err := b.start(); err != nil {
			return err
		}
	}
	if _, err := b.comp.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", b.currentName(), err)
	}
	b.current += int64(len(data))
	b.records++
	return nil
}

func (b *batchWriter) currentName() string {
	return fmt.Sprintf("%s-%05d%s", b.prefix, len(b.files)+1, b.compression.ext())
}

func (b *batchWriter) start() error {
	out, err := b.bw.create(b.currentName())
	if err != nil {
		return fmt.Errorf("create %s: %w", b.currentName(), err)
	}
	b.hasher = blake3.New()
	b.counter = &countingWriter{w: io.MultiWriter(out, b.hasher)}
	comp, err := compressWriter(b.counter, b.compression)
	if err != nil {
		out.Close()
		return err
	}
	b.out, b.comp = out, comp
	b.current, b.records = 0, 0
	return nil
}

// finish closes the current file, if any, and records its entry.
func (b *batchWriter) finish() error {
	if b.out == nil {
		return nil
	}
	name := b.currentName()
	if err := b.comp.Close(); err != nil {
		return fmt.Errorf("flush %s: %w", name, err)
	}
	if err := b.out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	b.files = append(b.files, FileEntry{
		Name:    name,
		Records: b.records,
		Size:    b.counter.n,
		BLAKE3:  fmt.Sprintf("%x", b.hasher.Sum(nil)),
	})
	b.out, b.comp = nil, nil
	return nil
}

// openBundle opens a directory or zip bundle for reading.
func openBundle(path string) (fs.FS, io.Closer, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("no such file or directory %s", path)
		}
		return nil, nil, err
	}
	if info.IsDir() {
		return os.DirFS(path), io.NopCloser(nil), nil
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, invalidf("open zip %s: %v", path, err)
	}
	return zr, zr, nil
}
