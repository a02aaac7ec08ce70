package corpus

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/hnourtel/PAPUD-LogAnomalyDetection/logad/common"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// FileType is how a corpus file is decoded.
type FileType int

const (
	FileTypeText FileType = iota
	FileTypeGzip
	FileTypeZstd
	FileTypeSkipped
)

// DetectFileType guesses the decoding from the extension. Files without an
// extension are read as plain text; json side files are skipped.
func DetectFileType(path string) (FileType, error) {
	switch ext := Extension(path); ext {
	case "", "txt", "log", "csv":
		return FileTypeText, nil
	case "gz":
		return FileTypeGzip, nil
	case "zst":
		return FileTypeZstd, nil
	case "json":
		return FileTypeSkipped, nil
	default:
		return 0, fmt.Errorf("%w: %q (%s)", common.ErrUnsupportedFileType, ext, path)
	}
}

// Open returns a reader over the decoded content of path. The returned
// reader is nil for skipped file types.
func Open(path string) (io.ReadCloser, error) {
	fileType, err := DetectFileType(path)
	if err != nil {
		return nil, err
	}
	if fileType == FileTypeSkipped {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	switch fileType {
	case FileTypeGzip:
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to read gzip header of %s: %w", path, err)
		}
		return &stackedReader{Reader: zr, closers: []io.Closer{zr, f}}, nil
	case FileTypeZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open zstd stream %s: %w", path, err)
		}
		return &stackedReader{Reader: zr, closers: []io.Closer{zr.IOReadCloser(), f}}, nil
	default:
		return f, nil
	}
}

// Lines lazily yields the raw lines of path, terminators included. The file
// is closed when the sequence ends or the consumer stops early.
func Lines(path string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		rc, err := Open(path)
		if err != nil {
			yield("", err)
			return
		}
		if rc == nil {
			return
		}
		defer rc.Close()

		br := bufio.NewReaderSize(rc, 64*1024)
		for {
			line, err := br.ReadString('\n')
			if line != "" && !yield(line, nil) {
				return
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield("", fmt.Errorf("failed to read %s: %w", path, err))
				}
				return
			}
		}
	}
}

type stackedReader struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedReader) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
