package archive

import (
	"bytes"
	"io"

	"github.com/xitongsys/parquet-go/source"
)

// memoryFile satisfies the parquet source interface with an in-memory
// buffer, so batches are serialized without touching the filesystem before
// the S3 upload.
type memoryFile struct {
	buf *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buf: &bytes.Buffer{}}
}

func (f *memoryFile) Create(name string) (source.ParquetFile, error) {
	return f, nil
}

func (f *memoryFile) Open(name string) (source.ParquetFile, error) {
	return f, nil
}

func (f *memoryFile) Seek(offset int64, whence int) (int64, error) {
	return 0, nil
}

func (f *memoryFile) Read(b []byte) (int, error) {
	return 0, io.EOF
}

func (f *memoryFile) Write(b []byte) (int, error) {
	return f.buf.Write(b)
}

func (f *memoryFile) Close() error {
	return nil
}

func (f *memoryFile) Bytes() []byte {
	return f.buf.Bytes()
}
