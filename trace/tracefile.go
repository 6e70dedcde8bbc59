package trace

import (
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// Magic identifies a corvid memory-access trace file.
var Magic = "CVMT"

// Header is the fixed-size, struc-packed prefix every trace file starts
// with, ahead of the snappy-compressed op stream.
type Header struct {
	Magic   string `struc:"[4]byte"`
	Version uint32
	Arch    string `struc:"[16]byte"`
}

// Writer packs a sequence of Ops as a snappy-compressed stream behind a
// fixed header, mirroring the teacher's own trace file layout.
type Writer struct {
	w  io.WriteCloser
	zw io.WriteCloser
}

// NewWriter writes the header immediately and returns a Writer ready to
// accept Pack calls for the given architecture name (e.g. "x86_64").
func NewWriter(w io.WriteCloser, arch string) (*Writer, error) {
	header := &Header{Magic: Magic, Version: 1, Arch: arch}
	if err := struc.Pack(w, header); err != nil {
		return nil, errors.Wrap(err, "trace: failed to pack header")
	}
	return &Writer{w: w, zw: snappy.NewBufferedWriter(w)}, nil
}

// Pack appends one Op to the stream.
func (t *Writer) Pack(op Op) error {
	buf := make([]byte, op.Sizeof())
	op.Pack(buf)
	_, err := t.zw.Write(buf)
	return err
}

// Close flushes the snappy stream and closes the underlying writer.
func (t *Writer) Close() error {
	if err := t.zw.Close(); err != nil {
		return err
	}
	return t.w.Close()
}

// Reader unpacks a trace file written by Writer.
type Reader struct {
	r      io.ReadCloser
	zr     *snappy.Reader
	Header Header
}

// NewReader reads and validates the header, then positions for Next.
func NewReader(r io.ReadCloser) (*Reader, error) {
	t := &Reader{r: r}
	if err := struc.Unpack(r, &t.Header); err != nil {
		return nil, errors.Wrap(err, "trace: failed to unpack header")
	}
	if t.Header.Magic != Magic {
		return nil, errors.New("trace: invalid magic")
	}
	t.Header.Arch = strings.TrimRight(t.Header.Arch, "\x00")
	t.zr = snappy.NewReader(r)
	return t, nil
}

// Next returns the next Op, or io.EOF once the stream is exhausted.
func (t *Reader) Next() (Op, error) {
	op, _, err := Unpack(t.zr)
	return op, err
}

// Close releases the underlying reader.
func (t *Reader) Close() error { return t.r.Close() }
