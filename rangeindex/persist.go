package rangeindex

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"io/fs"

	"ipindex/ipaddresses"

	"lukechampine.com/uint128"
)

// Blob layout, gzip-compressed:
//
//	magic "IPRX" | version u16 | family u8
//	schemas:  count, then per schema: name count, names
//	unknown:  schema ref of the not-found attributes
//	records:  count, then per record: start, end, schema ref, values
//	segments: count, then per segment: start, end, owner
//	crc32 (IEEE) of everything above, u32
//
// Counts, refs and string lengths are uvarints; strings are length-prefixed;
// addresses are big-endian with the family's width. Schema ref 0 means none.
const (
	blobMagic    = "IPRX"
	blobVersion  = 1
	maxStringLen = 1 << 20
	maxPrealloc  = 1 << 20
)

// Save writes idx to name atomically: the blob goes to a temporary file
// which is renamed into place once complete.
func Save(fsys IndexFileSystem, name string, idx *Index) (err error) {
	tmp := name + ".tmp"
	w, err := fsys.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index file %s: %w", tmp, err)
	}

	if err = Encode(w, idx); err != nil {
		w.Close()
		fsys.Remove(tmp)
		return fmt.Errorf("write index file %s: %w", tmp, err)
	}

	if err = w.Close(); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("close index file %s: %w", tmp, err)
	}

	if err = fsys.Rename(tmp, name); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("rename index file %s: %w", tmp, err)
	}
	return nil
}

// Load reads the index persisted at name and checks it was built for family.
func Load(fsys IndexFileSystem, name string, family ipaddresses.Family) (*Index, error) {
	r, err := fsys.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIndexFileMissing, name)
		}
		return nil, fmt.Errorf("open index file %s: %w", name, err)
	}
	defer r.Close()

	idx, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	if idx.family != family {
		return nil, fmt.Errorf("%w: %s holds an %s index, not %s", ErrAddressFamilyMismatch, name, idx.family, family)
	}
	return idx, nil
}

// Encode writes idx in the blob format.
func Encode(w io.Writer, idx *Index) error {
	zw := gzip.NewWriter(w)
	bw := bufio.NewWriter(zw)
	e := &blobWriter{w: bw, crc: crc32.NewIEEE(), family: idx.family}

	e.write([]byte(blobMagic))
	e.uint16(blobVersion)
	e.write([]byte{byte(idx.family)})

	refs := map[*Schema]uint64{}
	var schemas []*Schema
	ref := func(s *Schema) uint64 {
		if s == nil {
			return 0
		}
		if r, ok := refs[s]; ok {
			return r
		}
		schemas = append(schemas, s)
		refs[s] = uint64(len(schemas))
		return refs[s]
	}
	ref(idx.unknown.schema)
	for _, r := range idx.records {
		ref(r.Attributes.schema)
	}

	e.uvarint(uint64(len(schemas)))
	for _, s := range schemas {
		e.uvarint(uint64(len(s.names)))
		for _, n := range s.names {
			e.string(n)
		}
	}
	e.uvarint(ref(idx.unknown.schema))

	e.uvarint(uint64(len(idx.records)))
	for _, r := range idx.records {
		e.addr(r.Start)
		e.addr(r.End)
		e.uvarint(ref(r.Attributes.schema))
		for _, v := range r.Attributes.values {
			e.string(v)
		}
	}

	e.uvarint(uint64(len(idx.starts)))
	for i := range idx.starts {
		e.addr(idx.starts[i])
		e.addr(idx.ends[i])
		e.uvarint(uint64(idx.owners[i]))
	}

	if e.err != nil {
		return e.err
	}

	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], e.crc.Sum32())
	if _, err := bw.Write(sum[:]); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return zw.Close()
}

// Decode reads a blob written by Encode. Any framing, checksum or
// consistency problem is reported as ErrIndexFileCorrupt.
func Decode(r io.Reader) (idx *Index, err error) {
	idx, err = decode(r)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrIndexFileCorrupt, err)
	}
	return
}

func decode(r io.Reader) (*Index, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	d := &blobReader{r: bufio.NewReader(zr), crc: crc32.NewIEEE()}

	if magic := d.bytes(len(blobMagic)); d.err == nil && string(magic) != blobMagic {
		return nil, errors.New("bad magic")
	}
	if version := d.uint16(); d.err == nil && version != blobVersion {
		return nil, fmt.Errorf("unsupported format version %d", version)
	}
	family := ipaddresses.Family(d.byte())
	if d.err == nil && !family.Valid() {
		return nil, fmt.Errorf("unknown address family %d", family)
	}
	d.family = family

	var schemas []*Schema
	for i, n := 0, d.count(); i < n && d.err == nil; i++ {
		var names []string
		for j, m := 0, d.count(); j < m && d.err == nil; j++ {
			names = append(names, d.string())
		}
		schemas = append(schemas, NewSchema(names...))
	}
	unknownSchema := d.schema(schemas)

	idx := &Index{family: family}
	if n := d.count(); d.err == nil {
		idx.records = make([]Record, 0, prealloc(n))
		for i := 0; i < n && d.err == nil; i++ {
			rec := Record{Start: d.addr(), End: d.addr()}
			if s := d.schema(schemas); s != nil {
				values := make([]string, len(s.names))
				for j := range values {
					values[j] = d.string()
				}
				rec.Attributes = Attributes{schema: s, values: values}
			}
			if d.err == nil && rec.Start.Cmp(rec.End) > 0 {
				d.fail(fmt.Errorf("record %d has start above end", i))
			}
			idx.records = append(idx.records, rec)
		}
	}

	if n := d.count(); d.err == nil {
		idx.starts = make([]uint128.Uint128, 0, prealloc(n))
		idx.ends = make([]uint128.Uint128, 0, prealloc(n))
		idx.owners = make([]uint32, 0, prealloc(n))
		for i := 0; i < n && d.err == nil; i++ {
			start, end, owner := d.addr(), d.addr(), d.uvarint()
			switch {
			case d.err != nil:
			case start.Cmp(end) > 0:
				d.fail(fmt.Errorf("segment %d has start above end", i))
			case i > 0 && start.Cmp(idx.ends[i-1]) <= 0:
				d.fail(fmt.Errorf("segment %d is out of order", i))
			case owner >= uint64(len(idx.records)):
				d.fail(fmt.Errorf("segment %d refers to missing record %d", i, owner))
			}
			idx.starts = append(idx.starts, start)
			idx.ends = append(idx.ends, end)
			idx.owners = append(idx.owners, uint32(owner))
		}
	}

	if d.err != nil {
		return nil, d.err
	}

	want := d.crc.Sum32()
	var sum [4]byte
	if _, err := io.ReadFull(d.r, sum[:]); err != nil {
		return nil, fmt.Errorf("missing checksum: %w", err)
	}
	if got := binary.BigEndian.Uint32(sum[:]); got != want {
		return nil, fmt.Errorf("checksum mismatch: got %08x, want %08x", got, want)
	}

	if unknownSchema == nil {
		unknownSchema = NewSchema()
	}
	idx.unknown = unknownSchema.Unknown()
	return idx, nil
}

func prealloc(n int) int {
	if n > maxPrealloc {
		return maxPrealloc
	}
	return n
}

type blobWriter struct {
	w      io.Writer
	crc    hash.Hash32
	family ipaddresses.Family
	buf    [binary.MaxVarintLen64]byte
	err    error
}

func (e *blobWriter) write(p []byte) {
	if e.err != nil {
		return
	}
	e.crc.Write(p)
	_, e.err = e.w.Write(p)
}

func (e *blobWriter) uint16(v uint16) {
	binary.BigEndian.PutUint16(e.buf[:2], v)
	e.write(e.buf[:2])
}

func (e *blobWriter) uvarint(v uint64) {
	n := binary.PutUvarint(e.buf[:], v)
	e.write(e.buf[:n])
}

func (e *blobWriter) string(s string) {
	e.uvarint(uint64(len(s)))
	e.write([]byte(s))
}

func (e *blobWriter) addr(v uint128.Uint128) {
	var b [16]byte
	if e.family == ipaddresses.IPv4 {
		binary.BigEndian.PutUint32(b[:4], uint32(v.Lo))
		e.write(b[:4])
		return
	}
	v.PutBytesBE(b[:])
	e.write(b[:])
}

type blobReader struct {
	r      *bufio.Reader
	crc    hash.Hash32
	family ipaddresses.Family
	err    error
}

func (d *blobReader) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *blobReader) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(d.r, p); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		d.fail(err)
		return nil
	}
	d.crc.Write(p)
	return p
}

// ReadByte lets binary.ReadUvarint consume the stream while keeping the checksum current.
func (d *blobReader) ReadByte() (byte, error) {
	c, err := d.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	d.crc.Write([]byte{c})
	return c, nil
}

func (d *blobReader) byte() byte {
	if b := d.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *blobReader) uint16() uint16 {
	if b := d.bytes(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *blobReader) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(d)
	d.fail(err)
	return v
}

func (d *blobReader) count() int {
	v := d.uvarint()
	if v > 1<<40 {
		d.fail(fmt.Errorf("implausible count %d", v))
		return 0
	}
	return int(v)
}

func (d *blobReader) string() string {
	n := d.uvarint()
	if n > maxStringLen {
		d.fail(fmt.Errorf("string of %d bytes exceeds limit", n))
		return ""
	}
	return string(d.bytes(int(n)))
}

func (d *blobReader) schema(schemas []*Schema) *Schema {
	ref := d.uvarint()
	if d.err != nil || ref == 0 {
		return nil
	}
	if ref > uint64(len(schemas)) {
		d.fail(fmt.Errorf("unknown schema ref %d", ref))
		return nil
	}
	return schemas[ref-1]
}

func (d *blobReader) addr() uint128.Uint128 {
	if d.family == ipaddresses.IPv4 {
		if b := d.bytes(4); b != nil {
			return uint128.From64(uint64(binary.BigEndian.Uint32(b)))
		}
		return uint128.Zero
	}
	if b := d.bytes(16); b != nil {
		return uint128.FromBytesBE(b)
	}
	return uint128.Zero
}
