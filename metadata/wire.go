package metadata

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Encode serializes m into the METADATA_V2 section payload format. Table
// packing (delta/run-length) is applied
// where m.Options requests it; the unpacked varint form is always valid and
// is what Decode produces regardless of how it was packed, since packing is
// purely a disk-size optimization the in-memory Metadata doesn't need to
// preserve.
func (m *Metadata) Encode(w io.Writer) error {
	bw := &wireWriter{w: bufio.NewWriter(w)}

	bw.writeByte(boolByte(m.Options.PackChunkTable, m.Options.PackDirectories, m.Options.PackSharedFilesTable))
	bw.writeUvarint(uint64(m.Options.TimeResolutionSec))
	bw.writeByte(m.Options.PreferredPathSeparator)

	bw.writeUvarint(uint64(m.BlockSize))
	bw.writeUvarint(m.TotalFsSize)
	for _, b := range m.RankBoundary {
		bw.writeUvarint(uint64(b))
	}

	bw.writeUvarint(uint64(len(m.Inodes)))
	for _, e := range m.Inodes {
		bw.writeUvarint(uint64(e.ModeIndex))
		bw.writeUvarint(uint64(e.OwnerIndex))
		bw.writeUvarint(uint64(e.GroupIndex))
		bw.writeZigzag(e.AtimeOffset)
		bw.writeZigzag(e.MtimeOffset)
		bw.writeZigzag(e.CtimeOffset)
	}

	bw.writeUvarint(uint64(len(m.DirEntries)))
	for _, e := range m.DirEntries {
		bw.writeUvarint(uint64(e.NameIndex))
		bw.writeUvarint(uint64(e.InodeNum))
	}

	bw.writeUvarint(uint64(len(m.Directories)))
	if m.Options.PackDirectories {
		var prevFirst uint32
		for _, d := range m.Directories {
			bw.writeUvarint(uint64(d.ParentEntry))
			bw.writeUvarint(uint64(d.FirstEntry - prevFirst))
			prevFirst = d.FirstEntry
		}
	} else {
		for _, d := range m.Directories {
			bw.writeUvarint(uint64(d.ParentEntry))
			bw.writeUvarint(uint64(d.FirstEntry))
			bw.writeUvarint(uint64(d.SelfEntry))
		}
	}

	bw.writeUvarint(uint64(len(m.Chunks)))
	for _, c := range m.Chunks {
		bw.writeUvarint(uint64(c.Block))
		bw.writeUvarint(uint64(c.Offset))
		bw.writeUvarint(uint64(c.Size))
	}

	bw.writeUvarint(uint64(len(m.ChunkTable)))
	if m.Options.PackChunkTable {
		var prev uint32
		for _, v := range m.ChunkTable {
			bw.writeUvarint(uint64(v - prev))
			prev = v
		}
	} else {
		for _, v := range m.ChunkTable {
			bw.writeUvarint(uint64(v))
		}
	}

	bw.writeUvarint(uint64(len(m.SharedFilesTable)))
	if m.Options.PackSharedFilesTable {
		bw.writeRunLength(m.SharedFilesTable)
	} else {
		for _, v := range m.SharedFilesTable {
			bw.writeUvarint(uint64(v))
		}
	}

	bw.writeUvarint(uint64(len(m.SymlinkTable)))
	for _, v := range m.SymlinkTable {
		bw.writeUvarint(uint64(v))
	}
	bw.writeUvarint(uint64(len(m.Symlinks)))
	for _, s := range m.Symlinks {
		bw.writeString(s)
	}

	bw.writeUvarint(uint64(len(m.Names)))
	for _, s := range m.Names {
		bw.writeString(s)
	}

	bw.writeUvarint(uint64(len(m.Modes)))
	for _, v := range m.Modes {
		bw.writeUvarint(uint64(v))
	}
	bw.writeUvarint(uint64(len(m.Uids)))
	for _, v := range m.Uids {
		bw.writeUvarint(uint64(v))
	}
	bw.writeUvarint(uint64(len(m.Gids)))
	for _, v := range m.Gids {
		bw.writeUvarint(uint64(v))
	}

	bw.writeUvarint(uint64(len(m.CategoryNames)))
	for _, s := range m.CategoryNames {
		bw.writeString(s)
	}
	bw.writeUvarint(uint64(len(m.BlockCategories)))
	for _, v := range m.BlockCategories {
		bw.writeUvarint(uint64(v))
	}

	bw.writeString(m.DwarfsVersion)
	bw.writeByte(boolByte(m.HasCreateStamp))
	bw.writeZigzag(m.CreateTimestamp)

	bw.writeUvarint(uint64(len(m.Features)))
	for _, feat := range m.Features {
		bw.writeString(feat)
	}

	bw.writeUvarint(uint64(len(m.DeviceIDs)))
	for _, k := range sortedKeys(m.DeviceIDs) {
		bw.writeUvarint(uint64(k))
		bw.writeUvarint(m.DeviceIDs[k])
	}

	bw.writeUvarint(uint64(len(m.CategoryMetadataJSON)))
	for _, s := range m.CategoryMetadataJSON {
		bw.writeString(s)
	}
	bw.writeUvarint(uint64(len(m.BlockCategoryMetadata)))
	for _, k := range sortedKeys(m.BlockCategoryMetadata) {
		bw.writeUvarint(uint64(k))
		bw.writeString(m.BlockCategoryMetadata[k])
	}

	bw.writeUvarint(uint64(len(m.RegFileSizeCache)))
	for _, k := range sortedKeys(m.RegFileSizeCache) {
		bw.writeUvarint(uint64(k))
		bw.writeUvarint(m.RegFileSizeCache[k])
	}

	return bw.flushErr()
}

// sortedKeys returns m's keys in ascending order. Map tables are encoded
// in key order so Encode output is byte-identical across runs; image builds
// must be reproducible down to the metadata section.
func sortedKeys[V any](m map[uint32]V) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Decode parses a payload previously written by Encode.
func Decode(r io.Reader) (*Metadata, error) {
	br := &wireReader{r: bufio.NewReader(r)}
	m := &Metadata{DeviceIDs: map[uint32]uint64{}}

	flags := br.readByte()
	m.Options.PackChunkTable = flags&1 != 0
	m.Options.PackDirectories = flags&2 != 0
	m.Options.PackSharedFilesTable = flags&4 != 0
	m.Options.TimeResolutionSec = int64(br.readUvarint())
	m.Options.PreferredPathSeparator = br.readByte()

	m.BlockSize = uint32(br.readUvarint())
	m.TotalFsSize = br.readUvarint()
	for i := range m.RankBoundary {
		m.RankBoundary[i] = uint32(br.readUvarint())
	}

	n := int(br.readUvarint())
	m.Inodes = make([]InodeEntry, n)
	for i := range m.Inodes {
		m.Inodes[i] = InodeEntry{
			ModeIndex:   uint32(br.readUvarint()),
			OwnerIndex:  uint32(br.readUvarint()),
			GroupIndex:  uint32(br.readUvarint()),
			AtimeOffset: br.readZigzag(),
			MtimeOffset: br.readZigzag(),
			CtimeOffset: br.readZigzag(),
		}
	}

	n = int(br.readUvarint())
	m.DirEntries = make([]DirEntry, n)
	for i := range m.DirEntries {
		m.DirEntries[i] = DirEntry{NameIndex: uint32(br.readUvarint()), InodeNum: uint32(br.readUvarint())}
	}

	n = int(br.readUvarint())
	m.Directories = make([]Directory, n)
	if m.Options.PackDirectories {
		var prevFirst uint32
		for i := range m.Directories {
			parent := uint32(br.readUvarint())
			delta := uint32(br.readUvarint())
			prevFirst += delta
			m.Directories[i] = Directory{ParentEntry: parent, FirstEntry: prevFirst}
		}
	} else {
		for i := range m.Directories {
			m.Directories[i] = Directory{
				ParentEntry: uint32(br.readUvarint()),
				FirstEntry:  uint32(br.readUvarint()),
				SelfEntry:   uint32(br.readUvarint()),
			}
		}
	}

	n = int(br.readUvarint())
	m.Chunks = make([]Chunk, n)
	for i := range m.Chunks {
		m.Chunks[i] = Chunk{Block: uint32(br.readUvarint()), Offset: uint32(br.readUvarint()), Size: uint32(br.readUvarint())}
	}

	n = int(br.readUvarint())
	if m.Options.PackChunkTable {
		m.ChunkTable = make([]uint32, n)
		var prev uint32
		for i := range m.ChunkTable {
			prev += uint32(br.readUvarint())
			m.ChunkTable[i] = prev
		}
	} else {
		m.ChunkTable = make([]uint32, n)
		for i := range m.ChunkTable {
			m.ChunkTable[i] = uint32(br.readUvarint())
		}
	}

	n = int(br.readUvarint())
	if m.Options.PackSharedFilesTable {
		m.SharedFilesTable = br.readRunLength(n)
	} else {
		m.SharedFilesTable = make([]uint32, n)
		for i := range m.SharedFilesTable {
			m.SharedFilesTable[i] = uint32(br.readUvarint())
		}
	}

	n = int(br.readUvarint())
	m.SymlinkTable = make([]uint32, n)
	for i := range m.SymlinkTable {
		m.SymlinkTable[i] = uint32(br.readUvarint())
	}
	n = int(br.readUvarint())
	m.Symlinks = make([]string, n)
	for i := range m.Symlinks {
		m.Symlinks[i] = br.readString()
	}

	n = int(br.readUvarint())
	m.Names = make([]string, n)
	for i := range m.Names {
		m.Names[i] = br.readString()
	}

	n = int(br.readUvarint())
	m.Modes = make([]uint32, n)
	for i := range m.Modes {
		m.Modes[i] = uint32(br.readUvarint())
	}
	n = int(br.readUvarint())
	m.Uids = make([]uint32, n)
	for i := range m.Uids {
		m.Uids[i] = uint32(br.readUvarint())
	}
	n = int(br.readUvarint())
	m.Gids = make([]uint32, n)
	for i := range m.Gids {
		m.Gids[i] = uint32(br.readUvarint())
	}

	n = int(br.readUvarint())
	m.CategoryNames = make([]string, n)
	for i := range m.CategoryNames {
		m.CategoryNames[i] = br.readString()
	}
	n = int(br.readUvarint())
	m.BlockCategories = make([]uint16, n)
	for i := range m.BlockCategories {
		m.BlockCategories[i] = uint16(br.readUvarint())
	}

	m.DwarfsVersion = br.readString()
	m.HasCreateStamp = br.readByte() != 0
	m.CreateTimestamp = br.readZigzag()

	n = int(br.readUvarint())
	m.Features = make([]string, n)
	for i := range m.Features {
		m.Features[i] = br.readString()
	}

	n = int(br.readUvarint())
	for i := 0; i < n; i++ {
		k := uint32(br.readUvarint())
		m.DeviceIDs[k] = br.readUvarint()
	}

	n = int(br.readUvarint())
	m.CategoryMetadataJSON = make([]string, n)
	for i := range m.CategoryMetadataJSON {
		m.CategoryMetadataJSON[i] = br.readString()
	}
	n = int(br.readUvarint())
	if n > 0 {
		m.BlockCategoryMetadata = make(map[uint32]string, n)
		for i := 0; i < n; i++ {
			k := uint32(br.readUvarint())
			m.BlockCategoryMetadata[k] = br.readString()
		}
	}

	n = int(br.readUvarint())
	if n > 0 {
		m.RegFileSizeCache = make(map[uint32]uint64, n)
		for i := 0; i < n; i++ {
			k := uint32(br.readUvarint())
			m.RegFileSizeCache[k] = br.readUvarint()
		}
	}

	if br.err != nil {
		return nil, fmt.Errorf("metadata: decode: %w", br.err)
	}
	return m, nil
}

func boolByte(bits ...bool) byte {
	var b byte
	for i, v := range bits {
		if v {
			b |= 1 << uint(i)
		}
	}
	return b
}

type wireWriter struct {
	w   *bufio.Writer
	buf [binary.MaxVarintLen64]byte
	err error
}

func (w *wireWriter) writeByte(b byte) {
	if w.err != nil {
		return
	}
	w.err = w.w.WriteByte(b)
}

func (w *wireWriter) writeUvarint(v uint64) {
	if w.err != nil {
		return
	}
	n := binary.PutUvarint(w.buf[:], v)
	_, w.err = w.w.Write(w.buf[:n])
}

func (w *wireWriter) writeZigzag(v int64) {
	w.writeUvarint(uint64(uint64(v<<1) ^ uint64(v>>63)))
}

func (w *wireWriter) writeString(s string) {
	w.writeUvarint(uint64(len(s)))
	if w.err != nil {
		return
	}
	_, w.err = w.w.WriteString(s)
}

// writeRunLength packs a non-decreasing sequence as (value, repeat-count)
// pairs.
func (w *wireWriter) writeRunLength(vs []uint32) {
	i := 0
	for i < len(vs) {
		j := i + 1
		for j < len(vs) && vs[j] == vs[i] {
			j++
		}
		w.writeUvarint(uint64(vs[i]))
		w.writeUvarint(uint64(j - i))
		i = j
	}
}

func (w *wireWriter) flushErr() error {
	if w.err != nil {
		return w.err
	}
	return w.w.Flush()
}

type wireReader struct {
	r   *bufio.Reader
	err error
}

func (r *wireReader) readByte() byte {
	if r.err != nil {
		return 0
	}
	b, err := r.r.ReadByte()
	if err != nil {
		r.err = err
	}
	return b
}

func (r *wireReader) readUvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(r.r)
	if err != nil {
		r.err = err
	}
	return v
}

func (r *wireReader) readZigzag() int64 {
	u := r.readUvarint()
	return int64(u>>1) ^ -int64(u&1)
}

func (r *wireReader) readString() string {
	n := int(r.readUvarint())
	return r.readStringOfLen(n)
}

func (r *wireReader) readStringOfLen(n int) string {
	if r.err != nil || n == 0 {
		return ""
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r.r, buf)
	if err != nil {
		r.err = err
	}
	return string(buf)
}

func (r *wireReader) readRunLength(total int) []uint32 {
	out := make([]uint32, 0, total)
	for len(out) < total && r.err == nil {
		v := uint32(r.readUvarint())
		count := int(r.readUvarint())
		for k := 0; k < count; k++ {
			out = append(out, v)
		}
	}
	return out
}
