// Package zipappend parses the end-of-archive structures of a ZIP file and
// computes the bytes needed to append new stored entries without rewriting
// the existing data.
//
// Only single-disk, non-ZIP64 archives are supported. Appended entries are
// always stored uncompressed (method 0); existing central directory records
// are reused byte for byte.
package zipappend

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

var (
	// ErrNotZip means no end-of-central-directory signature was found.
	ErrNotZip = errors.New("zipappend: not a zip archive")
	// ErrUnsupported covers ZIP64 and multi-disk archives.
	ErrUnsupported = errors.New("zipappend: unsupported archive layout")
	// ErrUnsupportedCompression means an entry uses a method other than
	// stored or deflate.
	ErrUnsupportedCompression = errors.New("zipappend: unsupported compression method")
)

const (
	eocdSignature        = 0x06054b50
	centralSignature     = 0x02014b50
	localSignature       = 0x04034b50
	eocdFixedSize        = 22
	centralFixedSize     = 46
	localFixedSize       = 30
	maxCommentLen        = 65535
	// MaxTailSize is the largest byte range that can contain the EOCD:
	// the fixed record plus a maximal comment, plus one slack byte.
	MaxTailSize = eocdFixedSize + maxCommentLen + 1
)

// EOCD holds the parsed end-of-central-directory record.
type EOCD struct {
	Offset     int64 // absolute offset of the EOCD record
	EntryCount int
	CDSize     int64
	CDOffset   int64
}

// Entry is one central directory record.
type Entry struct {
	Name             string
	Method           uint16
	CRC32            uint32
	CompressedSize   int64
	UncompressedSize int64
	LocalOffset      int64
	// Raw holds the entry's central directory bytes, copied unchanged
	// into the rewritten directory.
	Raw []byte
}

// File is a new entry to append, always written stored (method 0).
type File struct {
	Name string
	Data []byte
}

// RangeReader supplies bytes of the original archive for entry reads.
type RangeReader interface {
	ReadRange(offset, length int64) ([]byte, error)
}

// Suffix is the result of AppendSuffix: the rewritten archive is
// original[0:SplitOffset] followed by Tail.
type Suffix struct {
	SplitOffset int64
	Tail        []byte
}

// FindEOCD scans tail, the last min(archiveSize, MaxTailSize) bytes of the
// archive, backwards for the EOCD signature and parses the record.
func FindEOCD(tail []byte, archiveSize int64) (EOCD, error) {
	if int64(len(tail)) > archiveSize {
		return EOCD{}, fmt.Errorf("zipappend: tail of %d bytes exceeds archive size %d", len(tail), archiveSize)
	}

	base := archiveSize - int64(len(tail))
	for i := len(tail) - eocdFixedSize; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:]) != eocdSignature {
			continue
		}

		rec := tail[i:]
		diskNum := binary.LittleEndian.Uint16(rec[4:])
		cdStartDisk := binary.LittleEndian.Uint16(rec[6:])
		entriesThisDisk := binary.LittleEndian.Uint16(rec[8:])
		entriesTotal := binary.LittleEndian.Uint16(rec[10:])
		cdSize := binary.LittleEndian.Uint32(rec[12:])
		cdOffset := binary.LittleEndian.Uint32(rec[16:])

		if entriesTotal == 0xffff || cdSize == 0xffffffff || cdOffset == 0xffffffff {
			return EOCD{}, fmt.Errorf("%w: zip64 sentinel values", ErrUnsupported)
		}
		if diskNum != 0 || cdStartDisk != 0 || entriesThisDisk != entriesTotal {
			return EOCD{}, fmt.Errorf("%w: multi-disk archive", ErrUnsupported)
		}

		return EOCD{
			Offset:     base + int64(i),
			EntryCount: int(entriesTotal),
			CDSize:     int64(cdSize),
			CDOffset:   int64(cdOffset),
		}, nil
	}

	return EOCD{}, ErrNotZip
}

// ParseCentralDirectory walks the raw central directory bytes and returns its
// entries. Parsing stops at the first record that is not a central directory
// entry (for example a digital signature record).
func ParseCentralDirectory(cd []byte) ([]Entry, error) {
	var entries []Entry

	for off := 0; off+centralFixedSize <= len(cd); {
		if binary.LittleEndian.Uint32(cd[off:]) != centralSignature {
			break
		}

		rec := cd[off:]
		nameLen := int(binary.LittleEndian.Uint16(rec[28:]))
		extraLen := int(binary.LittleEndian.Uint16(rec[30:]))
		commentLen := int(binary.LittleEndian.Uint16(rec[32:]))
		total := centralFixedSize + nameLen + extraLen + commentLen
		if off+total > len(cd) {
			return nil, fmt.Errorf("zipappend: truncated central directory entry at %d", off)
		}

		entries = append(entries, Entry{
			Name:             string(rec[centralFixedSize : centralFixedSize+nameLen]),
			Method:           binary.LittleEndian.Uint16(rec[10:]),
			CRC32:            binary.LittleEndian.Uint32(rec[16:]),
			CompressedSize:   int64(binary.LittleEndian.Uint32(rec[20:])),
			UncompressedSize: int64(binary.LittleEndian.Uint32(rec[24:])),
			LocalOffset:      int64(binary.LittleEndian.Uint32(rec[42:])),
			Raw:              append([]byte(nil), rec[:total]...),
		})
		off += total
	}

	if len(entries) == 0 && len(cd) > 0 {
		return nil, fmt.Errorf("zipappend: no central directory entries found")
	}
	return entries, nil
}

// ReadEntryData locates the entry's data through its local header and returns
// the uncompressed bytes. Stored data is returned as-is; deflate data runs
// through a streaming inflate. Any other method fails.
func ReadEntryData(r RangeReader, entry Entry) ([]byte, error) {
	header, err := r.ReadRange(entry.LocalOffset, localFixedSize)
	if err != nil {
		return nil, fmt.Errorf("zipappend: reading local header of %q: %w", entry.Name, err)
	}
	if binary.LittleEndian.Uint32(header) != localSignature {
		return nil, fmt.Errorf("zipappend: bad local header signature for %q", entry.Name)
	}

	nameLen := int64(binary.LittleEndian.Uint16(header[26:]))
	extraLen := int64(binary.LittleEndian.Uint16(header[28:]))
	dataOffset := entry.LocalOffset + localFixedSize + nameLen + extraLen

	data, err := r.ReadRange(dataOffset, entry.CompressedSize)
	if err != nil {
		return nil, fmt.Errorf("zipappend: reading data of %q: %w", entry.Name, err)
	}

	switch entry.Method {
	case 0: // stored
		return data, nil
	case 8: // deflate
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		out, err := io.ReadAll(fr)
		if err != nil {
			return nil, fmt.Errorf("zipappend: inflating %q: %w", entry.Name, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: method %d on %q", ErrUnsupportedCompression, entry.Method, entry.Name)
	}
}

// AppendSuffix computes the bytes to append after the original central
// directory start. The rewritten archive is
// original[0:SplitOffset] ++ Tail, containing new stored local entries, the
// old central directory verbatim, fresh records for the new entries, and a
// new EOCD.
func AppendSuffix(archiveSize int64, entries []Entry, eocd EOCD, files []File) (Suffix, error) {
	if eocd.CDOffset > archiveSize {
		return Suffix{}, fmt.Errorf("zipappend: central directory offset %d beyond archive size %d", eocd.CDOffset, archiveSize)
	}

	split := eocd.CDOffset
	var tail bytes.Buffer

	// New local entries, tracking each one's absolute offset.
	localOffsets := make([]int64, len(files))
	for i, f := range files {
		localOffsets[i] = split + int64(tail.Len())
		writeLocalHeader(&tail, f)
		tail.Write(f.Data)
	}

	cdStart := split + int64(tail.Len())

	// Old central directory, byte for byte.
	oldCDLen := 0
	for _, e := range entries {
		tail.Write(e.Raw)
		oldCDLen += len(e.Raw)
	}

	// Central directory records for the new entries.
	newCDLen := 0
	for i, f := range files {
		newCDLen += writeCentralHeader(&tail, f, localOffsets[i])
	}

	entryCount := eocd.EntryCount + len(files)
	cdSize := int64(oldCDLen + newCDLen)
	if entryCount > 0xfffe || cdStart > 0xfffffffe || cdSize > 0xfffffffe {
		return Suffix{}, fmt.Errorf("%w: rewritten archive needs zip64", ErrUnsupported)
	}

	// Fresh EOCD.
	var rec [eocdFixedSize]byte
	binary.LittleEndian.PutUint32(rec[0:], eocdSignature)
	binary.LittleEndian.PutUint16(rec[8:], uint16(entryCount))
	binary.LittleEndian.PutUint16(rec[10:], uint16(entryCount))
	binary.LittleEndian.PutUint32(rec[12:], uint32(cdSize))
	binary.LittleEndian.PutUint32(rec[16:], uint32(cdStart))
	tail.Write(rec[:])

	return Suffix{SplitOffset: split, Tail: tail.Bytes()}, nil
}

// Append rewrites a fully in-memory archive. The ranged pipeline avoids this
// path; it exists for small archives and tests.
func Append(archive []byte, files []File) ([]byte, error) {
	size := int64(len(archive))
	tailLen := size
	if tailLen > MaxTailSize {
		tailLen = MaxTailSize
	}

	eocd, err := FindEOCD(archive[size-tailLen:], size)
	if err != nil {
		return nil, err
	}
	if eocd.CDOffset+eocd.CDSize > size {
		return nil, fmt.Errorf("zipappend: central directory range outside archive")
	}

	entries, err := ParseCentralDirectory(archive[eocd.CDOffset : eocd.CDOffset+eocd.CDSize])
	if err != nil {
		return nil, err
	}

	suffix, err := AppendSuffix(size, entries, eocd, files)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, int(suffix.SplitOffset)+len(suffix.Tail))
	out = append(out, archive[:suffix.SplitOffset]...)
	out = append(out, suffix.Tail...)
	return out, nil
}

func writeLocalHeader(buf *bytes.Buffer, f File) {
	var rec [localFixedSize]byte
	binary.LittleEndian.PutUint32(rec[0:], localSignature)
	binary.LittleEndian.PutUint16(rec[4:], 20) // version needed: 2.0
	binary.LittleEndian.PutUint16(rec[8:], 0)  // method 0, stored
	binary.LittleEndian.PutUint32(rec[14:], crc32.ChecksumIEEE(f.Data))
	binary.LittleEndian.PutUint32(rec[18:], uint32(len(f.Data)))
	binary.LittleEndian.PutUint32(rec[22:], uint32(len(f.Data)))
	binary.LittleEndian.PutUint16(rec[26:], uint16(len(f.Name)))
	buf.Write(rec[:])
	buf.WriteString(f.Name)
}

func writeCentralHeader(buf *bytes.Buffer, f File, localOffset int64) int {
	var rec [centralFixedSize]byte
	binary.LittleEndian.PutUint32(rec[0:], centralSignature)
	binary.LittleEndian.PutUint16(rec[4:], 20) // version made by
	binary.LittleEndian.PutUint16(rec[6:], 20) // version needed
	binary.LittleEndian.PutUint16(rec[10:], 0) // method 0, stored
	binary.LittleEndian.PutUint32(rec[16:], crc32.ChecksumIEEE(f.Data))
	binary.LittleEndian.PutUint32(rec[20:], uint32(len(f.Data)))
	binary.LittleEndian.PutUint32(rec[24:], uint32(len(f.Data)))
	binary.LittleEndian.PutUint16(rec[28:], uint16(len(f.Name)))
	binary.LittleEndian.PutUint32(rec[42:], uint32(localOffset))
	buf.Write(rec[:])
	buf.WriteString(f.Name)
	return centralFixedSize + len(f.Name)
}
