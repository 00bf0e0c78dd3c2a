package zipappend

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceReader []byte

func (s sliceReader) ReadRange(offset, length int64) ([]byte, error) {
	if offset < 0 || offset+length > int64(len(s)) {
		return nil, io.ErrUnexpectedEOF
	}
	return []byte(s[offset : offset+length]), nil
}

func buildArchive(t *testing.T, files map[string]string, deflate bool) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		header := &zip.FileHeader{Name: name}
		if deflate {
			header.Method = zip.Deflate
		} else {
			header.Method = zip.Store
		}
		fw, err := w.CreateHeader(header)
		require.NoError(t, err)
		_, err = fw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func tailOf(archive []byte) []byte {
	if len(archive) > MaxTailSize {
		return archive[len(archive)-MaxTailSize:]
	}
	return archive
}

func TestFindEOCD(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"Payload/App.app/Info.plist": "plist",
		"Payload/App.app/binary":     "machO",
	}, false)

	eocd, err := FindEOCD(tailOf(archive), int64(len(archive)))
	require.NoError(t, err)
	assert.Equal(t, 2, eocd.EntryCount)
	assert.Greater(t, eocd.CDSize, int64(0))
	assert.Less(t, eocd.CDOffset, int64(len(archive)))
}

func TestFindEOCDNotZip(t *testing.T) {
	junk := bytes.Repeat([]byte{0xaa}, 128)
	_, err := FindEOCD(junk, int64(len(junk)))
	assert.ErrorIs(t, err, ErrNotZip)
}

func TestFindEOCDRejectsZip64Sentinels(t *testing.T) {
	archive := buildArchive(t, map[string]string{"a": "x"}, false)
	// Overwrite the total entry count with the zip64 sentinel.
	eocd, err := FindEOCD(tailOf(archive), int64(len(archive)))
	require.NoError(t, err)
	pos := eocd.Offset + 10
	binary.LittleEndian.PutUint16(archive[pos:], 0xffff)

	_, err = FindEOCD(tailOf(archive), int64(len(archive)))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestFindEOCDRejectsMultiDisk(t *testing.T) {
	archive := buildArchive(t, map[string]string{"a": "x"}, false)
	eocd, err := FindEOCD(tailOf(archive), int64(len(archive)))
	require.NoError(t, err)
	// Claim the central directory starts on disk 3.
	binary.LittleEndian.PutUint16(archive[eocd.Offset+6:], 3)

	_, err = FindEOCD(tailOf(archive), int64(len(archive)))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestParseCentralDirectory(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"Payload/App.app/Info.plist": "plist contents",
	}, true)

	eocd, err := FindEOCD(tailOf(archive), int64(len(archive)))
	require.NoError(t, err)

	entries, err := ParseCentralDirectory(archive[eocd.CDOffset : eocd.CDOffset+eocd.CDSize])
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Payload/App.app/Info.plist", entries[0].Name)
	assert.Equal(t, uint16(8), entries[0].Method)
	assert.Equal(t, int64(len("plist contents")), entries[0].UncompressedSize)
}

func TestReadEntryData(t *testing.T) {
	for _, deflate := range []bool{false, true} {
		archive := buildArchive(t, map[string]string{"file.txt": "hello zip world"}, deflate)

		eocd, err := FindEOCD(tailOf(archive), int64(len(archive)))
		require.NoError(t, err)
		entries, err := ParseCentralDirectory(archive[eocd.CDOffset : eocd.CDOffset+eocd.CDSize])
		require.NoError(t, err)

		data, err := ReadEntryData(sliceReader(archive), entries[0])
		require.NoError(t, err)
		assert.Equal(t, "hello zip world", string(data))
	}
}

func TestReadEntryDataUnsupportedMethod(t *testing.T) {
	archive := buildArchive(t, map[string]string{"file.txt": "data"}, false)
	eocd, err := FindEOCD(tailOf(archive), int64(len(archive)))
	require.NoError(t, err)
	entries, err := ParseCentralDirectory(archive[eocd.CDOffset : eocd.CDOffset+eocd.CDSize])
	require.NoError(t, err)

	entries[0].Method = 12 // bzip2
	_, err = ReadEntryData(sliceReader(archive), entries[0])
	assert.ErrorIs(t, err, ErrUnsupportedCompression)
}

func TestAppendRoundTrip(t *testing.T) {
	original := map[string]string{
		"Payload/App.app/Info.plist":          "<plist/>",
		"Payload/App.app/App":                 "executable bytes",
		"Payload/App.app/SC_Info/App.supp":    "supp",
		"Payload/App.app/_CodeSignature/Code": "sig",
	}
	archive := buildArchive(t, original, true)

	added := []File{
		{Name: "Payload/App.app/SC_Info/App.sinf", Data: []byte("SINF")},
		{Name: "iTunesMetadata.plist", Data: []byte("<metadata/>")},
	}
	rewritten, err := Append(archive, added)
	require.NoError(t, err)

	// Prefix up to the old central directory must be untouched.
	eocd, err := FindEOCD(tailOf(archive), int64(len(archive)))
	require.NoError(t, err)
	assert.Equal(t, archive[:eocd.CDOffset], rewritten[:eocd.CDOffset])

	zr, err := zip.NewReader(bytes.NewReader(rewritten), int64(len(rewritten)))
	require.NoError(t, err)
	require.Len(t, zr.File, len(original)+len(added))

	contents := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		contents[f.Name] = string(body)
	}
	for name, body := range original {
		assert.Equal(t, body, contents[name])
	}
	assert.Equal(t, "SINF", contents["Payload/App.app/SC_Info/App.sinf"])
	assert.Equal(t, "<metadata/>", contents["iTunesMetadata.plist"])
}

func TestAppendPreservesOriginalCentralDirectoryBytes(t *testing.T) {
	archive := buildArchive(t, map[string]string{"a.txt": "aaa", "b.txt": "bbb"}, true)
	eocd, err := FindEOCD(tailOf(archive), int64(len(archive)))
	require.NoError(t, err)
	oldCD := append([]byte(nil), archive[eocd.CDOffset:eocd.CDOffset+eocd.CDSize]...)

	rewritten, err := Append(archive, []File{{Name: "c.txt", Data: []byte("ccc")}})
	require.NoError(t, err)

	newEOCD, err := FindEOCD(tailOf(rewritten), int64(len(rewritten)))
	require.NoError(t, err)
	assert.Equal(t, eocd.EntryCount+1, newEOCD.EntryCount)

	// The old records appear verbatim at the head of the new directory.
	newCD := rewritten[newEOCD.CDOffset : newEOCD.CDOffset+newEOCD.CDSize]
	assert.Equal(t, oldCD, newCD[:len(oldCD)])
}

func TestAppendSuffixSplitOffset(t *testing.T) {
	archive := buildArchive(t, map[string]string{"x": "data"}, false)
	eocd, err := FindEOCD(tailOf(archive), int64(len(archive)))
	require.NoError(t, err)
	entries, err := ParseCentralDirectory(archive[eocd.CDOffset : eocd.CDOffset+eocd.CDSize])
	require.NoError(t, err)

	suffix, err := AppendSuffix(int64(len(archive)), entries, eocd, []File{{Name: "y", Data: []byte("12345")}})
	require.NoError(t, err)
	assert.Equal(t, eocd.CDOffset, suffix.SplitOffset)
	assert.NotEmpty(t, suffix.Tail)
}
