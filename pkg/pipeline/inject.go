package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"howett.net/plist"

	"github.com/TheEntropyCollective/orchard/pkg/blob"
	"github.com/TheEntropyCollective/orchard/pkg/store"
	"github.com/TheEntropyCollective/orchard/pkg/zipappend"
)

// injectCopyPartSize is the part size used when copying the unchanged archive
// prefix to the temp key. Package variable so tests can shrink it.
var injectCopyPartSize = int64(50 << 20)

var bundleRe = regexp.MustCompile(`^Payload/([^/]+)\.app/`)

// inject rewrites the archive tail at key to add the task's SINF blobs and
// iTunesMetadata.plist, returning the new size. The archive is never read in
// full: only the head, the tail and the entries being consulted.
func (p *Pipeline) inject(ctx context.Context, task store.Task, key string) (int64, error) {
	info, err := p.blobs.Head(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("heading artifact: %w", err)
	}

	tailLen := int64(zipappend.MaxTailSize)
	if tailLen > info.Size {
		tailLen = info.Size
	}
	tail, err := p.blobs.ReadRange(ctx, key, info.Size-tailLen, tailLen)
	if err != nil {
		return 0, fmt.Errorf("reading archive tail: %w", err)
	}
	eocd, err := zipappend.FindEOCD(tail, info.Size)
	if err != nil {
		return 0, err
	}

	cd, err := p.blobs.ReadRange(ctx, key, eocd.CDOffset, eocd.CDSize)
	if err != nil {
		return 0, fmt.Errorf("reading central directory: %w", err)
	}
	entries, err := zipappend.ParseCentralDirectory(cd)
	if err != nil {
		return 0, err
	}

	reader := rangeReaderFor(ctx, p.blobs, key)

	files, err := p.buildInjectionFiles(task, entries, reader)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return info.Size, nil
	}

	suffix, err := zipappend.AppendSuffix(info.Size, entries, eocd, files)
	if err != nil {
		return 0, err
	}

	tempKey := store.TempArtifactKey(key)
	newSize, err := p.writeRewritten(ctx, key, tempKey, suffix)
	if err != nil {
		return 0, err
	}

	// Swap: publish the rewritten archive under the real key, then drop
	// the temp object. The key is not served until the task completes, so
	// read-back plus put is sufficient.
	rewritten, err := p.blobs.ReadRange(ctx, tempKey, 0, newSize)
	if err != nil {
		return 0, fmt.Errorf("reading back rewritten archive: %w", err)
	}
	if err := p.blobs.Put(ctx, key, rewritten); err != nil {
		return 0, fmt.Errorf("publishing rewritten archive: %w", err)
	}
	if _, err := p.blobs.DeleteBatch(context.Background(), []string{tempKey}); err != nil {
		p.logger.Warn().Err(err).Str("key", tempKey).Msg("failed to delete temp object")
	}
	return newSize, nil
}

// buildInjectionFiles resolves where each SINF belongs inside the bundle and
// prepares the iTunesMetadata entry.
func (p *Pipeline) buildInjectionFiles(task store.Task, entries []zipappend.Entry, reader zipappend.RangeReader) ([]zipappend.File, error) {
	var files []zipappend.File

	if len(task.Sinfs) > 0 {
		bundle, err := findBundleName(entries)
		if err != nil {
			return nil, err
		}

		paths, err := p.sinfTargets(bundle, entries, reader)
		if err != nil {
			return nil, err
		}

		sinfs := append([]store.Sinf(nil), task.Sinfs...)
		sort.Slice(sinfs, func(i, j int) bool { return sinfs[i].ID < sinfs[j].ID })
		n := len(paths)
		if len(sinfs) < n {
			n = len(sinfs)
		}
		for i := 0; i < n; i++ {
			data, err := base64.StdEncoding.DecodeString(sinfs[i].Data)
			if err != nil {
				return nil, fmt.Errorf("decoding sinf %d: %w", sinfs[i].ID, err)
			}
			files = append(files, zipappend.File{Name: paths[i], Data: data})
		}
	}

	if task.ITunesMetadata != "" {
		raw, err := base64.StdEncoding.DecodeString(task.ITunesMetadata)
		if err != nil {
			return nil, fmt.Errorf("decoding iTunesMetadata: %w", err)
		}
		files = append(files, zipappend.File{
			Name: "iTunesMetadata.plist",
			Data: p.metadataToBinary(raw),
		})
	}

	return files, nil
}

// findBundleName returns the app bundle directory name, skipping embedded
// watch apps.
func findBundleName(entries []zipappend.Entry) (string, error) {
	for _, e := range entries {
		m := bundleRe.FindStringSubmatch(e.Name)
		if m == nil || strings.Contains(e.Name, "/Watch/") {
			continue
		}
		return m[1], nil
	}
	return "", fmt.Errorf("no app bundle found in archive")
}

// sinfTargets returns the archive paths the SINF blobs belong at. The
// bundle's SC_Info/Manifest.plist names them; without one, a single SINF
// lands next to the executable named by Info.plist.
func (p *Pipeline) sinfTargets(bundle string, entries []zipappend.Entry, reader zipappend.RangeReader) ([]string, error) {
	appDir := "Payload/" + bundle + ".app/"

	if manifest := entryByName(entries, appDir+"SC_Info/Manifest.plist"); manifest != nil {
		data, err := zipappend.ReadEntryData(reader, *manifest)
		if err != nil {
			return nil, err
		}
		var doc struct {
			SinfPaths []string `plist:"SinfPaths"`
		}
		if _, err := plist.Unmarshal(data, &doc); err == nil && len(doc.SinfPaths) > 0 {
			paths := make([]string, len(doc.SinfPaths))
			for i, sp := range doc.SinfPaths {
				paths[i] = appDir + sp
			}
			return paths, nil
		}
		p.logger.Debug().Str("bundle", bundle).Msg("manifest present but has no SinfPaths; falling back to Info.plist")
	}

	info := entryByName(entries, appDir+"Info.plist")
	if info == nil {
		return nil, fmt.Errorf("bundle %s has neither SC_Info/Manifest.plist nor Info.plist", bundle)
	}
	data, err := zipappend.ReadEntryData(reader, *info)
	if err != nil {
		return nil, err
	}
	var doc struct {
		CFBundleExecutable string `plist:"CFBundleExecutable"`
	}
	if _, err := plist.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing Info.plist: %w", err)
	}
	if doc.CFBundleExecutable == "" {
		return nil, fmt.Errorf("Info.plist of %s has no CFBundleExecutable", bundle)
	}
	return []string{appDir + "SC_Info/" + path.Base(doc.CFBundleExecutable) + ".sinf"}, nil
}

func entryByName(entries []zipappend.Entry, name string) *zipappend.Entry {
	for i := range entries {
		if entries[i].Name == name {
			return &entries[i]
		}
	}
	return nil
}

// metadataToBinary converts the XML purchase metadata to binary plist form.
// Conversion is best effort: unparseable input ships as-is.
func (p *Pipeline) metadataToBinary(raw []byte) []byte {
	var doc map[string]interface{}
	if _, err := plist.Unmarshal(raw, &doc); err != nil {
		p.logger.Warn().Err(err).Msg("iTunesMetadata is not a parseable plist; injecting verbatim")
		return raw
	}
	out, err := plist.Marshal(doc, plist.BinaryFormat)
	if err != nil {
		p.logger.Warn().Err(err).Msg("binary plist conversion failed; injecting XML")
		return raw
	}
	return out
}

// writeRewritten uploads original[0:SplitOffset] ++ Tail to tempKey. The
// prefix is copied in fixed-size parts; the tail rides in the final part so
// all non-final parts share one size.
func (p *Pipeline) writeRewritten(ctx context.Context, key, tempKey string, suffix zipappend.Suffix) (int64, error) {
	if suffix.SplitOffset == 0 {
		if err := p.blobs.Put(ctx, tempKey, suffix.Tail); err != nil {
			return 0, fmt.Errorf("writing rewritten archive: %w", err)
		}
		return int64(len(suffix.Tail)), nil
	}

	uploadID, err := p.blobs.CreateMultipart(ctx, tempKey)
	if err != nil {
		return 0, fmt.Errorf("starting rewrite upload: %w", err)
	}

	var parts []blob.Part
	var number int32 = 1
	for off := int64(0); off < suffix.SplitOffset; {
		length := injectCopyPartSize
		last := off+length >= suffix.SplitOffset
		if last {
			length = suffix.SplitOffset - off
		}

		chunk, err := p.blobs.ReadRange(ctx, key, off, length)
		if err == nil && last {
			chunk = append(chunk, suffix.Tail...)
		}
		var part blob.Part
		if err == nil {
			part, err = p.blobs.UploadPart(ctx, tempKey, uploadID, number, chunk)
		}
		if err != nil {
			if aerr := p.blobs.AbortMultipart(context.Background(), tempKey, uploadID); aerr != nil {
				p.logger.Warn().Err(aerr).Str("key", tempKey).Msg("failed to abort rewrite upload")
			}
			return 0, fmt.Errorf("copying prefix part %d: %w", number, err)
		}

		parts = append(parts, part)
		number++
		off += length
	}

	if err := p.blobs.CompleteMultipart(ctx, tempKey, uploadID, parts); err != nil {
		if aerr := p.blobs.AbortMultipart(context.Background(), tempKey, uploadID); aerr != nil {
			p.logger.Warn().Err(aerr).Str("key", tempKey).Msg("failed to abort rewrite upload")
		}
		return 0, fmt.Errorf("completing rewrite upload: %w", err)
	}
	return suffix.SplitOffset + int64(len(suffix.Tail)), nil
}

// rangeReaderFor adapts the blob store to the ctx-free reader the archive
// parser takes.
func rangeReaderFor(ctx context.Context, blobs blob.Store, key string) zipappend.RangeReader {
	return rangeReaderFunc(func(offset, length int64) ([]byte, error) {
		return blobs.ReadRange(ctx, key, offset, length)
	})
}

type rangeReaderFunc func(offset, length int64) ([]byte, error)

func (f rangeReaderFunc) ReadRange(offset, length int64) ([]byte, error) {
	return f(offset, length)
}
