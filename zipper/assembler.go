// Package zipper builds the downloadable task archive from the per-task
// merge tree: walk, filter by skip lists, enforce file-count and byte
// caps, and record what was dropped.
package zipper

import (
	"archive/zip"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Assembler writes <task_id>.zip files into Dir under the configured
// caps. The zero value is unusable; use New.
type Assembler struct {
	Dir          string
	MaxFiles     int
	MaxBytes     int64
	MaxFileBytes int64
	SkipSegments map[string]bool
	SkipSuffixes []string
}

// New builds an Assembler. Non-positive caps fall back to the shipped
// defaults.
func New(dir string, maxFiles int, maxBytes, maxFileBytes int64, skipSegments, skipSuffixes []string) *Assembler {
	if maxFiles <= 0 {
		maxFiles = 400
	}
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	if maxFileBytes <= 0 {
		maxFileBytes = 512 * 1024
	}
	segs := make(map[string]bool, len(skipSegments))
	for _, s := range skipSegments {
		if s = strings.TrimSpace(s); s != "" {
			segs[s] = true
		}
	}
	suffixes := make([]string, 0, len(skipSuffixes))
	for _, s := range skipSuffixes {
		if s = strings.TrimSpace(s); s != "" {
			suffixes = append(suffixes, s)
		}
	}
	return &Assembler{
		Dir:          dir,
		MaxFiles:     maxFiles,
		MaxBytes:     maxBytes,
		MaxFileBytes: maxFileBytes,
		SkipSegments: segs,
		SkipSuffixes: suffixes,
	}
}

// Result describes one produced archive.
type Result struct {
	Path  string
	URL   string
	Files int
	Bytes int64
	Notes []string
}

// ArchiveTree zips every acceptable file under root into
// <Dir>/<task_id>.zip. Files are visited in sorted path order; the
// archive holds exactly the accepted prefix once a cap is hit, and the
// truncation is recorded as a note. No file straddles the byte cap.
func (a *Assembler) ArchiveTree(taskID, root string) (*Result, error) {
	type entry struct {
		rel  string
		path string
		size int64
	}
	var entries []entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if a.skip(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, entry{rel: rel, path: path, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	var notes []string
	target, zw, f, err := a.open(taskID)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var total int64
	count := 0
	truncated := false
	for _, e := range entries {
		if e.size > a.MaxFileBytes {
			notes = append(notes, fmt.Sprintf("Skipped %s (%d bytes exceeds per-file cap %d).", e.rel, e.size, a.MaxFileBytes))
			continue
		}
		if count >= a.MaxFiles || total+e.size > a.MaxBytes {
			truncated = true
			break
		}
		data, err := os.ReadFile(e.path)
		if err != nil {
			notes = append(notes, fmt.Sprintf("Skipped %s (read failed: %v).", e.rel, err))
			continue
		}
		if err := writeEntry(zw, e.rel, data); err != nil {
			zw.Close()
			return nil, err
		}
		total += e.size
		count++
	}
	if truncated {
		notes = append(notes, fmt.Sprintf(
			"Archive truncated at %d files / %d bytes (limits: %d files, %d bytes).",
			count, total, a.MaxFiles, a.MaxBytes))
	}
	if count == 0 {
		if err := writeEntry(zw, "output.txt", nil); err != nil {
			zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &Result{
		Path:  target,
		URL:   "/zips/" + filepath.Base(target),
		Files: count,
		Bytes: total,
		Notes: notes,
	}, nil
}

// ArchiveFiles zips an in-memory path→content map, used for chat-mode
// responses that never touch a merge tree. An empty map produces an
// archive holding one empty defaultName entry.
func (a *Assembler) ArchiveFiles(taskID string, files map[string]string, defaultName string) (*Result, error) {
	if defaultName == "" {
		defaultName = "output.txt"
	}
	target, zw, f, err := a.open(taskID)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var notes []string
	var total int64
	count := 0
	truncated := false
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		data := []byte(files[p])
		if int64(len(data)) > a.MaxFileBytes {
			notes = append(notes, fmt.Sprintf("Skipped %s (%d bytes exceeds per-file cap %d).", p, len(data), a.MaxFileBytes))
			continue
		}
		if count >= a.MaxFiles || total+int64(len(data)) > a.MaxBytes {
			truncated = true
			break
		}
		name := p
		if name == "" {
			name = defaultName
		}
		if err := writeEntry(zw, name, data); err != nil {
			zw.Close()
			return nil, err
		}
		total += int64(len(data))
		count++
	}
	if truncated {
		notes = append(notes, fmt.Sprintf(
			"Archive truncated at %d files / %d bytes (limits: %d files, %d bytes).",
			count, total, a.MaxFiles, a.MaxBytes))
	}
	if count == 0 && !truncated {
		if err := writeEntry(zw, defaultName, nil); err != nil {
			zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &Result{
		Path:  target,
		URL:   "/zips/" + filepath.Base(target),
		Files: count,
		Bytes: total,
		Notes: notes,
	}, nil
}

func (a *Assembler) open(taskID string) (string, *zip.Writer, *os.File, error) {
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return "", nil, nil, err
	}
	safeID := strings.ReplaceAll(taskID, "/", "_")
	target := filepath.Join(a.Dir, safeID+".zip")
	f, err := os.Create(target)
	if err != nil {
		return "", nil, nil, err
	}
	return target, zip.NewWriter(f), f, nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// skip reports whether rel is excluded by a directory segment or suffix.
func (a *Assembler) skip(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if a.SkipSegments[part] {
			return true
		}
	}
	for _, suf := range a.SkipSuffixes {
		if strings.HasSuffix(rel, suf) {
			return true
		}
	}
	return false
}
