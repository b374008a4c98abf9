package memory

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/internal/javatool"
)

// Upload limits: archive size, member count and total uncompressed
// content. How many file previews a single bundle memory persists is
// capped by forgeloop.MaxMemoryFileEntries.
const (
	MaxUploadBytes       = 10 * 1024 * 1024
	MaxUploadMembers     = 200
	MaxUncompressedBytes = 20 * 1024 * 1024
)

// UploadResult describes one staged upload bundle.
type UploadResult struct {
	MemoryID  string
	StageRel  string
	Workspace string
	Files     []string
}

// StageUpload validates and extracts a zip upload into
// uploads/<session>/<label>/ inside the workspace, then inserts a single
// "upload bundle" memory with trimmed file previews.
func (s *Service) StageUpload(ctx context.Context, sessionID, label string, zipData []byte) (*UploadResult, error) {
	if len(zipData) > MaxUploadBytes {
		return nil, &forgeloop.ErrValidation{Message: fmt.Sprintf("upload exceeds %d bytes", MaxUploadBytes)}
	}
	reader, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, &forgeloop.ErrValidation{Message: "not a readable zip archive"}
	}
	if len(reader.File) > MaxUploadMembers {
		return nil, &forgeloop.ErrValidation{Message: fmt.Sprintf("archive holds %d members, limit %d", len(reader.File), MaxUploadMembers)}
	}

	stageRel := StagingRel(sessionID, label)
	stageRoot, err := s.prepareDir(stageRel)
	if err != nil {
		return nil, err
	}

	var written []string
	previews := map[string]string{}
	var total int64
	for _, member := range reader.File {
		if member.FileInfo().IsDir() {
			continue
		}
		rel := sanitizeMemberName(member.Name)
		if rel == "" {
			continue
		}
		rc, err := member.Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(rc, MaxUncompressedBytes-total+1))
		rc.Close()
		if err != nil {
			continue
		}
		total += int64(len(data))
		if total > MaxUncompressedBytes {
			return nil, &forgeloop.ErrValidation{Message: fmt.Sprintf("uncompressed content exceeds %d bytes", MaxUncompressedBytes)}
		}

		target := filepath.Join(stageRoot, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return nil, err
		}
		if strings.EqualFold(filepath.Ext(target), ".java") {
			javatool.FixPackage(target)
			target = javatool.FixFilename(target)
		}
		finalRel, err := filepath.Rel(stageRoot, target)
		if err != nil {
			finalRel = rel
		}
		finalRel = filepath.ToSlash(finalRel)
		written = append(written, finalRel)
		if len(previews) < forgeloop.MaxMemoryFileEntries {
			previews[finalRel] = truncate(string(data), forgeloop.MaxMemoryFileBytes)
		}
	}
	sort.Strings(written)

	result := &UploadResult{
		StageRel:  stageRel,
		Workspace: "./workspace/" + stageRel,
		Files:     written,
	}
	if s.Enabled && s.Store != nil {
		summary := fmt.Sprintf("Uploaded bundle %q with %d files.", label, len(written))
		id, err := s.Store.InsertMemory(ctx, forgeloop.WorkspaceMemoryRecord{
			RepoPath:  stageRel,
			Language:  detectBundleLanguage(written),
			Mode:      "upload",
			Status:    forgeloop.StatusDone,
			Goal:      "Upload bundle: " + label,
			Model:     "memory-upload",
			Summary:   summary,
			Files:     previews,
			SessionID: normalizeSessionID(sessionID),
		})
		if err != nil {
			s.Logger.Warn("memory: upload bundle insert failed", "error", err)
		} else {
			result.MemoryID = id
		}
	}
	return result, nil
}

// StagingRel builds the workspace-relative staging directory for an
// upload: uploads/<session-key>/<label parts>.
func StagingRel(sessionID, label string) string {
	parts := []string{"uploads", sessionKey(sessionID)}
	for _, p := range strings.Split(label, "/") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return path.Join(parts...)
}

// sessionKey reduces a session id to a short filesystem-safe token.
func sessionKey(sessionID string) string {
	var b strings.Builder
	for _, r := range sessionID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= 12 {
			break
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}

// prepareDir erases and recreates a workspace-relative directory through
// the FS sandbox. Reused staging directories are always started fresh.
func (s *Service) prepareDir(rel string) (string, error) {
	abs, ok := s.FS.Resolve(rel)
	if !ok {
		return "", &forgeloop.ErrSandboxEscape{Path: rel}
	}
	if err := os.RemoveAll(abs); err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// sanitizeMemberName rejects absolute and parent-escaping member paths.
func sanitizeMemberName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if path.IsAbs(name) {
		return ""
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return ""
	}
	return cleaned
}

func detectBundleLanguage(files []string) string {
	for _, rel := range files {
		if lang, ok := extLanguages[strings.ToLower(filepath.Ext(rel))]; ok {
			return lang
		}
	}
	return ""
}
