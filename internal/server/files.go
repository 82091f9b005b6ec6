// SPDX-License-Identifier: MPL-2.0

package server

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"agentbox/internal/action"
)

const maxUploadMemory = 32 << 20 // 32 MiB before multipart spills to disk

// resolvePath makes a path absolute against the shell session's working
// directory and, when file operations are restricted, rejects paths that
// escape the sandbox workspace.
func (s *Server) resolvePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.session.Cwd(), path)
	}
	path = filepath.Clean(path)

	if s.cfg.RestrictFileOps {
		root := filepath.Clean(s.cfg.WorkDir)
		if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside the sandbox workspace %s", path, root)
		}
	}
	return path, nil
}

// readFile serves a file read action. Start/End select a 1-based inclusive
// line range; zero values mean start-of-file and end-of-file respectively.
// All failures are business-level error observations.
func (s *Server) readFile(act action.Action) action.Observation {
	path, err := s.resolvePath(act.Args.Path)
	if err != nil {
		return action.NewErrorObs("%v", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return action.NewErrorObs("file not found: %s", path)
	case errors.Is(err, fs.ErrPermission):
		return action.NewErrorObs("permission denied: %s", path)
	case err != nil:
		return action.NewErrorObs("failed to read %s: %v", path, err)
	}

	content := string(data)
	if act.Args.Start > 0 || act.Args.End > 0 {
		content = sliceLines(content, act.Args.Start, act.Args.End)
	}
	return action.NewFileReadObs(path, content)
}

// writeFile serves a file write action. With a line range the existing file
// is spliced: lines [Start, End] are replaced by the new content. Without a
// range the whole file is replaced (created if missing, parents included).
func (s *Server) writeFile(act action.Action) action.Observation {
	path, err := s.resolvePath(act.Args.Path)
	if err != nil {
		return action.NewErrorObs("%v", err)
	}

	content := act.Args.Content
	if act.Args.Start > 0 || act.Args.End > 0 {
		existing, readErr := os.ReadFile(path)
		if readErr != nil && !errors.Is(readErr, fs.ErrNotExist) {
			return action.NewErrorObs("failed to read %s for range write: %v", path, readErr)
		}
		content = spliceLines(string(existing), content, act.Args.Start, act.Args.End)
	}

	if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
		return action.NewErrorObs("failed to create parent directory for %s: %v", path, mkErr)
	}
	if writeErr := os.WriteFile(path, []byte(content), 0o644); writeErr != nil {
		if errors.Is(writeErr, fs.ErrPermission) {
			return action.NewErrorObs("permission denied: %s", path)
		}
		return action.NewErrorObs("failed to write %s: %v", path, writeErr)
	}
	return action.NewFileWriteObs(path)
}

// sliceLines returns the 1-based inclusive line range [start, end] of
// content. Out-of-range bounds are clamped; an inverted range yields "".
func sliceLines(content string, start, end int) string {
	lines := splitKeepEnds(content)
	if start < 1 {
		start = 1
	}
	if end < 1 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) || start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "")
}

// spliceLines replaces the 1-based inclusive line range [start, end] of
// existing with replacement. Bounds beyond the file append.
func spliceLines(existing, replacement string, start, end int) string {
	lines := splitKeepEnds(existing)
	if start < 1 {
		start = 1
	}
	if end < start-1 {
		end = start - 1
	}
	if start > len(lines)+1 {
		start = len(lines) + 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if replacement != "" && !strings.HasSuffix(replacement, "\n") && end < len(lines) {
		replacement += "\n"
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(lines[:start-1], ""))
	sb.WriteString(replacement)
	sb.WriteString(strings.Join(lines[end:], ""))
	return sb.String()
}

// splitKeepEnds splits content into lines, each keeping its trailing newline.
func splitKeepEnds(content string) []string {
	if content == "" {
		return nil
	}
	parts := strings.SplitAfter(content, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// handleUploadFile receives a single file (form field "file") and stores it
// at the "destination" form path. Zip archives with "recursive=true" are
// extracted under the destination directory.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed multipart upload: %v", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "missing file field: %v", err)
		return
	}
	defer file.Close()

	dest := r.FormValue("destination")
	if dest == "" {
		dest = s.cfg.WorkDir
	}
	dest, err = s.resolvePath(dest)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%v", err)
		return
	}

	if r.FormValue("recursive") == "true" {
		if err := s.extractZip(file, header.Size, dest); err != nil {
			writeDetail(w, http.StatusInternalServerError, "failed to extract archive: %v", err)
			return
		}
		s.logger.Info("archive extracted", "destination", dest, "archive", header.Filename)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "destination": dest})
		return
	}

	target := filepath.Join(dest, filepath.Base(header.Filename))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to create destination: %v", err)
		return
	}
	out, err := os.Create(target)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to create %s: %v", target, err)
		return
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to store %s: %v", target, err)
		return
	}
	s.logger.Info("file uploaded", "path", target, "bytes", header.Size)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "destination": target})
}

// extractZip unpacks an uploaded zip archive under dest, refusing entries
// that would escape it.
func (s *Server) extractZip(file io.ReaderAt, size int64, dest string) error {
	zr, err := zip.NewReader(file, size)
	if err != nil {
		return fmt.Errorf("invalid zip archive: %w", err)
	}
	for _, entry := range zr.File {
		target := filepath.Join(dest, filepath.Clean("/"+entry.Name))
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := entry.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			src.Close()
			return err
		}
		if _, err := io.Copy(out, src); err != nil {
			out.Close()
			src.Close()
			return err
		}
		out.Close()
		src.Close()
	}
	return nil
}

// handleDownloadFiles streams the requested path (file or directory) as a
// zip archive. The path comes from the "path" query parameter and defaults
// to the workspace root.
func (s *Server) handleDownloadFiles(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = s.cfg.WorkDir
	}
	path, err := s.resolvePath(path)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%v", err)
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeDetail(w, http.StatusNotFound, "path not found: %s", path)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="download.zip"`)

	zw := zip.NewWriter(w)
	defer zw.Close()

	base := filepath.Dir(path)
	walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		entry, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(entry, src)
		return err
	})
	if walkErr != nil {
		// Headers are already out; all we can do is log and cut the stream.
		s.logger.Error("download stream failed", "path", path, "error", walkErr)
	}
}

// handleListFiles lists a directory's immediate entries, directories first,
// each group sorted case-insensitively. Directories carry a trailing slash.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // Empty body means workspace root
	}
	if req.Path == "" {
		req.Path = s.session.Cwd()
	}
	path, err := s.resolvePath(req.Path)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%v", err)
		return
	}

	entries, err := os.ReadDir(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		writeDetail(w, http.StatusNotFound, "directory not found: %s", path)
		return
	case err != nil:
		writeDetail(w, http.StatusInternalServerError, "failed to list %s: %v", path, err)
		return
	}

	var dirs, files []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name()+"/")
		} else {
			files = append(files, e.Name())
		}
	}
	caseless := func(list []string) func(i, j int) bool {
		return func(i, j int) bool { return strings.ToLower(list[i]) < strings.ToLower(list[j]) }
	}
	sort.Slice(dirs, caseless(dirs))
	sort.Slice(files, caseless(files))

	writeJSON(w, http.StatusOK, append(dirs, files...))
}
