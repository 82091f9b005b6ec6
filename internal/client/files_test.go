// SPDX-License-Identifier: MPL-2.0

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// fileServer answers liveness plus the three file-transfer endpoints.
func fileServer(t *testing.T) (*httptest.Server, *capturedUpload) {
	t.Helper()

	captured := &capturedUpload{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /alive", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /upload_file", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		body, _ := io.ReadAll(f)
		captured.filename = hdr.Filename
		captured.body = body
		captured.destination = r.FormValue("destination")
		captured.recursive = r.FormValue("recursive")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /download_files", func(w http.ResponseWriter, r *http.Request) {
		captured.downloadPath = r.URL.Query().Get("path")
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write([]byte("PK\x03\x04fake-archive"))
	})
	mux.HandleFunc("POST /list_files", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		captured.listPath = req["path"]
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]string{"sub/", "a.txt"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, captured
}

type capturedUpload struct {
	filename     string
	body         []byte
	destination  string
	recursive    string
	downloadPath string
	listPath     string
}

func TestUploadFile(t *testing.T) {
	t.Parallel()

	srv, captured := fileServer(t)
	c := newReadyClient(t, srv)

	local := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(local, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.UploadFile(context.Background(), local, "/workspace/in", false); err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if captured.filename != "notes.txt" {
		t.Errorf("uploaded filename = %q, want %q", captured.filename, "notes.txt")
	}
	if string(captured.body) != "payload" {
		t.Errorf("uploaded body = %q, want %q", captured.body, "payload")
	}
	if captured.destination != "/workspace/in" {
		t.Errorf("destination field = %q, want %q", captured.destination, "/workspace/in")
	}
	if captured.recursive != "" {
		t.Errorf("recursive field = %q, want empty for a single file", captured.recursive)
	}
}

func TestUploadFileRecursiveFlag(t *testing.T) {
	t.Parallel()

	srv, captured := fileServer(t)
	c := newReadyClient(t, srv)

	local := filepath.Join(t.TempDir(), "bundle.zip")
	if err := os.WriteFile(local, []byte("PK\x03\x04"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.UploadFile(context.Background(), local, "/workspace", true); err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if captured.recursive != "true" {
		t.Errorf("recursive field = %q, want %q", captured.recursive, "true")
	}
}

func TestUploadFileMissingLocalPath(t *testing.T) {
	t.Parallel()

	srv, _ := fileServer(t)
	c := newReadyClient(t, srv)

	err := c.UploadFile(context.Background(), filepath.Join(t.TempDir(), "nope"), "/workspace", false)
	if err == nil {
		t.Fatal("UploadFile() with a missing local file succeeded")
	}
}

func TestDownloadFiles(t *testing.T) {
	t.Parallel()

	srv, captured := fileServer(t)
	c := newReadyClient(t, srv)

	var buf bytes.Buffer
	if err := c.DownloadFiles(context.Background(), "/workspace/out", &buf); err != nil {
		t.Fatalf("DownloadFiles() error = %v", err)
	}
	if captured.downloadPath != "/workspace/out" {
		t.Errorf("requested path = %q, want %q", captured.downloadPath, "/workspace/out")
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("PK")) {
		t.Errorf("downloaded stream does not start with the zip magic: %q", buf.Bytes())
	}
}

func TestListFiles(t *testing.T) {
	t.Parallel()

	srv, captured := fileServer(t)
	c := newReadyClient(t, srv)

	entries, err := c.ListFiles(context.Background(), "/workspace")
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if captured.listPath != "/workspace" {
		t.Errorf("requested path = %q, want %q", captured.listPath, "/workspace")
	}
	want := []string{"sub/", "a.txt"}
	if len(entries) != len(want) {
		t.Fatalf("ListFiles() = %#v, want %#v", entries, want)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entries[%d] = %q, want %q", i, entries[i], want[i])
		}
	}
}

func TestFileEndpointServerError(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /alive", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /list_files", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "path escapes the workspace"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := newReadyClient(t, srv)

	_, err := c.ListFiles(context.Background(), "../../etc")
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("ListFiles() error = %v, want *ServerError", err)
	}
	if se.StatusCode != http.StatusBadRequest || se.Detail != "path escapes the workspace" {
		t.Errorf("ServerError = %+v", se)
	}
}
