// SPDX-License-Identifier: MPL-2.0

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

const transferTimeout = 5 * time.Minute

// UploadFile ships a local file into the sandbox at destDir. When recursive
// is true the local path must be a zip archive, which the server extracts
// under destDir.
func (c *Client) UploadFile(ctx context.Context, localPath, destDir string, recursive bool) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("failed to buffer %s: %w", localPath, err)
	}
	if err := mw.WriteField("destination", destDir); err != nil {
		return err
	}
	if recursive {
		if err := mw.WriteField("recursive", "true"); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/upload_file", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportErr(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &ServerError{StatusCode: resp.StatusCode, Detail: readDetail(resp.Body)}
	}
	c.logger.Debug("file uploaded", "local", localPath, "destination", destDir)
	return nil
}

// DownloadFiles fetches the sandbox path (file or directory) as a zip
// archive written to w.
func (c *Client) DownloadFiles(ctx context.Context, sandboxPath string, w io.Writer) error {
	reqCtx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	endpoint := c.baseURL + "/download_files?path=" + url.QueryEscape(sandboxPath)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportErr(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &ServerError{StatusCode: resp.StatusCode, Detail: readDetail(resp.Body)}
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download stream failed: %w", err)
	}
	return nil
}

// ListFiles returns the immediate entries of a sandbox directory,
// directories first, as reported by the server. An empty path lists the
// session's current working directory.
func (c *Client) ListFiles(ctx context.Context, sandboxPath string) ([]string, error) {
	body, err := json.Marshal(map[string]string{"path": sandboxPath})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, aliveProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/list_files", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, &ServerError{StatusCode: resp.StatusCode, Detail: readDetail(resp.Body)}
	}
	var entries []string
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("malformed list response: %w", err)
	}
	return entries, nil
}
