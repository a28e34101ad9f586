package artifact

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Client fetches blocks from and posts results to an artifact service over
// HTTP, grounded on upload_server.py's /download and /upload_block routes.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client targeting baseURL (e.g. "http://127.0.0.1:5000").
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

// DownloadBlock fetches dataset/blockID from the artifact service and
// writes it to destPath, creating destPath's parent directory as needed.
func (c *Client) DownloadBlock(dataset, blockID, destPath string) error {
	url := fmt.Sprintf("%s/download/%s/blocks/%s", c.baseURL, dataset, blockID)

	resp, err := c.http.Get(url)
	if err != nil {
		return fmt.Errorf("artifact client: download %s: %w", blockID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("artifact client: download %s: status %d", blockID, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("artifact client: create dest dir: %w", err)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("artifact client: create dest file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("artifact client: write dest file: %w", err)
	}
	return nil
}

// UploadResult posts the file at resultPath as the analysis artifact for
// blockID in dataset.
func (c *Client) UploadResult(dataset, blockID, resultPath string) error {
	f, err := os.Open(resultPath)
	if err != nil {
		return fmt.Errorf("artifact client: open result file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("file_base", dataset); err != nil {
		return fmt.Errorf("artifact client: write file_base field: %w", err)
	}
	if err := writer.WriteField("block_id", blockID); err != nil {
		return fmt.Errorf("artifact client: write block_id field: %w", err)
	}

	part, err := writer.CreateFormFile("file", filepath.Base(resultPath))
	if err != nil {
		return fmt.Errorf("artifact client: create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("artifact client: copy result into form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("artifact client: close multipart writer: %w", err)
	}

	resp, err := c.http.Post(c.baseURL+"/upload_block", writer.FormDataContentType(), &body)
	if err != nil {
		return fmt.Errorf("artifact client: upload %s: %w", blockID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("artifact client: upload %s: status %d", blockID, resp.StatusCode)
	}
	return nil
}
