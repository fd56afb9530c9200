package chatsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// MaxUploadSize is the largest file the upload service accepts.
const MaxUploadSize = 50 * 1024 * 1024

// UploadOptions configures an upload.
type UploadOptions struct {
	FileName   string
	MimeType   string
	OnProgress func(uploaded, total int64)
}

type presignRequest struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

type presignResult struct {
	UploadID string            `json:"uploadId"`
	URL      string            `json:"url"`
	Fields   map[string]string `json:"fields,omitempty"`
}

type confirmResult struct {
	UploadID string `json:"uploadId"`
	URL      string `json:"url"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

// FilesClient hands attachment bytes to the upload service and returns
// the metadata that travels in send_message.
type FilesClient struct{ c *Client }

// Upload runs presign, upload, and confirm, returning the attachment.
// FileName in opts is required.
func (f *FilesClient) Upload(ctx context.Context, data []byte, opts *UploadOptions) (*Attachment, error) {
	if opts == nil || opts.FileName == "" {
		return nil, fmt.Errorf("%w: fileName is required when uploading bytes", ErrInvalidInput)
	}
	size := int64(len(data))
	if size > MaxUploadSize {
		return nil, fmt.Errorf("%w: file exceeds maximum size of 50 MB", ErrInvalidInput)
	}
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = detectMimeType(opts.FileName, data)
	}

	presign, err := f.presign(ctx, &presignRequest{FileName: opts.FileName, FileSize: size, MimeType: mimeType})
	if err != nil {
		return nil, err
	}
	if err := f.put(ctx, presign, opts.FileName, data); err != nil {
		return nil, err
	}
	if opts.OnProgress != nil {
		opts.OnProgress(size, size)
	}
	confirmed, err := f.confirm(ctx, presign.UploadID)
	if err != nil {
		return nil, err
	}

	att := &Attachment{
		Name:     confirmed.FileName,
		Size:     confirmed.FileSize,
		MimeType: confirmed.MimeType,
		URL:      confirmed.URL,
	}
	if att.Name == "" {
		att.Name = opts.FileName
	}
	if att.Size == 0 {
		att.Size = size
	}
	if att.MimeType == "" {
		att.MimeType = mimeType
	}
	if err := validateAttachments([]Attachment{*att}); err != nil {
		return nil, fmt.Errorf("confirm returned incomplete attachment: %w", err)
	}
	return att, nil
}

// UploadFile uploads a file from a local path.
func (f *FilesClient) UploadFile(ctx context.Context, filePath string, opts *UploadOptions) (*Attachment, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if opts == nil {
		opts = &UploadOptions{}
	}
	if opts.FileName == "" {
		opts.FileName = filepath.Base(filePath)
	}
	return f.Upload(ctx, data, opts)
}

func (f *FilesClient) presign(ctx context.Context, req *presignRequest) (*presignResult, error) {
	res, err := f.c.do(ctx, "POST", "/files/presign", req, nil)
	if err != nil {
		return nil, err
	}
	if err := res.err("presign failed"); err != nil {
		return nil, err
	}
	var p presignResult
	if err := res.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode presign: %w", err)
	}
	return &p, nil
}

// put posts the bytes as a multipart form. Absolute URLs are external
// object storage and get the presigned fields instead of our auth header.
func (f *FilesClient) put(ctx context.Context, p *presignResult, fileName string, data []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	external := strings.HasPrefix(p.URL, "http")
	if external {
		for k, v := range p.Fields {
			_ = w.WriteField(k, v)
		}
	}
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	uploadURL := p.URL
	if !external {
		uploadURL = f.c.baseURL + p.URL
	}
	req, err := http.NewRequestWithContext(ctx, "POST", uploadURL, &buf)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if !external {
		f.c.setAuthHeaders(req)
	}

	resp, err := f.c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
	}
	return nil
}

func (f *FilesClient) confirm(ctx context.Context, uploadID string) (*confirmResult, error) {
	res, err := f.c.do(ctx, "POST", "/files/confirm", map[string]string{"uploadId": uploadID}, nil)
	if err != nil {
		return nil, err
	}
	if err := res.err("confirm failed"); err != nil {
		return nil, err
	}
	var c confirmResult
	if err := res.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode confirm: %w", err)
	}
	return &c, nil
}

// detectMimeType sniffs the content, falling back to the extension when
// the bytes are not recognized.
func detectMimeType(fileName string, data []byte) string {
	sniffed := mimetype.Detect(data).String()
	if i := strings.Index(sniffed, ";"); i > 0 {
		sniffed = strings.TrimSpace(sniffed[:i])
	}
	if sniffed != "application/octet-stream" && sniffed != "text/plain" {
		return sniffed
	}
	if t := mime.TypeByExtension(filepath.Ext(fileName)); t != "" {
		if i := strings.Index(t, ";"); i > 0 {
			t = strings.TrimSpace(t[:i])
		}
		return t
	}
	return sniffed
}
