package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	v1 "murmur/shared/contracts/feed/v1"
)

// HTTPUploader posts attachments to a Handler.
type HTTPUploader struct {
	// Endpoint is the full upload URL, e.g. "http://localhost:8080/uploads".
	Endpoint string
	Token    string
	Client   *http.Client
}

// NewHTTPUploader returns an uploader with a bounded HTTP client.
func NewHTTPUploader(endpoint, token string) *HTTPUploader {
	return &HTTPUploader{
		Endpoint: strings.TrimSpace(endpoint),
		Token:    token,
		Client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

// Upload streams r as the "file" field. owner is implied by the token.
func (u *HTTPUploader) Upload(ctx context.Context, _ string, name, mimeType string, r io.Reader) (v1.Attachment, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, name))
		if mimeType != "" {
			hdr.Set("Content-Type", mimeType)
		}
		part, err := mw.CreatePart(hdr)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.Endpoint, pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return v1.Attachment{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		_ = pr.CloseWithError(err)
		return v1.Attachment{}, fmt.Errorf("upload: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body := io.LimitReader(resp.Body, 1<<20)
	if resp.StatusCode != http.StatusCreated {
		var e errorResponse
		_ = json.NewDecoder(body).Decode(&e)
		if resp.StatusCode == http.StatusRequestEntityTooLarge {
			return v1.Attachment{}, fmt.Errorf("%w: %s", ErrTooLarge, e.Error.Message)
		}
		return v1.Attachment{}, fmt.Errorf("upload: status %d: %s %s", resp.StatusCode, e.Error.Code, e.Error.Message)
	}

	var att v1.Attachment
	if err := json.NewDecoder(body).Decode(&att); err != nil {
		return v1.Attachment{}, fmt.Errorf("upload: decode response: %w", err)
	}
	return att, nil
}
