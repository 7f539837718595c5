package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
)

// apiError is a non-2xx reply of the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type client struct {
	base   string
	apiKey string
	http   *http.Client
}

func newClient(base, apiKey string) *client {
	return &client{base: strings.TrimRight(base, "/"), apiKey: apiKey, http: http.DefaultClient}
}

func (c *client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// call sends a request and decodes the JSON envelope.
func (c *client) call(ctx context.Context, method, path string, body io.Reader, contentType string) (map[string]any, error) {
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		msg, _ := out["message"].(string)
		return out, &apiError{Status: resp.StatusCode, Message: msg}
	}
	return out, nil
}

func (c *client) callJSON(ctx context.Context, method, path string, v any) (map[string]any, error) {
	if v == nil {
		return c.call(ctx, method, path, nil, "")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.call(ctx, method, path, bytes.NewReader(b), "application/json")
}

// callMultipart posts form fields and files; files maps a form field to local paths.
func (c *client) callMultipart(ctx context.Context, method, path string, fields map[string]string, files map[string][]string) (map[string]any, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	for field, paths := range files {
		for _, p := range paths {
			data, err := readAll(p)
			if err != nil {
				return nil, err
			}
			fw, err := w.CreateFormFile(field, filepath.Base(p))
			if err != nil {
				return nil, err
			}
			if _, err := fw.Write(data); err != nil {
				return nil, err
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return c.call(ctx, method, path, &buf, w.FormDataContentType())
}

// download streams a file to w.
func (c *client) download(ctx context.Context, locator string, w io.Writer) error {
	path := "/api/files/" + strings.TrimLeft(locator, "/")
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var out map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&out)
		msg, _ := out["message"].(string)
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func query(kv ...string) string {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			v.Set(kv[i], kv[i+1])
		}
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}
