package coverage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Upload is a merged report together with the run it belongs to.
type Upload struct {
	Report    *Report
	CommitSHA string
	Branch    string
	BuildID   string
	Flags     []string
}

type Reporter interface {
	Submit(ctx context.Context, upload Upload) error
}

// HTTPReporter posts the rendered report to a coverage tracking service.
type HTTPReporter struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewHTTPReporter(endpoint, token string) *HTTPReporter {
	return &HTTPReporter{
		Endpoint: endpoint,
		Token:    token,
		Client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

func (h *HTTPReporter) Submit(ctx context.Context, upload Upload) error {
	var body bytes.Buffer
	if err := upload.Report.Render(&body); err != nil {
		return err
	}

	u, err := url.Parse(h.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid coverage endpoint %s: %v", h.Endpoint, err)
	}
	q := u.Query()
	q.Set("commit", upload.CommitSHA)
	if upload.Branch != "" {
		q.Set("branch", upload.Branch)
	}
	if upload.BuildID != "" {
		q.Set("build", upload.BuildID)
	}
	if len(upload.Flags) > 0 {
		q.Set("flags", strings.Join(upload.Flags, ","))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/xml")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("unable to upload coverage to %s: %v", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("coverage service %s returned %s: %s", u.Host, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

// FileReporter writes the rendered report to Path. It is used for local
// runs without a coverage service.
type FileReporter struct {
	Path string
}

func (f FileReporter) Submit(ctx context.Context, upload Upload) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
		return err
	}
	out, err := os.Create(f.Path)
	if err != nil {
		return fmt.Errorf("unable to create %s: %v", f.Path, err)
	}
	if err := upload.Report.Render(out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
