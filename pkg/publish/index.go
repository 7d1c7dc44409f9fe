package publish

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/opnlabs/dotci/pkg/models"
)

// IndexUsername is the user name package indexes expect alongside an API
// token.
const IndexUsername = "__token__"

// IndexPublisher uploads each dist file to a package index speaking the
// legacy form upload API.
type IndexPublisher struct {
	URL         string
	Package     string
	Environment string
	Client      *http.Client
	Logger      *log.Logger
	Now         func() time.Time
}

func NewIndexPublisher(spec models.PublishSpec, pkg string, logger *log.Logger) *IndexPublisher {
	if spec.Package != "" {
		pkg = spec.Package
	}
	return &IndexPublisher{
		URL:         spec.Repository,
		Package:     pkg,
		Environment: spec.Environment,
		Client:      &http.Client{Timeout: 5 * time.Minute},
		Logger:      logger,
	}
}

func (p *IndexPublisher) Publish(ctx context.Context, decision models.ReleaseDecision, dist Dist, cred Credential) error {
	if !decision.Released {
		return nil
	}
	if err := cred.Check("", p.Environment, now(p.Now)); err != nil {
		return authFailure(err)
	}
	if len(dist.Files) == 0 {
		return uploadFailure(ErrEmptyDist)
	}

	for _, file := range dist.Files {
		data, err := dist.read(file)
		if err != nil {
			return uploadFailure(err)
		}
		if err := p.upload(ctx, decision.Version, filepath.Base(file), data, cred); err != nil {
			return err
		}
		p.logger().Info("uploaded", "file", file, "version", decision.Version)
	}
	return nil
}

func (p *IndexPublisher) upload(ctx context.Context, version, name string, data []byte, cred Credential) error {
	digest := sha256.Sum256(data)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := [][2]string{
		{":action", "file_upload"},
		{"protocol_version", "1"},
		{"name", p.Package},
		{"version", version},
		{"filetype", fileType(name)},
		{"sha256_digest", hex.EncodeToString(digest[:])},
	}
	for _, f := range fields {
		if err := form.WriteField(f[0], f[1]); err != nil {
			return uploadFailure(err)
		}
	}
	part, err := form.CreateFormFile("content", name)
	if err != nil {
		return uploadFailure(err)
	}
	if _, err := part.Write(data); err != nil {
		return uploadFailure(err)
	}
	if err := form.Close(); err != nil {
		return uploadFailure(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, &body)
	if err != nil {
		return uploadFailure(err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.SetBasicAuth(IndexUsername, cred.Token)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return uploadFailure(fmt.Errorf("unable to upload %s: %v", name, err))
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return authFailure(fmt.Errorf("index rejected the token for %s: %s", name, resp.Status))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return uploadFailure(fmt.Errorf("index returned %s for %s: %s", resp.Status, name, strings.TrimSpace(string(msg))))
	}
	return nil
}

func (p *IndexPublisher) logger() *log.Logger {
	if p.Logger == nil {
		return log.Default()
	}
	return p.Logger
}

func fileType(name string) string {
	if strings.HasSuffix(name, ".whl") {
		return "bdist_wheel"
	}
	return "sdist"
}
