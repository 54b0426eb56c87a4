package files

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/models"
)

// Content materializes one file for prompt assembly. PDFs and plain
// text become inline text, images become a public URL, everything
// else is reported as unsupported so the caller can fail the job with
// a useful message.
func (s *Service) Content(ctx context.Context, p identity.Principal, id uuid.UUID) (*models.FileContentResponse, error) {
	f, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}

	resp := &models.FileContentResponse{FileID: f.ID}
	switch {
	case f.Mimetype == "application/pdf":
		raw, err := s.readObject(ctx, f.StoragePath)
		if err != nil {
			return nil, err
		}
		text, err := extractPDFText(raw)
		if err != nil {
			return nil, fmt.Errorf("extract pdf %s: %w", f.ID, err)
		}
		resp.Type = models.FileContentText
		resp.Content = text

	case strings.HasPrefix(f.Mimetype, "text/"):
		raw, err := s.readObject(ctx, f.StoragePath)
		if err != nil {
			return nil, err
		}
		resp.Type = models.FileContentText
		resp.Content = string(raw)

	case strings.HasPrefix(f.Mimetype, "image/"):
		resp.Type = models.FileContentImageURL
		resp.URL = s.publicBaseURL + "/" + f.ID.String()

	default:
		resp.Type = models.FileContentUnsupported
		resp.Content = f.Mimetype
	}
	return resp, nil
}

func (s *Service) readObject(ctx context.Context, storagePath string) ([]byte, error) {
	rc, err := s.objects.Get(ctx, storagePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// extractPDFText concatenates the plain text of every page. Pages
// that fail to decode are skipped rather than failing the whole file.
func extractPDFText(raw []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
