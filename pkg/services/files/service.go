// Package files manages uploaded files: multipart ingestion into an
// object store with a metadata row per file, content materialization
// for prompt assembly, and lifecycle cleanup.
package files

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/models"
)

// sniffLen is how many leading bytes feed content-type detection.
const sniffLen = 512

// ProjectAuthorizer confirms project ownership before file operations.
// The projects service implements it.
type ProjectAuthorizer interface {
	Authorize(ctx context.Context, callerID, projectID uuid.UUID) error
}

// UploadRequest carries one incoming file. Body is consumed fully.
type UploadRequest struct {
	ProjectID uuid.UUID
	Filename  string
	Body      io.Reader
}

// Service implements file operations over the metadata store and the
// object store.
type Service struct {
	db        *sql.DB
	store     *Store
	objects   ObjectStore
	publisher bus.Publisher
	projects  ProjectAuthorizer

	publicBaseURL string
	maxUpload     int64
}

func NewService(db *sql.DB, publisher bus.Publisher, projects ProjectAuthorizer, objects ObjectStore, cfg *config.StorageConfig) *Service {
	return &Service{
		db:            db,
		store:         NewStore(),
		objects:       objects,
		publisher:     publisher,
		projects:      projects,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		maxUpload:     cfg.MaxUploadBytes,
	}
}

// Upload stores one file in the object store and records its metadata.
// The filename is reduced to its base name and the mimetype is sniffed
// from the content, never trusted from the client.
func (s *Service) Upload(ctx context.Context, p identity.Principal, req UploadRequest) (*models.StoredFile, error) {
	if err := s.projects.Authorize(ctx, p.ID, req.ProjectID); err != nil {
		return nil, err
	}

	name := sanitizeFilename(req.Filename)
	if name == "" {
		return nil, errkind.NewValidationError("filename", "required")
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(req.Body, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	mimetype := http.DetectContentType(head)

	f := &models.StoredFile{
		ID:        uuid.New(),
		OwnerID:   p.ID,
		ProjectID: req.ProjectID,
		Filename:  name,
		Mimetype:  mimetype,
	}
	f.StoragePath = path.Join("uploads", f.ProjectID.String(), f.OwnerID.String(),
		f.ID.String()+"-"+name)

	body := io.MultiReader(bytes.NewReader(head), req.Body)
	size, err := s.objects.Put(ctx, f.StoragePath, io.LimitReader(body, s.maxUpload+1))
	if err != nil {
		return nil, err
	}
	if size > s.maxUpload {
		_ = s.objects.Delete(ctx, f.StoragePath)
		return nil, errkind.NewValidationError("file", fmt.Sprintf("exceeds the %d byte upload limit", s.maxUpload))
	}
	f.SizeBytes = size

	if err := s.store.Create(ctx, s.db, f); err != nil {
		_ = s.objects.Delete(ctx, f.StoragePath)
		return nil, err
	}
	return f, nil
}

// sanitizeFilename strips any path components from a client-supplied
// name.
func sanitizeFilename(name string) string {
	name = filepath.Base(filepath.FromSlash(name))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

// List returns the files of one of the caller's projects.
func (s *Service) List(ctx context.Context, p identity.Principal, projectID uuid.UUID) (*models.FileListResponse, error) {
	if err := s.projects.Authorize(ctx, p.ID, projectID); err != nil {
		return nil, err
	}
	list, err := s.store.ListByProject(ctx, s.db, projectID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.StoredFile{}
	}
	return &models.FileListResponse{Files: list, TotalCount: len(list)}, nil
}

// Get returns one of the caller's files. Foreign files look absent.
func (s *Service) Get(ctx context.Context, p identity.Principal, id uuid.UUID) (*models.StoredFile, error) {
	f, err := s.store.Get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if f.OwnerID != p.ID {
		return nil, errkind.NotFound("file not found")
	}
	return f, nil
}

// Delete removes the object first, then the metadata row. A row
// without an object is worse than an object without a row.
func (s *Service) Delete(ctx context.Context, p identity.Principal, id uuid.UUID) error {
	f, err := s.Get(ctx, p, id)
	if err != nil {
		return err
	}
	if err := s.objects.Delete(ctx, f.StoragePath); err != nil {
		return err
	}
	return s.store.Delete(ctx, s.db, id)
}

// Open streams the raw object of one of the caller's files.
func (s *Service) Open(ctx context.Context, p identity.Principal, id uuid.UUID) (*models.StoredFile, io.ReadCloser, error) {
	f, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.objects.Get(ctx, f.StoragePath)
	if err != nil {
		return nil, nil, err
	}
	return f, rc, nil
}

// Metadata resolves a batch of file ids. The whole batch fails when
// any id is missing or foreign.
func (s *Service) Metadata(ctx context.Context, p identity.Principal, ids []uuid.UUID) ([]*models.StoredFile, error) {
	unique := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		unique[id] = true
	}
	if len(unique) == 0 {
		return []*models.StoredFile{}, nil
	}

	found, err := s.store.GetByIDs(ctx, s.db, p.ID, ids)
	if err != nil {
		return nil, err
	}
	if len(found) != len(unique) {
		return nil, errkind.NotFound("one or more files not found")
	}
	return found, nil
}
