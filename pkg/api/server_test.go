package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/models"
	"github.com/loomery/loom/pkg/services/files"
)

// Stub services: one per interface, returning configured values and
// recording inputs so tests can assert routing and argument passing.

type stubVerifier struct {
	p   identity.Principal
	err error
}

func (v *stubVerifier) VerifyAccess(string) (identity.Principal, error) {
	if v.err != nil {
		return identity.Principal{}, v.err
	}
	return v.p, nil
}

type stubUsers struct {
	user      *models.User
	userErr   error
	tokens    *models.TokenResponse
	tokensErr error

	registered *models.RegisterRequest
	refreshed  string
	deleted    uuid.UUID
	deleteErr  error
}

func (s *stubUsers) Register(_ context.Context, req models.RegisterRequest) (*models.User, error) {
	s.registered = &req
	return s.user, s.userErr
}

func (s *stubUsers) IssueTokens(context.Context, models.TokenRequest) (*models.TokenResponse, error) {
	return s.tokens, s.tokensErr
}

func (s *stubUsers) RefreshTokens(_ context.Context, refreshToken string) (*models.TokenResponse, error) {
	s.refreshed = refreshToken
	return s.tokens, s.tokensErr
}

func (s *stubUsers) Get(context.Context, uuid.UUID) (*models.User, error) {
	return s.user, s.userErr
}

func (s *stubUsers) ChangeEmail(context.Context, uuid.UUID, models.ChangeEmailRequest) (*models.User, error) {
	return s.user, s.userErr
}

func (s *stubUsers) ChangeUsername(context.Context, uuid.UUID, models.ChangeUsernameRequest) (*models.User, error) {
	return s.user, s.userErr
}

func (s *stubUsers) InitiateDeletion(_ context.Context, userID uuid.UUID) error {
	s.deleted = userID
	return s.deleteErr
}

type stubProjects struct {
	project *models.Project
	list    *models.ProjectListResponse
	err     error

	authorized   []uuid.UUID
	authorizeErr error
	deleted      uuid.UUID
	deleteErr    error
}

func (s *stubProjects) Create(context.Context, uuid.UUID, models.CreateProjectRequest) (*models.Project, error) {
	return s.project, s.err
}

func (s *stubProjects) List(context.Context, uuid.UUID) (*models.ProjectListResponse, error) {
	return s.list, s.err
}

func (s *stubProjects) Get(context.Context, uuid.UUID, uuid.UUID) (*models.Project, error) {
	return s.project, s.err
}

func (s *stubProjects) Update(context.Context, uuid.UUID, uuid.UUID, models.UpdateProjectRequest) (*models.Project, error) {
	return s.project, s.err
}

func (s *stubProjects) Authorize(_ context.Context, callerID, projectID uuid.UUID) error {
	s.authorized = []uuid.UUID{callerID, projectID}
	return s.authorizeErr
}

func (s *stubProjects) InitiateDeletion(_ context.Context, _, projectID uuid.UUID) error {
	s.deleted = projectID
	return s.deleteErr
}

type stubModels struct {
	model *models.AIModel
	list  *models.ModelListResponse
	caps  []string
	err   error
}

func (s *stubModels) Create(context.Context, identity.Principal, models.CreateModelRequest) (*models.AIModel, error) {
	return s.model, s.err
}

func (s *stubModels) List(context.Context, identity.Principal) (*models.ModelListResponse, error) {
	return s.list, s.err
}

func (s *stubModels) Get(context.Context, identity.Principal, uuid.UUID) (*models.AIModel, error) {
	return s.model, s.err
}

func (s *stubModels) Capabilities(context.Context, identity.Principal, uuid.UUID) ([]string, error) {
	return s.caps, s.err
}

func (s *stubModels) Update(context.Context, identity.Principal, uuid.UUID, models.UpdateModelRequest) (*models.AIModel, error) {
	return s.model, s.err
}

func (s *stubModels) Delete(context.Context, identity.Principal, uuid.UUID) error {
	return s.err
}

type stubTools struct {
	tool    *models.Tool
	list    *models.ToolListResponse
	matched []*models.Tool
	err     error

	validatedIDs []uuid.UUID
	valid        bool
	validateErr  error
}

func (s *stubTools) Create(context.Context, identity.Principal, models.CreateToolRequest) (*models.Tool, error) {
	return s.tool, s.err
}

func (s *stubTools) List(context.Context, identity.Principal) (*models.ToolListResponse, error) {
	return s.list, s.err
}

func (s *stubTools) Get(context.Context, identity.Principal, uuid.UUID) (*models.Tool, error) {
	return s.tool, s.err
}

func (s *stubTools) Update(context.Context, identity.Principal, uuid.UUID, models.UpdateToolRequest) (*models.Tool, error) {
	return s.tool, s.err
}

func (s *stubTools) Delete(context.Context, identity.Principal, uuid.UUID) error {
	return s.err
}

func (s *stubTools) Discover(context.Context, identity.Principal, uuid.UUID) ([]*models.Tool, error) {
	return s.matched, s.err
}

func (s *stubTools) Validate(_ context.Context, _ identity.Principal, ids []uuid.UUID) (bool, error) {
	s.validatedIDs = ids
	return s.valid, s.validateErr
}

type stubNodes struct {
	node *models.Node
	list *models.NodeListResponse
	err  error

	configured *models.ConfigureModelRequest
	updated    *models.UpdateNodeRequest
}

func (s *stubNodes) CreateDraft(context.Context, identity.Principal, models.CreateDraftNodeRequest) (*models.Node, error) {
	return s.node, s.err
}

func (s *stubNodes) ConfigureModel(_ context.Context, _ identity.Principal, _ uuid.UUID, req models.ConfigureModelRequest) (*models.Node, error) {
	s.configured = &req
	return s.node, s.err
}

func (s *stubNodes) Update(_ context.Context, _ identity.Principal, _ uuid.UUID, req models.UpdateNodeRequest) (*models.Node, error) {
	s.updated = &req
	return s.node, s.err
}

func (s *stubNodes) Get(context.Context, identity.Principal, uuid.UUID) (*models.Node, error) {
	return s.node, s.err
}

func (s *stubNodes) List(context.Context, identity.Principal, uuid.UUID) (*models.NodeListResponse, error) {
	return s.list, s.err
}

func (s *stubNodes) Delete(context.Context, identity.Principal, uuid.UUID) error {
	return s.err
}

type stubBuckets struct {
	bucket  *models.MemoryBucket
	list    *models.BucketListResponse
	history *models.HistoryResponse
	err     error

	valid       bool
	validateErr error
}

func (s *stubBuckets) CreateBucket(context.Context, identity.Principal, models.CreateBucketRequest) (*models.MemoryBucket, error) {
	return s.bucket, s.err
}

func (s *stubBuckets) List(context.Context, identity.Principal, uuid.UUID) (*models.BucketListResponse, error) {
	return s.list, s.err
}

func (s *stubBuckets) Get(context.Context, identity.Principal, uuid.UUID) (*models.MemoryBucket, error) {
	return s.bucket, s.err
}

func (s *stubBuckets) History(context.Context, identity.Principal, uuid.UUID) (*models.HistoryResponse, error) {
	return s.history, s.err
}

func (s *stubBuckets) Delete(context.Context, identity.Principal, uuid.UUID) error {
	return s.err
}

func (s *stubBuckets) Validate(context.Context, identity.Principal, []uuid.UUID) (bool, error) {
	return s.valid, s.validateErr
}

type stubFiles struct {
	stored *models.StoredFile
	list   *models.FileListResponse
	body   io.ReadCloser
	err    error

	upload *files.UploadRequest
}

func (s *stubFiles) Upload(_ context.Context, _ identity.Principal, req files.UploadRequest) (*models.StoredFile, error) {
	s.upload = &req
	return s.stored, s.err
}

func (s *stubFiles) List(context.Context, identity.Principal, uuid.UUID) (*models.FileListResponse, error) {
	return s.list, s.err
}

func (s *stubFiles) Get(context.Context, identity.Principal, uuid.UUID) (*models.StoredFile, error) {
	return s.stored, s.err
}

func (s *stubFiles) Open(context.Context, identity.Principal, uuid.UUID) (*models.StoredFile, io.ReadCloser, error) {
	return s.stored, s.body, s.err
}

func (s *stubFiles) Delete(context.Context, identity.Principal, uuid.UUID) error {
	return s.err
}

type stubInference struct {
	resp *models.InferResponse
	err  error

	submittedNode uuid.UUID
	cancelled     uuid.UUID
	cancelErr     error
}

func (s *stubInference) Submit(_ context.Context, _ identity.Principal, nodeID uuid.UUID, _ *models.InferRequest) (*models.InferResponse, error) {
	s.submittedNode = nodeID
	return s.resp, s.err
}

func (s *stubInference) Cancel(_ context.Context, _ identity.Principal, jobID uuid.UUID) error {
	s.cancelled = jobID
	return s.cancelErr
}

// newTestServer builds a Server over the given stubs with a verifier
// that accepts any bearer token as the principal p.
func newTestServer(svc Services, p identity.Principal) *Server {
	return NewServer(svc, &stubVerifier{p: p}, nil, config.DefaultServerConfig())
}

// do sends a request through the full router and returns the recorder.
func do(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAuthentication(t *testing.T) {
	caller := identity.Principal{ID: uuid.New()}

	t.Run("protected routes reject missing tokens", func(t *testing.T) {
		s := newTestServer(Services{Projects: &stubProjects{}}, caller)

		rec := do(t, s, http.MethodGet, "/projects", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("protected routes reject bad tokens", func(t *testing.T) {
		s := NewServer(Services{Projects: &stubProjects{}},
			&stubVerifier{err: assert.AnError}, nil, config.DefaultServerConfig())

		rec := do(t, s, http.MethodGet, "/projects", "expired", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid tokens pass through to the service", func(t *testing.T) {
		projects := &stubProjects{list: &models.ProjectListResponse{Projects: []*models.Project{}}}
		s := newTestServer(Services{Projects: projects}, caller)

		rec := do(t, s, http.MethodGet, "/projects", "good", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(Services{}, identity.Principal{})

	rec := do(t, s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Nil(t, resp.Database)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(Services{}, identity.Principal{})

	rec := do(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loom_")
}
