// Package api assembles the platform's public HTTP surface: account and
// token endpoints, resource CRUD, inference submission and cancellation,
// and the internal service-to-service authorization routes.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/metrics"
	"github.com/loomery/loom/pkg/models"
	"github.com/loomery/loom/pkg/services/files"
)

// Handlers depend on narrow views of the service layer rather than the
// concrete services, so tests can substitute stubs per route.

// UserService covers account management and deletion initiation.
type UserService interface {
	Register(ctx context.Context, req models.RegisterRequest) (*models.User, error)
	IssueTokens(ctx context.Context, req models.TokenRequest) (*models.TokenResponse, error)
	RefreshTokens(ctx context.Context, refreshToken string) (*models.TokenResponse, error)
	Get(ctx context.Context, userID uuid.UUID) (*models.User, error)
	ChangeEmail(ctx context.Context, userID uuid.UUID, req models.ChangeEmailRequest) (*models.User, error)
	ChangeUsername(ctx context.Context, userID uuid.UUID, req models.ChangeUsernameRequest) (*models.User, error)
	InitiateDeletion(ctx context.Context, userID uuid.UUID) error
}

// ProjectService covers project CRUD, ownership checks, and deletion
// initiation.
type ProjectService interface {
	Create(ctx context.Context, ownerID uuid.UUID, req models.CreateProjectRequest) (*models.Project, error)
	List(ctx context.Context, ownerID uuid.UUID) (*models.ProjectListResponse, error)
	Get(ctx context.Context, callerID, projectID uuid.UUID) (*models.Project, error)
	Update(ctx context.Context, callerID, projectID uuid.UUID, req models.UpdateProjectRequest) (*models.Project, error)
	Authorize(ctx context.Context, callerID, projectID uuid.UUID) error
	InitiateDeletion(ctx context.Context, callerID, projectID uuid.UUID) error
}

// ModelService covers model blueprints and user model configurations.
type ModelService interface {
	Create(ctx context.Context, p identity.Principal, req models.CreateModelRequest) (*models.AIModel, error)
	List(ctx context.Context, p identity.Principal) (*models.ModelListResponse, error)
	Get(ctx context.Context, p identity.Principal, id uuid.UUID) (*models.AIModel, error)
	Capabilities(ctx context.Context, p identity.Principal, id uuid.UUID) ([]string, error)
	Update(ctx context.Context, p identity.Principal, id uuid.UUID, req models.UpdateModelRequest) (*models.AIModel, error)
	Delete(ctx context.Context, p identity.Principal, id uuid.UUID) error
}

// ToolService covers tool registration, MCP discovery, and the batch
// visibility check behind the internal validate endpoint.
type ToolService interface {
	Create(ctx context.Context, p identity.Principal, req models.CreateToolRequest) (*models.Tool, error)
	List(ctx context.Context, p identity.Principal) (*models.ToolListResponse, error)
	Get(ctx context.Context, p identity.Principal, id uuid.UUID) (*models.Tool, error)
	Update(ctx context.Context, p identity.Principal, id uuid.UUID, req models.UpdateToolRequest) (*models.Tool, error)
	Delete(ctx context.Context, p identity.Principal, id uuid.UUID) error
	Discover(ctx context.Context, p identity.Principal, id uuid.UUID) ([]*models.Tool, error)
	Validate(ctx context.Context, p identity.Principal, ids []uuid.UUID) (bool, error)
}

// NodeService covers the two-stage node lifecycle.
type NodeService interface {
	CreateDraft(ctx context.Context, p identity.Principal, req models.CreateDraftNodeRequest) (*models.Node, error)
	ConfigureModel(ctx context.Context, p identity.Principal, nodeID uuid.UUID, req models.ConfigureModelRequest) (*models.Node, error)
	Update(ctx context.Context, p identity.Principal, nodeID uuid.UUID, req models.UpdateNodeRequest) (*models.Node, error)
	Get(ctx context.Context, p identity.Principal, nodeID uuid.UUID) (*models.Node, error)
	List(ctx context.Context, p identity.Principal, projectID uuid.UUID) (*models.NodeListResponse, error)
	Delete(ctx context.Context, p identity.Principal, nodeID uuid.UUID) error
}

// BucketService covers memory bucket CRUD, history reads, and the batch
// visibility check behind the internal validate endpoint.
type BucketService interface {
	CreateBucket(ctx context.Context, p identity.Principal, req models.CreateBucketRequest) (*models.MemoryBucket, error)
	List(ctx context.Context, p identity.Principal, projectID uuid.UUID) (*models.BucketListResponse, error)
	Get(ctx context.Context, p identity.Principal, id uuid.UUID) (*models.MemoryBucket, error)
	History(ctx context.Context, p identity.Principal, id uuid.UUID) (*models.HistoryResponse, error)
	Delete(ctx context.Context, p identity.Principal, id uuid.UUID) error
	Validate(ctx context.Context, p identity.Principal, ids []uuid.UUID) (bool, error)
}

// FileService covers file upload, metadata, and raw content reads.
type FileService interface {
	Upload(ctx context.Context, p identity.Principal, req files.UploadRequest) (*models.StoredFile, error)
	List(ctx context.Context, p identity.Principal, projectID uuid.UUID) (*models.FileListResponse, error)
	Get(ctx context.Context, p identity.Principal, id uuid.UUID) (*models.StoredFile, error)
	Open(ctx context.Context, p identity.Principal, id uuid.UUID) (*models.StoredFile, io.ReadCloser, error)
	Delete(ctx context.Context, p identity.Principal, id uuid.UUID) error
}

// InferenceService covers job submission and cancellation.
type InferenceService interface {
	Submit(ctx context.Context, p identity.Principal, nodeID uuid.UUID, req *models.InferRequest) (*models.InferResponse, error)
	Cancel(ctx context.Context, p identity.Principal, jobID uuid.UUID) error
}

// TokenVerifier checks bearer tokens. Implemented by identity.Issuer.
type TokenVerifier interface {
	VerifyAccess(raw string) (identity.Principal, error)
}

// Services bundles the service views the server routes to.
type Services struct {
	Users     UserService
	Projects  ProjectService
	Models    ModelService
	Tools     ToolService
	Nodes     NodeService
	Buckets   BucketService
	Files     FileService
	Inference InferenceService
}

// Server is the platform API process: one echo instance serving the
// public and internal HTTP routes.
type Server struct {
	echo     *echo.Echo
	http     *http.Server
	svc      Services
	verifier TokenVerifier
	validate *validator.Validate
	db       *sql.DB
}

// NewServer wires routes and middleware. db may be nil; the health
// endpoint then skips the connectivity check.
func NewServer(svc Services, verifier TokenVerifier, db *sql.DB, cfg *config.ServerConfig) *Server {
	s := &Server{
		svc:      svc,
		verifier: verifier,
		validate: validator.New(),
		db:       db,
	}

	e := echo.New()
	e.Use(securityHeaders())
	s.registerRoutes(e)
	s.echo = e

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           withMetrics(e),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/health", s.healthHandler)
	e.GET("/metrics", func(c *echo.Context) error {
		metrics.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})

	// Accounts and tokens.
	e.POST("/auth/register", s.registerHandler)
	e.POST("/auth/token", s.tokenHandler)
	e.POST("/auth/token/refresh", s.refreshTokenHandler)
	e.GET("/auth/me", s.getMeHandler)
	e.DELETE("/auth/me", s.deleteMeHandler)
	e.POST("/auth/change-email", s.changeEmailHandler)
	e.POST("/auth/change-username", s.changeUsernameHandler)

	// Projects and their scoped resource listings.
	e.POST("/projects", s.createProjectHandler)
	e.GET("/projects", s.listProjectsHandler)
	e.GET("/projects/:id", s.getProjectHandler)
	e.PUT("/projects/:id", s.updateProjectHandler)
	e.DELETE("/projects/:id", s.deleteProjectHandler)
	e.GET("/projects/:id/nodes", s.listProjectNodesHandler)
	e.GET("/projects/:id/buckets", s.listProjectBucketsHandler)
	e.GET("/projects/:id/files", s.listProjectFilesHandler)

	// Models.
	e.POST("/models", s.createModelHandler)
	e.GET("/models", s.listModelsHandler)
	e.GET("/models/:id", s.getModelHandler)
	e.GET("/models/:id/capabilities", s.modelCapabilitiesHandler)
	e.PUT("/models/:id", s.updateModelHandler)
	e.DELETE("/models/:id", s.deleteModelHandler)

	// Tools.
	e.POST("/tools", s.createToolHandler)
	e.GET("/tools", s.listToolsHandler)
	e.GET("/tools/:id", s.getToolHandler)
	e.GET("/tools/:id/discover", s.discoverToolsHandler)
	e.PUT("/tools/:id", s.updateToolHandler)
	e.DELETE("/tools/:id", s.deleteToolHandler)

	// Nodes and jobs.
	e.POST("/nodes/draft", s.createDraftNodeHandler)
	e.POST("/nodes/:id/configure-model", s.configureNodeModelHandler)
	e.PUT("/nodes/:id", s.updateNodeHandler)
	e.GET("/nodes/:id", s.getNodeHandler)
	e.DELETE("/nodes/:id", s.deleteNodeHandler)
	e.POST("/nodes/:id/infer", s.inferHandler)
	e.DELETE("/jobs/:id", s.cancelJobHandler)

	// Memory buckets.
	e.POST("/buckets", s.createBucketHandler)
	e.GET("/buckets/:id", s.getBucketHandler)
	e.GET("/buckets/:id/history", s.bucketHistoryHandler)
	e.DELETE("/buckets/:id", s.deleteBucketHandler)

	// Files.
	e.POST("/files", s.uploadFileHandler)
	e.GET("/files/:id", s.getFileHandler)
	e.GET("/files/:id/content", s.downloadFileHandler)
	e.DELETE("/files/:id", s.deleteFileHandler)

	// Service-to-service checks used by the resource pipeline.
	e.GET("/internal/projects/:id/authorize", s.authorizeProjectHandler)
	e.POST("/internal/tools/validate", s.validateToolsHandler)
	e.POST("/internal/buckets/validate", s.validateBucketsHandler)
}

// Handler exposes the full middleware-wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	slog.Info("API listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
