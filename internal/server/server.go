package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/agrovision/riceguard/internal/account"
	"github.com/agrovision/riceguard/internal/auth"
	"github.com/agrovision/riceguard/internal/detect"
	"github.com/agrovision/riceguard/internal/history"
	"github.com/agrovision/riceguard/internal/ingest"
	"github.com/agrovision/riceguard/internal/logger"
	"github.com/agrovision/riceguard/internal/session"
	"github.com/agrovision/riceguard/pkg/types"
)

// TestSender sends a configuration-check email.
type TestSender interface {
	SendTest(ctx context.Context, recipient string) error
}

// ModelState reports whether the detection model is currently loaded.
type ModelState interface {
	Ready() bool
}

// Server is the HTTP gateway in front of the detection pipeline.
type Server struct {
	echo       *echo.Echo
	accounts   *account.Store
	orch       *session.Orchestrator
	tokens     *auth.Manager
	history    *history.Store
	testSender TestSender
	model      ModelState
	log        *logger.Logger
}

// Options carries the gateway collaborators and limits.
type Options struct {
	Accounts    *account.Store
	Orch        *session.Orchestrator
	Tokens      *auth.Manager
	History     *history.Store
	TestSender  TestSender
	Model       ModelState
	MaxUploadMB int
	Log         *logger.Logger
}

// New builds the gateway and registers its routes.
func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = 16
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", opts.MaxUploadMB)))

	s := &Server{
		echo:       e,
		accounts:   opts.Accounts,
		orch:       opts.Orch,
		tokens:     opts.Tokens,
		history:    opts.History,
		testSender: opts.TestSender,
		model:      opts.Model,
		log:        opts.Log,
	}

	e.GET("/health", s.handleHealth)
	api := e.Group("/api")
	api.POST("/register", s.handleRegister)
	api.POST("/login", s.handleLogin)
	api.POST("/detect", s.handleDetect, s.requireToken)
	api.GET("/jobs/:id", s.handleJob, s.requireToken)
	api.GET("/history", s.handleHistory, s.requireToken)
	api.POST("/test-email", s.handleTestEmail, s.requireToken)

	return s
}

// Start serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

type registerRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	Name       string `json:"name"`
	Location   string `json:"location"`
	FarmSize   string `json:"farm_size"`
	Phone      string `json:"phone"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body"})
	}

	profile := account.Profile{
		Name:     req.Name,
		Location: req.Location,
		FarmSize: req.FarmSize,
		Phone:    req.Phone,
	}
	acct, err := s.accounts.Register(req.Identifier, req.Password, profile)
	switch {
	case errors.Is(err, account.ErrDuplicateIdentifier):
		return c.JSON(http.StatusConflict, errorResponse{Error: "identifier already registered"})
	case errors.Is(err, account.ErrInvalidIdentifier):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "identifier must not be empty"})
	case errors.Is(err, account.ErrWeakCredential):
		// Policy details only; the submitted password is never echoed back.
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case err != nil:
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "registration failed"})
	}

	s.log.Info("Server", "registered account %s", acct.Identifier)
	return c.JSON(http.StatusCreated, acct)
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body"})
	}

	acct, err := s.accounts.Authenticate(req.Identifier, req.Password)
	if err != nil {
		// Unknown identifier and bad password are indistinguishable on purpose.
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid identifier or password"})
	}

	token, err := s.tokens.Generate(acct.Identifier)
	if err != nil {
		s.log.Error("Server", "issue token for %s: %v", acct.Identifier, err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "could not issue session token"})
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

// requireToken resolves the Bearer token to an account and stores it in the
// request context.
func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
		}
		identifier, err := s.tokens.Verify(strings.TrimPrefix(header, prefix))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid or expired token"})
		}
		acct, err := s.accounts.Lookup(identifier)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "account no longer exists"})
		}
		c.Set("account", acct)
		return next(c)
	}
}

func requestAccount(c echo.Context) account.Account {
	acct, _ := c.Get("account").(account.Account)
	return acct
}

type detectResponse struct {
	Summary      string               `json:"summary"`
	ArtifactPath string               `json:"artifact_path"`
	Detections   types.DetectionSet   `json:"detections"`
	Classes      []types.ClassSummary `json:"classes"`
	JobID        string               `json:"job_id"`
}

func (s *Server) handleDetect(c echo.Context) error {
	acct := requestAccount(c)

	file, err := c.FormFile("image")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "multipart field 'image' is required"})
	}
	f, err := file.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "could not read uploaded image"})
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "could not read uploaded image"})
	}

	src := types.Source{Buffer: data, Captured: time.Now().UTC()}
	out := s.orch.RunForAccount(c.Request().Context(), acct, src)
	if !out.Completed {
		return s.writeStageError(c, out)
	}

	return c.JSON(http.StatusOK, detectResponse{
		Summary:      out.Summary,
		ArtifactPath: out.ArtifactPath,
		Detections:   out.Detections,
		Classes:      out.Classes,
		JobID:        out.JobID,
	})
}

// writeStageError maps a pipeline failure to an HTTP status.
func (s *Server) writeStageError(c echo.Context, out session.Outcome) error {
	switch {
	case errors.Is(out.Err, ingest.ErrUnsupportedFormat):
		return c.JSON(http.StatusUnsupportedMediaType, errorResponse{Error: out.Err.Error()})
	case errors.Is(out.Err, ingest.ErrUnreadableSource), errors.Is(out.Err, ingest.ErrEmptyFrame):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: out.Err.Error()})
	case errors.Is(out.Err, detect.ErrModelUnavailable):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "detection model is not available"})
	default:
		s.log.Error("Server", "pipeline failed at %s: %v", out.Stage, out.Err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "detection failed"})
	}
}

func (s *Server) handleJob(c echo.Context) error {
	job, err := s.orch.Job(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "unknown job id"})
	}
	// Jobs are visible only to the account that created them.
	if job.Recipient != requestAccount(c).Identifier {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "unknown job id"})
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleHistory(c echo.Context) error {
	acct := requestAccount(c)
	recs := s.history.ByIdentifier(acct.Identifier)
	if recs == nil {
		recs = []history.Record{}
	}
	return c.JSON(http.StatusOK, recs)
}

func (s *Server) handleTestEmail(c echo.Context) error {
	acct := requestAccount(c)
	if err := s.testSender.SendTest(c.Request().Context(), acct.Identifier); err != nil {
		s.log.Warn("Server", "test email to %s failed: %v", acct.Identifier, err)
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "test email failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleHealth(c echo.Context) error {
	ready := s.model != nil && s.model.Ready()
	return c.JSON(http.StatusOK, map[string]any{
		"status":       "ok",
		"model_loaded": ready,
	})
}
