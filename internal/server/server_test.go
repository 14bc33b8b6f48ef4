package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/agrovision/riceguard/internal/account"
	"github.com/agrovision/riceguard/internal/auth"
	"github.com/agrovision/riceguard/internal/detect"
	"github.com/agrovision/riceguard/internal/history"
	"github.com/agrovision/riceguard/internal/logger"
	"github.com/agrovision/riceguard/internal/metrics"
	"github.com/agrovision/riceguard/internal/session"
	"github.com/agrovision/riceguard/pkg/types"
)

type stubLoader struct{}

func (stubLoader) Load(types.Source) (*types.ImageAsset, error) {
	return &types.ImageAsset{Width: 100, Height: 100}, nil
}

type stubDetector struct {
	err error
}

func (s stubDetector) Detect(context.Context, *types.ImageAsset) (types.DetectionSet, error) {
	if s.err != nil {
		return nil, s.err
	}
	return types.DetectionSet{
		{Label: "weed", Confidence: 0.9, Box: types.BoundingBox{X: 10, Y: 10, Width: 20, Height: 20}},
	}, nil
}

type stubRenderer struct{}

func (stubRenderer) Render(_ *types.ImageAsset, dets types.DetectionSet) (*types.DetectionReport, error) {
	return &types.DetectionReport{
		ArtifactPath: "/tmp/detection_0001.jpg",
		Detections:   dets,
		Classes:      []types.ClassSummary{{Label: "weed", Count: 1, MeanConfidence: 0.9}},
		Summary:      "weed: 1 (avg confidence 90.0%)",
		CreatedAt:    time.Now().UTC(),
	}, nil
}

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(_ context.Context, job *types.NotificationJob) error {
	job.Attempts = 1
	job.Status = types.JobDelivered
	return nil
}

type stubTestSender struct {
	err  error
	sent []string
}

func (s *stubTestSender) SendTest(_ context.Context, recipient string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, recipient)
	return nil
}

type stubModel struct{ ready bool }

func (s stubModel) Ready() bool { return s.ready }

type fixture struct {
	server *Server
	orch   *session.Orchestrator
	sender *stubTestSender
}

func newFixture(t *testing.T, detectErr error) *fixture {
	t.Helper()

	accounts, err := account.Open(filepath.Join(t.TempDir(), "users.json"),
		account.PasswordPolicy{MinLength: 8, RequireMixedClasses: true},
		account.WithBcryptCost(bcrypt.MinCost),
		account.WithLogger(logger.Nop()),
	)
	if err != nil {
		t.Fatalf("account.Open() error = %v", err)
	}
	hist, err := history.Open(filepath.Join(t.TempDir(), "history.jsonl"), logger.Nop())
	if err != nil {
		t.Fatalf("history.Open() error = %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	orch := session.New(accounts, stubLoader{}, stubDetector{err: detectErr}, stubRenderer{},
		stubDispatcher{}, hist, metrics.New(), logger.Nop())

	tokens, err := auth.NewManager("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("auth.NewManager() error = %v", err)
	}
	sender := &stubTestSender{}
	srv := New(Options{
		Accounts:   accounts,
		Orch:       orch,
		Tokens:     tokens,
		History:    hist,
		TestSender: sender,
		Model:      stubModel{ready: true},
		Log:        logger.Nop(),
	})
	return &fixture{server: srv, orch: orch, sender: sender}
}

func (f *fixture) do(t *testing.T, method, path, token string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) registerAndLogin(t *testing.T) string {
	t.Helper()
	body := []byte(`{"identifier":"alice@example.com","password":"Str0ngPass1","name":"Alice","location":"Field 7"}`)
	if rec := f.do(t, http.MethodPost, "/api/register", "", body, "application/json"); rec.Code != http.StatusCreated {
		t.Fatalf("register returned %d: %s", rec.Code, rec.Body.String())
	}

	login := []byte(`{"identifier":"alice@example.com","password":"Str0ngPass1"}`)
	rec := f.do(t, http.MethodPost, "/api/login", "", login, "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("login returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp["token"] == "" {
		t.Fatalf("login response missing token")
	}
	return resp["token"]
}

func multipartImage(t *testing.T) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", "crop.jpg")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	part.Write([]byte("fake image bytes"))
	w.Close()
	return buf.Bytes(), w.FormDataContentType()
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	f := newFixture(t, nil)
	body := []byte(`{"identifier":"alice@example.com","password":"Str0ngPass1"}`)
	if rec := f.do(t, http.MethodPost, "/api/register", "", body, "application/json"); rec.Code != http.StatusCreated {
		t.Fatalf("first register returned %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/register", "", body, "application/json"); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register returned %d, want 409", rec.Code)
	}
}

func TestRegisterWeakPasswordRejected(t *testing.T) {
	f := newFixture(t, nil)
	body := []byte(`{"identifier":"alice@example.com","password":"short"}`)
	rec := f.do(t, http.MethodPost, "/api/register", "", body, "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("weak register returned %d, want 400", rec.Code)
	}
	// The submitted password must never appear in the response.
	if bytes.Contains(rec.Body.Bytes(), []byte("short")) {
		t.Fatalf("response leaked the submitted password: %s", rec.Body.String())
	}
}

func TestLoginBadCredentials(t *testing.T) {
	f := newFixture(t, nil)
	f.registerAndLogin(t)

	body := []byte(`{"identifier":"alice@example.com","password":"WrongPass1"}`)
	rec := f.do(t, http.MethodPost, "/api/login", "", body, "application/json")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login returned %d, want 401", rec.Code)
	}

	// Unknown identifier gets the same response shape and message.
	body = []byte(`{"identifier":"bob@example.com","password":"WrongPass1"}`)
	rec2 := f.do(t, http.MethodPost, "/api/login", "", body, "application/json")
	if rec2.Code != http.StatusUnauthorized || rec2.Body.String() != rec.Body.String() {
		t.Fatalf("unknown identifier response differs: %s vs %s", rec2.Body.String(), rec.Body.String())
	}
}

func TestDetectRequiresToken(t *testing.T) {
	f := newFixture(t, nil)
	body, ct := multipartImage(t)
	if rec := f.do(t, http.MethodPost, "/api/detect", "", body, ct); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated detect returned %d, want 401", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/detect", "garbage-token", body, ct); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token detect returned %d, want 401", rec.Code)
	}
}

func TestDetectEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	token := f.registerAndLogin(t)

	body, ct := multipartImage(t)
	rec := f.do(t, http.MethodPost, "/api/detect", token, body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("detect returned %d: %s", rec.Code, rec.Body.String())
	}

	var resp detectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode detect response: %v", err)
	}
	if resp.Summary == "" || resp.ArtifactPath == "" || resp.JobID == "" {
		t.Fatalf("detect response incomplete: %+v", resp)
	}
	if len(resp.Detections) != 1 || resp.Detections[0].Label != "weed" {
		t.Fatalf("detect response detections = %+v", resp.Detections)
	}

	f.orch.Close()
	jobRec := f.do(t, http.MethodGet, "/api/jobs/"+resp.JobID, token, nil, "")
	if jobRec.Code != http.StatusOK {
		t.Fatalf("job lookup returned %d: %s", jobRec.Code, jobRec.Body.String())
	}
	var job types.NotificationJob
	if err := json.Unmarshal(jobRec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Status != types.JobDelivered {
		t.Fatalf("job status = %q, want delivered", job.Status)
	}

	histRec := f.do(t, http.MethodGet, "/api/history", token, nil, "")
	if histRec.Code != http.StatusOK {
		t.Fatalf("history returned %d", histRec.Code)
	}
	var recs []history.Record
	if err := json.Unmarshal(histRec.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(recs) != 1 || recs[0].Counts["weed"] != 1 {
		t.Fatalf("history = %+v", recs)
	}
}

func TestDetectMissingImageField(t *testing.T) {
	f := newFixture(t, nil)
	token := f.registerAndLogin(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("note", "no image here")
	w.Close()

	rec := f.do(t, http.MethodPost, "/api/detect", token, buf.Bytes(), w.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("detect without image returned %d, want 400", rec.Code)
	}
}

func TestDetectModelUnavailable(t *testing.T) {
	f := newFixture(t, detect.ErrModelUnavailable)
	token := f.registerAndLogin(t)

	body, ct := multipartImage(t)
	rec := f.do(t, http.MethodPost, "/api/detect", token, body, ct)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("detect with unavailable model returned %d, want 503", rec.Code)
	}
}

func TestJobLookupScopedToOwner(t *testing.T) {
	f := newFixture(t, nil)
	token := f.registerAndLogin(t)

	body, ct := multipartImage(t)
	rec := f.do(t, http.MethodPost, "/api/detect", token, body, ct)
	var resp detectResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)

	other := []byte(`{"identifier":"bob@example.com","password":"Str0ngPass1"}`)
	if r := f.do(t, http.MethodPost, "/api/register", "", other, "application/json"); r.Code != http.StatusCreated {
		t.Fatalf("register bob returned %d", r.Code)
	}
	loginRec := f.do(t, http.MethodPost, "/api/login", "", other, "application/json")
	var loginResp map[string]string
	json.Unmarshal(loginRec.Body.Bytes(), &loginResp)

	f.orch.Close()
	if r := f.do(t, http.MethodGet, "/api/jobs/"+resp.JobID, loginResp["token"], nil, ""); r.Code != http.StatusNotFound {
		t.Fatalf("foreign job lookup returned %d, want 404", r.Code)
	}
}

func TestTestEmail(t *testing.T) {
	f := newFixture(t, nil)
	token := f.registerAndLogin(t)

	rec := f.do(t, http.MethodPost, "/api/test-email", token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("test-email returned %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0] != "alice@example.com" {
		t.Fatalf("test email recipients = %v", f.sender.sent)
	}

	f.sender.err = errors.New("smtp down")
	if rec := f.do(t, http.MethodPost, "/api/test-email", token, nil, ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("failing test-email returned %d, want 502", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/health", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp["model_loaded"] != true {
		t.Fatalf("health model_loaded = %v, want true", resp["model_loaded"])
	}
}
