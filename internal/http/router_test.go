package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examsentry/server/internal/auth"
	"github.com/examsentry/server/internal/forensics"
	"github.com/examsentry/server/internal/http/handlers"
	"github.com/examsentry/server/internal/model"
	"github.com/examsentry/server/internal/oracle"
	"github.com/examsentry/server/internal/papers"
	"github.com/examsentry/server/internal/repo"
	"github.com/examsentry/server/internal/session"
	"github.com/examsentry/server/internal/unlock"
)

// In-memory repositories backing the full request path, so the whole
// workflow is exercised without a database.

type memUserRepo struct {
	byEmail map[string]model.User
}

func (m *memUserRepo) GetByID(ctx context.Context, id string) (model.User, error) {
	for _, u := range m.byEmail {
		if u.ID.String() == id {
			return u, nil
		}
	}
	return model.User{}, repo.ErrNotFound
}

func (m *memUserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	u, ok := m.byEmail[email]
	if !ok {
		return model.User{}, repo.ErrNotFound
	}
	return u, nil
}

func (m *memUserRepo) Create(ctx context.Context, user model.User) (model.User, error) {
	user.ID = uuid.New()
	user.CreatedAt = time.Now()
	m.byEmail[user.Email] = user
	return user, nil
}

func (m *memUserRepo) ListByRole(ctx context.Context, role model.Role) ([]model.User, error) {
	var out []model.User
	for _, u := range m.byEmail {
		if u.Role == role {
			out = append(out, u)
		}
	}
	return out, nil
}

type memWhitelist struct {
	emails map[string]bool
}

func (w *memWhitelist) Add(ctx context.Context, email string) error {
	w.emails[email] = true
	return nil
}

func (w *memWhitelist) Contains(ctx context.Context, email string) (bool, error) {
	return w.emails[email], nil
}

func (w *memWhitelist) List(ctx context.Context) ([]string, error) {
	var out []string
	for e := range w.emails {
		out = append(out, e)
	}
	return out, nil
}

type memAudit struct {
	entries []model.AuditLog
}

func (a *memAudit) Append(ctx context.Context, entry model.AuditLog) (model.AuditLog, error) {
	entry.ID = uuid.New()
	entry.Timestamp = time.Now()
	a.entries = append(a.entries, entry)
	return entry, nil
}

func (a *memAudit) List(ctx context.Context) ([]model.AuditLog, error) {
	return a.entries, nil
}

type memPaperRepo struct {
	items map[uuid.UUID]model.ExamPaper
}

func (m *memPaperRepo) GetByID(ctx context.Context, id uuid.UUID) (model.ExamPaper, error) {
	p, ok := m.items[id]
	if !ok {
		return model.ExamPaper{}, fmt.Errorf("paper not found")
	}
	return p, nil
}

func (m *memPaperRepo) ListBySetter(ctx context.Context, setterID uuid.UUID) ([]model.ExamPaper, error) {
	var out []model.ExamPaper
	for _, p := range m.items {
		if p.SetterID == setterID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPaperRepo) Create(ctx context.Context, paper model.ExamPaper) (model.ExamPaper, error) {
	paper.ID = uuid.New()
	paper.CreatedAt = time.Now()
	m.items[paper.ID] = paper
	return paper, nil
}

func (m *memPaperRepo) Save(ctx context.Context, id uuid.UUID, title, content string) error {
	p, ok := m.items[id]
	if !ok {
		return fmt.Errorf("paper not found")
	}
	p.Title, p.Content = title, content
	m.items[id] = p
	return nil
}

func (m *memPaperRepo) Seal(ctx context.Context, id uuid.UUID, lockDate time.Time) error {
	p, ok := m.items[id]
	if !ok {
		return fmt.Errorf("paper not found")
	}
	p.IsLocked = true
	p.LockDate = &lockDate
	m.items[id] = p
	return nil
}

type memRequestRepo struct {
	order []uuid.UUID
	items map[uuid.UUID]model.UnlockRequest
}

func (m *memRequestRepo) List(ctx context.Context) ([]model.UnlockRequest, error) {
	out := make([]model.UnlockRequest, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.items[id])
	}
	return out, nil
}

func (m *memRequestRepo) GetByID(ctx context.Context, id uuid.UUID) (model.UnlockRequest, error) {
	req, ok := m.items[id]
	if !ok {
		return model.UnlockRequest{}, fmt.Errorf("request not found")
	}
	return req, nil
}

func (m *memRequestRepo) Create(ctx context.Context, req model.UnlockRequest) (model.UnlockRequest, error) {
	req.ID = uuid.New()
	req.CreatedAt = time.Now()
	m.items[req.ID] = req
	m.order = append(m.order, req.ID)
	return req, nil
}

func (m *memRequestRepo) Update(ctx context.Context, req model.UnlockRequest) error {
	if _, ok := m.items[req.ID]; !ok {
		return fmt.Errorf("request not found")
	}
	m.items[req.ID] = req
	return nil
}

func (m *memRequestRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := m.items[id]; !ok {
		return fmt.Errorf("request not found")
	}
	delete(m.items, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// acceptAllOtp accepts any code, standing in for the DB-backed provider.
type acceptAllOtp struct{}

func (acceptAllOtp) RequestOTP(ctx context.Context, email, ip, userAgent string) error { return nil }
func (acceptAllOtp) VerifyOTP(ctx context.Context, email, code, ip string) error       { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	users := &memUserRepo{byEmail: make(map[string]model.User)}
	whitelist := &memWhitelist{emails: map[string]bool{
		"setter@example.edu":     true,
		"authoriser@example.edu": true,
	}}
	audit := &memAudit{}
	paperRepo := &memPaperRepo{items: make(map[uuid.UUID]model.ExamPaper)}
	requestRepo := &memRequestRepo{items: make(map[uuid.UUID]model.UnlockRequest)}

	verdicts := oracle.NewSimulator(users)
	jwtService := auth.NewJWTService("test-jwt-secret-at-least-32-characters-long")
	authService := auth.NewAuthService(acceptAllOtp{}, jwtService, users, whitelist, audit, verdicts, "test-salt")

	sessions := session.NewController(audit, verdicts)
	unlockEngine := unlock.NewEngine(requestRepo, audit)
	paperService := papers.NewService(paperRepo, audit)
	forensicService := forensics.NewService(verdicts, users, audit)

	h := Handlers{
		Auth:    handlers.NewAuthHandler(authService, acceptAllOtp{}, sessions),
		Papers:  handlers.NewPapersHandler(paperService, sessions),
		Unlock:  handlers.NewUnlockHandler(unlockEngine, paperService, sessions),
		Session: handlers.NewSessionHandler(sessions),
		Admin:   handlers.NewAdminHandler(whitelist, audit, forensicService),
	}

	srv := httptest.NewServer(NewRouter(h, jwtService, users, sessions))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func doJSONList(t *testing.T, srv *httptest.Server, path, token string) (*http.Response, []map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

// login walks the four steps and returns the bearer token.
func login(t *testing.T, srv *httptest.Server, email, role string) string {
	t.Helper()
	frame := base64.StdEncoding.EncodeToString([]byte("captured-frame"))

	resp, _ := doJSON(t, srv, http.MethodPost, "/auth/identity", "", map[string]string{"email": email, "role": role})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, srv, http.MethodPost, "/auth/password", "", map[string]string{"email": email, "password": "secret123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, srv, http.MethodPost, "/auth/otp/request", "", map[string]string{"email": email})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, srv, http.MethodPost, "/auth/otp/verify", "", map[string]string{"email": email, "otp": "123456"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, srv, http.MethodPost, "/auth/face", "", map[string]string{
		"email": email, "role": role, "password": "secret123", "frame": frame,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["access_token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestLogin_rejectsUnlistedIdentity(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := doJSON(t, srv, http.MethodPost, "/auth/identity", "", map[string]string{
		"email": "intruder@example.edu", "role": "SETTER",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnlockWorkflow_endToEnd(t *testing.T) {
	srv := newTestServer(t)
	setterToken := login(t, srv, "setter@example.edu", "SETTER")
	authoriserToken := login(t, srv, "authoriser@example.edu", "AUTHORISER")

	// Setter drafts and seals a paper.
	resp, paper := doJSON(t, srv, http.MethodPost, "/papers", setterToken, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	paperID := paper["id"].(string)

	resp, _ = doJSON(t, srv, http.MethodPut, "/papers/"+paperID, setterToken, map[string]string{
		"title": "Calculus Final", "content": "Q1...",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, sealed := doJSON(t, srv, http.MethodPost, "/papers/"+paperID+"/seal", setterToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, sealed["is_locked"])

	// Sealed papers refuse edits.
	resp, _ = doJSON(t, srv, http.MethodPut, "/papers/"+paperID, setterToken, map[string]string{
		"title": "Tampered", "content": "x",
	})
	assert.Equal(t, http.StatusLocked, resp.StatusCode)

	// Setter requests an unlock; a duplicate is refused.
	resp, _ = doJSON(t, srv, http.MethodPost, "/unlock/requests", setterToken, map[string]string{"paper_id": paperID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = doJSON(t, srv, http.MethodPost, "/unlock/requests", setterToken, map[string]string{"paper_id": paperID})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Setters cannot review the queue.
	reqList, err := http.NewRequest(http.MethodGet, srv.URL+"/unlock/requests", nil)
	require.NoError(t, err)
	reqList.Header.Set("Authorization", "Bearer "+setterToken)
	rawResp, err := srv.Client().Do(reqList)
	require.NoError(t, err)
	rawResp.Body.Close()
	assert.Equal(t, http.StatusForbidden, rawResp.StatusCode)

	// Authoriser approves and reads the minted key.
	resp, requests := doJSONList(t, srv, "/unlock/requests", authoriserToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, requests, 1)
	requestID := requests[0]["id"].(string)

	resp, approved := doJSON(t, srv, http.MethodPost, "/unlock/requests/"+requestID+"/approve", authoriserToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	key := approved["dynamic_key"].(string)
	require.Regexp(t, `^[A-Z0-9]{6}$`, key)

	// Setter redeems; the grant is session-scoped.
	resp, _ = doJSON(t, srv, http.MethodPost, "/unlock/redeem", setterToken, map[string]string{
		"paper_id": paperID, "key": key,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, srv, http.MethodPut, "/papers/"+paperID, setterToken, map[string]string{
		"title": "Amended", "content": "Q1 fixed",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The persisted seal is untouched and the key is spent.
	resp, fetched := doJSON(t, srv, http.MethodGet, "/papers/"+paperID, setterToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, fetched["is_locked"])

	resp, _ = doJSON(t, srv, http.MethodPost, "/unlock/redeem", setterToken, map[string]string{
		"paper_id": paperID, "key": key,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The workflow left an audit trail visible to the authoriser.
	resp, logs := doJSONList(t, srv, "/logs", authoriserToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, logs)
}

func TestWhitelistManagement_authoriserOnly(t *testing.T) {
	srv := newTestServer(t)
	setterToken := login(t, srv, "setter@example.edu", "SETTER")
	authoriserToken := login(t, srv, "authoriser@example.edu", "AUTHORISER")

	resp, _ := doJSON(t, srv, http.MethodPost, "/whitelist", setterToken, map[string]string{"email": "new@example.edu"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = doJSON(t, srv, http.MethodPost, "/whitelist", authoriserToken, map[string]string{"email": "new@example.edu"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, srv, http.MethodPost, "/auth/identity", "", map[string]string{
		"email": "new@example.edu", "role": "SETTER",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMe_returnsAuthenticatedUser(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv, "setter@example.edu", "SETTER")

	resp, me := doJSON(t, srv, http.MethodGet, "/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "setter@example.edu", me["email"])
	assert.Equal(t, "SETTER", me["role"])

	resp, _ = doJSON(t, srv, http.MethodGet, "/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestForensics_simulatedAttribution(t *testing.T) {
	srv := newTestServer(t)
	login(t, srv, "setter@example.edu", "SETTER")
	authoriserToken := login(t, srv, "authoriser@example.edu", "AUTHORISER")

	image := base64.StdEncoding.EncodeToString([]byte("leaked-photo"))
	resp, report := doJSON(t, srv, http.MethodPost, "/forensics/analyze", authoriserToken, map[string]string{"image": image})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "setter@example.edu", report["email"])
	assert.Equal(t, "VERIFIED_DB_IDENTITY", report["identityStatus"])
}
