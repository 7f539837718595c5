package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/report-keeper/internal/blob"
	"github.com/and161185/report-keeper/internal/limiter"
	"github.com/and161185/report-keeper/internal/model"
	"github.com/and161185/report-keeper/internal/repository"
	"github.com/and161185/report-keeper/internal/repository/memory"
	"github.com/and161185/report-keeper/internal/service"
)

type codeBox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (b *codeBox) SendVerificationCode(_ context.Context, email, code string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.codes[email] = code
	return nil
}

func (b *codeBox) get(email string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.codes[email]
}

type testAPI struct {
	e        *echo.Echo
	identity *service.IdentityServiceImpl
	ledger   *service.LedgerServiceImpl
	links    *service.FileLinks
	codes    *codeBox
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log := zaptest.NewLogger(t)
	st := memory.New()
	users := repository.NewUserRepo(st)
	sessions := repository.NewSessionRepo(st)
	ledgers := repository.NewLedgerRepo(st)
	counters := repository.NewCounterRepo(st)
	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	codes := &codeBox{codes: map[string]string{}}
	lim := limiter.NewMemory(limiter.Policy{Window: time.Minute, MaxFails: 5, BlockFor: time.Minute})

	files := service.NewAttachmentStore(blobs, counters, log)
	identity := service.NewIdentityService(users, counters, files, log)
	sm := service.NewSessionManager(identity, sessions, codes, lim, time.Minute, log)
	ledger := service.NewLedgerService(users, sessions, ledgers, counters, files, service.LockPolicy{After: 30}, log)
	links := service.NewFileLinks([]byte("link-key"), time.Minute)

	srv := New(sm, identity, ledger, files, links, "1M", log)
	return &testAPI{e: srv.Echo(), identity: identity, ledger: ledger, links: links, codes: codes}
}

func (a *testAPI) do(t *testing.T, method, target, key string, body io.Reader, contentType string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	if key != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

func (a *testAPI) doJSON(t *testing.T, method, target, key string, v any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var body io.Reader
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(b)
	}
	return a.do(t, method, target, key, body, echo.MIMEApplicationJSON)
}

type filePart struct {
	field, name, content string
}

func multipartBody(t *testing.T, fields map[string]string, files ...filePart) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	for _, f := range files {
		fw, err := w.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := fw.Write([]byte(f.content)); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, w.FormDataContentType()
}

// signIn creates a user and returns an approved api key.
func (a *testAPI) signIn(t *testing.T, username, role string) (*model.User, string) {
	t.Helper()
	u, err := a.identity.CreateUser(context.Background(), model.NewUser{Username: username, Role: role, Email: username + "@example.com"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	rec, body := a.doJSON(t, http.MethodPost, "/api/auth/login", "", map[string]string{"login_param": "username", "value": username})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	key, _ := body["api_key"].(string)
	rec, _ = a.doJSON(t, http.MethodPost, "/api/auth/login/verify?code="+a.codes.get(u.Email), key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body.String())
	}
	return u, key
}
