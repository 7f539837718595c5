package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/and161185/report-keeper/internal/blob"
	"github.com/and161185/report-keeper/internal/limiter"
	"github.com/and161185/report-keeper/internal/model"
	"github.com/and161185/report-keeper/internal/notify"
	"github.com/and161185/report-keeper/internal/repository"
	"github.com/and161185/report-keeper/internal/repository/memory"
)

type fakeLimiter struct {
	mu sync.Mutex

	allowOK  bool
	allowErr error

	failBlocked bool
	failErr     error

	allowCalls   int
	failureCalls int
	successCalls int
	subjects     []string
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(_ context.Context, subject string, _ []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowCalls++
	l.subjects = append(l.subjects, subject)
	return l.allowOK, 0, l.allowErr
}
func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successCalls++
	return nil
}
func (l *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failureCalls++
	return l.failBlocked, 0, l.failErr
}

// fakeNotifier remembers the last code sent to each address.
type fakeNotifier struct {
	mu    sync.Mutex
	codes map[string]string
	sent  int
	err   error
}

var _ notify.Notifier = (*fakeNotifier)(nil)

func (n *fakeNotifier) SendVerificationCode(_ context.Context, email, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.codes == nil {
		n.codes = map[string]string{}
	}
	n.sent++
	n.codes[email] = code
	return n.err
}

func (n *fakeNotifier) code(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[email]
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// env wires every service over the in-memory store and a temp-dir blob store.
type env struct {
	store    *memory.Store
	users    *repository.UserRepo
	sessRepo *repository.SessionRepo
	ledgers  *repository.LedgerRepo
	counters *repository.CounterRepo
	blobs    *blob.FS

	files    *AttachmentStoreImpl
	identity *IdentityServiceImpl
	sessions *SessionManagerImpl
	ledger   *LedgerServiceImpl
	sweeper  *Sweeper

	notifier *fakeNotifier
	lim      *fakeLimiter
	clock    *clock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := zaptest.NewLogger(t)
	st := memory.New()
	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	e := &env{
		store:    st,
		users:    repository.NewUserRepo(st),
		sessRepo: repository.NewSessionRepo(st),
		ledgers:  repository.NewLedgerRepo(st),
		counters: repository.NewCounterRepo(st),
		blobs:    blobs,
		notifier: &fakeNotifier{},
		lim:      &fakeLimiter{allowOK: true},
		clock:    &clock{t: time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC)},
	}
	policy := LockPolicy{After: DefaultLockAfterDays}
	e.files = NewAttachmentStore(blobs, e.counters, log)
	e.identity = NewIdentityService(e.users, e.counters, e.files, log)
	e.identity.now = e.clock.Now
	e.sessions = NewSessionManager(e.identity, e.sessRepo, e.notifier, e.lim, time.Minute, log)
	e.sessions.now = e.clock.Now
	e.ledger = NewLedgerService(e.users, e.sessRepo, e.ledgers, e.counters, e.files, policy, log)
	e.ledger.now = e.clock.Now
	e.sweeper = NewSweeper(e.users, e.ledgers, policy, log)
	e.sweeper.now = e.clock.Now
	return e
}

func (e *env) mustUser(t *testing.T, username, role string) *model.User {
	t.Helper()
	u, err := e.identity.CreateUser(context.Background(), model.NewUser{
		Username: username,
		Role:     role,
		Email:    username + "@example.com",
	})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return u
}

// mustLogin runs login and verify and returns the approved api key.
func (e *env) mustLogin(t *testing.T, u *model.User) string {
	t.Helper()
	ctx := context.Background()
	out, err := e.sessions.Login(ctx, model.Credentials{LoginParam: model.LoginByUsername, Value: u.Username})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := e.sessions.Verify(ctx, out.APIKey, e.notifier.code(u.Email)); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	return out.APIKey
}
