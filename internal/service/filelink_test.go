package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/report-keeper/internal/errs"
	"github.com/and161185/report-keeper/internal/model"
)

func TestFileLinks_SignVerify(t *testing.T) {
	t.Parallel()
	c := &clock{t: time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)}
	l := NewFileLinks([]byte("secret"), time.Minute)
	l.now = c.Now

	tok, exp, err := l.Sign(3, "K1", "reports/1/2.png")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !exp.Equal(c.Now().Add(time.Minute)) {
		t.Fatalf("unexpected expiry %v", exp)
	}

	g, err := l.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if g.UserID != 3 || g.Path != "reports/1/2.png" {
		t.Fatalf("got %+v", g)
	}
	if !g.IssuedFor("K1") {
		t.Fatalf("grant must match the signing key")
	}
	if g.IssuedFor("K2") || g.IssuedFor("") {
		t.Fatalf("grant must not match a rotated key")
	}

	// within leeway
	c.Add(time.Minute + 10*time.Second)
	if _, err := l.Verify(tok); err != nil {
		t.Fatalf("want token valid within leeway: %v", err)
	}

	c.Add(time.Minute)
	if _, err := l.Verify(tok); !errors.Is(err, errs.ErrUnauthenticated) {
		t.Fatalf("want expired token rejected, got %v", err)
	}
}

func TestFileLinks_RejectsForeignTokens(t *testing.T) {
	t.Parallel()
	l := NewFileLinks([]byte("secret"), 0)
	other := NewFileLinks([]byte("other"), 0)

	if _, _, err := l.Sign(1, "", "reports/1/1.txt"); !errors.Is(err, errs.ErrInvalidAPIKey) {
		t.Fatalf("want empty key rejected, got %v", err)
	}

	tok, _, err := other.Sign(1, "K1", "reports/1/1.txt")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := l.Verify(tok); !errors.Is(err, errs.ErrUnauthenticated) {
		t.Fatalf("want bad signature rejected, got %v", err)
	}

	// well signed but not bound to any key
	unbound := jwt.NewWithClaims(jwt.SigningMethodHS256, fileClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Path: "reports/1/1.txt",
	})
	s, err := unbound.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("unbound token: %v", err)
	}
	if _, err := l.Verify(s); !errors.Is(err, errs.ErrUnauthenticated) {
		t.Fatalf("want unbound token rejected, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, fileClaims{Path: "x", KeyHash: keyFingerprint("K1")})
	s, err = none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("none token: %v", err)
	}
	if _, err := l.Verify(s); !errors.Is(err, errs.ErrUnauthenticated) {
		t.Fatalf("want alg none rejected, got %v", err)
	}
	if _, err := l.Verify("garbage"); !errors.Is(err, errs.ErrUnauthenticated) {
		t.Fatalf("want garbage rejected, got %v", err)
	}
}

func TestAttachments_SaveSanitisesAndCounts(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	a, err := e.files.Save(ctx, RecordScope(9), model.Upload{Name: `C:\tmp\evil..\x.TAR.GZ`, Data: []byte("1")})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if a.ID != 1 || a.Path != "reports/9/1.gz" || a.Name != "x.TAR.GZ" {
		t.Fatalf("unexpected attachment %+v", a)
	}
	b, err := e.files.Save(ctx, RecordScope(9), model.Upload{Name: "noext", Data: []byte("2")})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if b.ID != 2 || b.Path != "reports/9/2" || b.ContentType != defaultContentType {
		t.Fatalf("unexpected attachment %+v", b)
	}

	if err := e.files.Delete(ctx, a); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := e.files.Delete(ctx, a); err != nil {
		t.Fatalf("Delete must be idempotent: %v", err)
	}
	if err := e.files.DeleteAll(ctx, ""); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("want empty scope rejected, got %v", err)
	}
	if err := e.files.DeleteAll(ctx, RecordScope(9)); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if _, err := e.files.Open(ctx, b.Path); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want blob gone, got %v", err)
	}
}

func TestAuthCtx(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, ok := PrincipalFromCtx(ctx); ok {
		t.Fatalf("want no principal")
	}
	if RemoteIPFromCtx(ctx) != "" {
		t.Fatalf("want empty ip")
	}
	p := &Principal{User: &model.User{ID: 1}}
	ctx = WithPrincipal(WithRemoteIP(ctx, "10.0.0.1"), p)
	got, ok := PrincipalFromCtx(ctx)
	if !ok || got != p {
		t.Fatalf("principal not round-tripped")
	}
	if RemoteIPFromCtx(ctx) != "10.0.0.1" {
		t.Fatalf("ip not round-tripped")
	}
}
