package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
)

func TestVerifier_TokenOnly(t *testing.T) {
	tok := newTestTokens(t)
	v, err := NewVerifier(tok, nil)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := tok.Issue(Identity{UserID: "u1", CompanyID: "c1", Email: "a@x.io", Role: "agent"})
	id, err := v.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.CompanyID != "c1" || id.UserID != "u1" {
		t.Errorf("identity = %+v", id)
	}
}

func TestNewVerifier_NilTokens(t *testing.T) {
	if _, err := NewVerifier(nil, nil); err == nil {
		t.Error("expected error for nil tokens")
	}
}

func TestVerifier_ActiveUser(t *testing.T) {
	gdb := openTestDB(t)
	svc := newTestService(t, gdb, "")
	ctx := context.Background()
	sess, err := svc.Register(ctx, RegisterInput{Name: "Ana", Email: "a@x.io", Password: "secret1", CompanyName: "Acme"})
	if err != nil {
		t.Fatal(err)
	}

	v, _ := NewVerifier(svc.tokens, gdb)
	id, err := v.Verify(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.CompanyID != sess.User.CompanyID {
		t.Errorf("CompanyID = %q, want %q", id.CompanyID, sess.User.CompanyID)
	}
	if id.Name != "Ana" {
		t.Errorf("Name = %q, want Ana (loaded from store)", id.Name)
	}
}

// A deactivated user's token is still well-formed and unexpired, but
// verification must fail.
func TestVerifier_DeactivatedUser(t *testing.T) {
	gdb := openTestDB(t)
	svc := newTestService(t, gdb, "")
	ctx := context.Background()
	sess, err := svc.Register(ctx, RegisterInput{Name: "Ana", Email: "a@x.io", Password: "secret1", CompanyName: "Acme"})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.SetActive(ctx, "a@x.io", false); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.tokens.Parse(sess.Token); err != nil {
		t.Fatalf("token itself should still parse: %v", err)
	}
	v, _ := NewVerifier(svc.tokens, gdb)
	_, err = v.Verify(ctx, sess.Token)
	if !errors.Is(err, ErrInactiveIdentity) {
		t.Errorf("err = %v, want ErrInactiveIdentity", err)
	}
}

func TestVerifier_CompanyMismatch(t *testing.T) {
	gdb := openTestDB(t)
	svc := newTestService(t, gdb, "")
	ctx := context.Background()
	sess, err := svc.Register(ctx, RegisterInput{Name: "Ana", Email: "a@x.io", Password: "secret1", CompanyName: "Acme"})
	if err != nil {
		t.Fatal(err)
	}
	forged, _ := svc.tokens.Issue(Identity{UserID: sess.User.ID, CompanyID: "someone-else"})
	v, _ := NewVerifier(svc.tokens, gdb)
	if _, err := v.Verify(ctx, forged); !errors.Is(err, ErrAuth) {
		t.Errorf("err = %v, want ErrAuth", err)
	}
}

func TestHandshakeFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q1", nil)
	r.Header.Set("Authorization", "Bearer h1")
	h := HandshakeFromRequest(r)
	if h.Query != "q1" || h.Header != "Bearer h1" {
		t.Errorf("Handshake = %+v", h)
	}
	if got := ExtractToken(h); got != "q1" {
		t.Errorf("ExtractToken = %q, want q1", got)
	}
}
