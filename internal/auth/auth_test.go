package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTRoundTrip(t *testing.T) {
	j := NewJWT("s3cret", time.Hour)
	tok, err := j.Sign("observer")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sub, err := j.Verify(tok)
	if err != nil || sub != "observer" {
		t.Fatalf("Verify = %q, %v", sub, err)
	}

	if _, err := NewJWT("other", time.Hour).Verify(tok); err == nil {
		t.Error("token verified with the wrong secret")
	}
}

func TestJWTRejectsExpiredAndUnsigned(t *testing.T) {
	j := NewJWT("s3cret", time.Hour)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "observer",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	s, _ := expired.SignedString([]byte("s3cret"))
	if _, err := j.Verify(s); err == nil {
		t.Error("expired token accepted")
	}

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "observer"})
	s, _ = noExp.SignedString([]byte("s3cret"))
	if _, err := j.Verify(s); err == nil {
		t.Error("token without exp accepted")
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "observer",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, _ = none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := j.Verify(s); err == nil {
		t.Error("unsigned token accepted")
	}
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !ComparePassword(hash, "correct horse") {
		t.Error("correct password rejected")
	}
	if ComparePassword(hash, "wrong") {
		t.Error("wrong password accepted")
	}
}

func TestRequireAuth(t *testing.T) {
	j := NewJWT("s3cret", time.Hour)
	tok, _ := j.Sign("observer")

	var gotSub string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSub, _ = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := RequireAuth(j)(next)

	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"no token", "/ws", "", http.StatusUnauthorized},
		{"bad token", "/ws", "Bearer nope", http.StatusUnauthorized},
		{"bearer header", "/ws", "Bearer " + tok, http.StatusNoContent},
		{"query param", "/ws?token=" + tok, "", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotSub = ""
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if tc.want == http.StatusNoContent && gotSub != "observer" {
				t.Errorf("subject = %q", gotSub)
			}
		})
	}
}

func TestRequireAuthDisabled(t *testing.T) {
	h := RequireAuth(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
}
