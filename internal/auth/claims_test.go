package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-jwt-signing"

func TestGenerateAndParseAccessToken(t *testing.T) {
	id := Identity{Subject: "usr-001", TenantID: "acme", Role: RoleAdmin}

	token, err := GenerateAccessToken(id, testSecret, "homelink-idp", 15*time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateAccessToken() returned empty token")
	}

	claims, err := ParseToken(token, testSecret, "homelink-idp")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if got := claims.Identity(); got != id {
		t.Errorf("Identity() = %+v, want %+v", got, id)
	}
	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}
}

func TestParseToken_Rejections(t *testing.T) {
	valid := Identity{Subject: "usr-001", TenantID: "acme", Role: RoleViewer}
	mint := func(t *testing.T, id Identity, issuer string) string {
		t.Helper()
		tok, err := GenerateAccessToken(id, testSecret, issuer, time.Minute)
		if err != nil {
			t.Fatalf("GenerateAccessToken() error = %v", err)
		}
		return tok
	}

	tests := []struct {
		name   string
		token  func(t *testing.T) string
		secret string
		issuer string
		want   error
	}{
		{
			name:   "wrong secret",
			token:  func(t *testing.T) string { return mint(t, valid, "") },
			secret: "wrong-secret",
			want:   ErrTokenInvalid,
		},
		{
			name:   "garbage",
			token:  func(*testing.T) string { return "not-a-valid-jwt" },
			secret: testSecret,
			want:   ErrTokenInvalid,
		},
		{
			name:   "empty",
			token:  func(*testing.T) string { return "" },
			secret: testSecret,
			want:   ErrTokenInvalid,
		},
		{
			name:   "wrong issuer",
			token:  func(t *testing.T) string { return mint(t, valid, "someone-else") },
			secret: testSecret,
			issuer: "homelink-idp",
			want:   ErrTokenInvalid,
		},
		{
			name:   "no tenant",
			token:  func(t *testing.T) string { return mint(t, Identity{Subject: "usr-001", Role: RoleAdmin}, "") },
			secret: testSecret,
			want:   ErrTenantMissing,
		},
		{
			name: "unknown role",
			token: func(t *testing.T) string {
				return mint(t, Identity{Subject: "usr-001", TenantID: "acme", Role: "owner"}, "")
			},
			secret: testSecret,
			want:   ErrTokenInvalid,
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				claims := CustomClaims{
					RegisteredClaims: jwt.RegisteredClaims{
						Subject:   "usr-001",
						ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
					},
					TenantID: "acme",
					Role:     RoleViewer,
				}
				tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
				if err != nil {
					t.Fatalf("SignedString() error = %v", err)
				}
				return tok
			},
			secret: testSecret,
			want:   ErrTokenExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(tt.token(t), tt.secret, tt.issuer)
			if !errors.Is(err, tt.want) {
				t.Errorf("ParseToken() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestGenerateAccessToken_DefaultTTL(t *testing.T) {
	id := Identity{Subject: "usr-001", TenantID: "acme", Role: RoleOperator}

	token, err := GenerateAccessToken(id, testSecret, "", 0)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	claims, err := ParseToken(token, testSecret, "")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	expectedExpiry := time.Now().Add(15 * time.Minute)
	diff := claims.ExpiresAt.Time.Sub(expectedExpiry)
	if diff < -time.Minute || diff > time.Minute {
		t.Errorf("default TTL should be ~15 minutes, got expiry diff of %v", diff)
	}
}

func TestIdentityContext(t *testing.T) {
	if _, ok := IdentityFrom(context.Background()); ok {
		t.Error("IdentityFrom(empty) ok = true")
	}
	id := Identity{Subject: "usr-001", TenantID: "acme", Role: RoleViewer}
	got, ok := IdentityFrom(WithIdentity(context.Background(), id))
	if !ok || got != id {
		t.Errorf("IdentityFrom() = %+v, %v", got, ok)
	}
}
