package httpapi

import (
	"errors"
	"strings"
	"time"
	"unicode"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"kasirsync/internal/domain"
)

const maxTerminalIDLength = 64

var errInvalidCredentials = errors.New("invalid credentials")

// AuthManager issues and verifies bearer tokens. Terminals enroll with the
// shared enrollment key; the back office authenticates with the admin key.
// Both keys are kept only as bcrypt hashes.
type AuthManager struct {
	secret         []byte
	tokenTTL       time.Duration
	enrollmentHash string
	adminHash      string
}

type syncClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, enrollmentKey string, adminKey string) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		secret:         []byte(secret),
		tokenTTL:       tokenTTL,
		enrollmentHash: hashKey(enrollmentKey),
		adminHash:      hashKey(adminKey),
	}
}

// IssueToken exchanges a key for a signed token. The admin key wins when both
// keys are configured to the same value.
func (a *AuthManager) IssueToken(req domain.TokenRequest) (domain.TokenResponse, error) {
	key := strings.TrimSpace(req.EnrollmentKey)
	if key == "" {
		return domain.TokenResponse{}, errInvalidCredentials
	}

	var subject, role string
	switch {
	case verifyKey(a.adminHash, key):
		subject, role = "admin", domain.RoleAdmin
	case verifyKey(a.enrollmentHash, key):
		terminalID := strings.TrimSpace(req.TerminalID)
		if err := validateTerminalID(terminalID); err != nil {
			return domain.TokenResponse{}, err
		}
		subject, role = terminalID, domain.RoleTerminal
	default:
		return domain.TokenResponse{}, errInvalidCredentials
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(subject, role, expiresAt)
	if err != nil {
		return domain.TokenResponse{}, err
	}
	return domain.TokenResponse{
		AccessToken: token,
		Role:        role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &syncClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if claims.Role != domain.RoleTerminal && claims.Role != domain.RoleAdmin {
		return domain.Actor{}, errors.New("invalid token role")
	}
	return domain.Actor{Subject: sub, Role: claims.Role}, nil
}

func (a *AuthManager) sign(subject, role string, expiresAt time.Time) (string, error) {
	claims := syncClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "kasirsync",
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func validateTerminalID(id string) error {
	if id == "" {
		return errors.New("terminal_id is required")
	}
	if len(id) > maxTerminalIDLength {
		return errors.New("terminal_id is too long")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || r == '/' {
			return errors.New("terminal_id must not contain spaces or '/'")
		}
	}
	return nil
}

// hashKey returns "" for an unset key, which never verifies.
func hashKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return ""
	}
	return string(hashed)
}

func verifyKey(hash string, input string) bool {
	if hash == "" || input == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(input)) == nil
}
