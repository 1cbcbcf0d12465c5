package issuer

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/sirupsen/logrus"

	"github.com/sdms-suite/sdms-idp/internal/config"
)

const (
	ClaimAMR      = "amr"
	ClaimATHash   = "at_hash"
	ClaimAuthTime = "auth_time"
	ClaimAZP      = "azp"
	ClaimClientID = "client_id"
	ClaimNonce    = "nonce"
	ClaimRoles    = "roles"
	ClaimScope    = "scope"
	ClaimSID      = "sid"
	ClaimTokenUse = "token_use"

	tokenUseAccess = "access"
	tokenUseID     = "id"
)

// ErrInvalidToken is returned for tokens that are malformed, expired,
// not signed by a published key or not meant for the caller.
var ErrInvalidToken = errors.New("invalid token")

func Algorithm() jwa.SignatureAlgorithm { return jwa.RS256() }

type Issuer interface {
	IssueAccessToken(req *AccessTokenRequest, now time.Time) (string, time.Time, error)
	IssueIDToken(req *IDTokenRequest, now time.Time) (string, error)
	VerifyAccessToken(bearerToken string, now time.Time, iss string) (*AccessTokenClaims, error)
	ParseIDTokenHint(idToken string, now time.Time, iss string) (*IDTokenHint, error)
	PublicKeys(now time.Time) []jwk.Key
}

type AccessTokenRequest struct {
	Issuer    string
	Subject   string
	ClientID  string
	SessionID string
	Scopes    []string
	Roles     []string
}

type IDTokenRequest struct {
	Issuer      string
	Subject     string
	ClientID    string
	SessionID   string
	Nonce       string
	AccessToken string
	AuthTime    time.Time
	AMR         []string

	// Claims holds the profile, email and roles claims already selected
	// by granted scope.
	Claims map[string]any
}

// AccessTokenClaims is the verified content of an access token.
type AccessTokenClaims struct {
	Subject   string
	ClientID  string
	SessionID string
	JWTID     string
	Scopes    []string
	Roles     []string
	IssuedAt  time.Time
	Expiry    time.Time
}

// IDTokenHint identifies the user and client of a previously issued ID
// token. Expired tokens are accepted as hints.
type IDTokenHint struct {
	Subject   string
	ClientID  string
	SessionID string
}

type tokenIssuer struct {
	privateKeySource
	accessTokenDuration time.Duration
	idTokenDuration     time.Duration
}

// New builds an issuer signing with the configured key file, or with
// automatically rotated in-memory keys when no file is configured.
func New(tokens *config.TokensConfig, signingKey *config.SigningKeyConfig) (Issuer, error) {
	var source privateKeySource
	if signingKey.File != "" {
		s, err := newStaticPrivateKeySource(signingKey.File)
		if err != nil {
			return nil, err
		}
		source = s
	} else {
		source = &automaticPrivateKeySource{
			rotation:    tokens.KeyRotation,
			verifyGrace: tokens.MaxSignedTokenDuration(),
		}
	}
	return &tokenIssuer{
		privateKeySource:    source,
		accessTokenDuration: tokens.AccessToken,
		idTokenDuration:     tokens.IDToken,
	}, nil
}

func (t *tokenIssuer) IssueAccessToken(req *AccessTokenRequest, now time.Time) (string, time.Time, error) {
	exp := now.Add(t.accessTokenDuration)

	b := jwt.NewBuilder().
		Issuer(req.Issuer).
		Subject(req.Subject).
		Audience([]string{req.Issuer, req.ClientID}).
		Expiration(exp).
		NotBefore(now).
		IssuedAt(now).
		JwtID(uuid.NewString()).
		Claim(ClaimTokenUse, tokenUseAccess).
		Claim(ClaimClientID, req.ClientID).
		Claim(ClaimScope, strings.Join(req.Scopes, " "))
	if len(req.Roles) > 0 {
		b = b.Claim(ClaimRoles, req.Roles)
	}
	if req.SessionID != "" {
		b = b.Claim(ClaimSID, req.SessionID)
	}

	signed, err := t.sign(b, now)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (t *tokenIssuer) IssueIDToken(req *IDTokenRequest, now time.Time) (string, error) {
	b := jwt.NewBuilder()
	for k, v := range req.Claims {
		b = b.Claim(k, v)
	}
	b = b.
		Issuer(req.Issuer).
		Subject(req.Subject).
		Audience([]string{req.ClientID}).
		Expiration(now.Add(t.idTokenDuration)).
		IssuedAt(now).
		JwtID(uuid.NewString()).
		Claim(ClaimTokenUse, tokenUseID).
		Claim(ClaimAZP, req.ClientID).
		Claim(ClaimAuthTime, req.AuthTime.Unix())
	if req.Nonce != "" {
		b = b.Claim(ClaimNonce, req.Nonce)
	}
	if req.AccessToken != "" {
		b = b.Claim(ClaimATHash, AccessTokenHash(req.AccessToken))
	}
	if req.SessionID != "" {
		b = b.Claim(ClaimSID, req.SessionID)
	}
	if len(req.AMR) > 0 {
		b = b.Claim(ClaimAMR, req.AMR)
	}

	return t.sign(b, now)
}

func (t *tokenIssuer) sign(b *jwt.Builder, now time.Time) (string, error) {
	tok, err := b.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	cur, err := t.current(now)
	if err != nil {
		return "", fmt.Errorf("failed to get current private key: %w", err)
	}
	keyID, ok := cur.KeyID()
	if !ok {
		return "", fmt.Errorf("private key has no key ID")
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(Algorithm(), cur))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	// Log the token issuance.
	raw, _ := json.Marshal(tok)
	var claims map[string]any
	_ = json.Unmarshal(raw, &claims)
	logData := logrus.Fields{
		jwk.KeyIDKey: keyID,
		"claims":     claims,
	}
	logrus.WithField("token", logData).Info("token issued")

	return string(signed), nil
}

func (t *tokenIssuer) VerifyAccessToken(bearerToken string, now time.Time, iss string) (*AccessTokenClaims, error) {
	token, err := t.parse(bearerToken, now,
		jwt.WithIssuer(iss),
		jwt.WithAudience(iss),
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })))
	if err != nil {
		return nil, err
	}

	if exp, ok := token.Expiration(); !ok || now.After(exp) {
		return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	if use := stringClaim(token, ClaimTokenUse); use != tokenUseAccess {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}

	claims := &AccessTokenClaims{
		ClientID:  stringClaim(token, ClaimClientID),
		SessionID: stringClaim(token, ClaimSID),
		Scopes:    strings.Fields(stringClaim(token, ClaimScope)),
		Roles:     stringsClaim(token, ClaimRoles),
	}
	claims.Subject, _ = token.Subject()
	claims.JWTID, _ = token.JwtID()
	claims.IssuedAt, _ = token.IssuedAt()
	claims.Expiry, _ = token.Expiration()
	return claims, nil
}

func (t *tokenIssuer) ParseIDTokenHint(idToken string, now time.Time, iss string) (*IDTokenHint, error) {
	token, err := t.parse(idToken, now, jwt.WithValidate(false))
	if err != nil {
		return nil, err
	}

	if tokIss, _ := token.Issuer(); tokIss != iss {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	}
	if use := stringClaim(token, ClaimTokenUse); use != tokenUseID {
		return nil, fmt.Errorf("%w: not an ID token", ErrInvalidToken)
	}

	hint := &IDTokenHint{
		ClientID:  stringClaim(token, ClaimAZP),
		SessionID: stringClaim(token, ClaimSID),
	}
	hint.Subject, _ = token.Subject()
	return hint, nil
}

// parse tries every published verification key.
func (t *tokenIssuer) parse(s string, now time.Time, opts ...jwt.ParseOption) (jwt.Token, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	var lastErr error = ErrInvalidToken
	for _, key := range t.publicKeys(now) {
		token, err := jwt.ParseString(s, append([]jwt.ParseOption{jwt.WithKey(Algorithm(), key)}, opts...)...)
		if err != nil {
			lastErr = fmt.Errorf("%w: %w", ErrInvalidToken, err)
			continue
		}
		return token, nil
	}
	return nil, lastErr
}

func (t *tokenIssuer) PublicKeys(now time.Time) []jwk.Key {
	return t.publicKeys(now)
}

// AccessTokenHash computes the at_hash claim: the left half of the SHA-256
// digest of the access token, base64url-encoded.
func AccessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func stringClaim(token jwt.Token, name string) string {
	var s string
	if err := token.Get(name, &s); err != nil {
		return ""
	}
	return s
}

func stringsClaim(token jwt.Token, name string) []string {
	var raw []any
	if err := token.Get(name, &raw); err != nil {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
