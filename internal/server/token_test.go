package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwt"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/oauth2"

	"github.com/sdms-suite/sdms-idp/internal/account"
	"github.com/sdms-suite/sdms-idp/internal/config"
	"github.com/sdms-suite/sdms-idp/internal/constants"
	"github.com/sdms-suite/sdms-idp/internal/issuer"
	"github.com/sdms-suite/sdms-idp/internal/store"
)

// issueCode stores a code for the user as if the authorization request had
// been granted.
func (e *testEnv) issueCode(t *testing.T, user *account.User, clientID, redirectURI, challenge string, scopes ...string) string {
	t.Helper()
	return e.storeCode(t, &store.Transaction{
		ClientParams: store.TransactionClientParams{
			ClientID:      clientID,
			RedirectURL:   redirectURI,
			Scopes:        scopes,
			State:         "client-state",
			Nonce:         "client-nonce",
			CodeChallenge: challenge,
		},
		Host: testHost,
	}, &store.Grant{
		UserID:   user.ID,
		LoginID:  "sid-1",
		Scopes:   scopes,
		AuthTime: time.Now().Add(-time.Minute).Truncate(time.Second),
		AMR:      []string{constants.AuthMethodPassword},
	})
}

func tokenRequest(form url.Values, clientID, secret string) *http.Request {
	req := formRequest(pathToken, form)
	req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(secret))
	return req
}

func stringClaim(token jwt.Token, name string) string {
	var s string
	if err := token.Get(name, &s); err != nil {
		return ""
	}
	return s
}

func TestToken_AuthorizationCode(t *testing.T) {
	verifier := oauth2.GenerateVerifier()

	tests := []struct {
		name              string
		codeClient        string
		codeRedirect      string
		codeChallenge     string
		scopes            []string
		request           func(code string) *http.Request
		expectedStatus    int
		expectedError     string
		expectedIDToken   bool
		expectedRefresh   bool
		expectedBasicAuth bool
	}{
		{
			name:         "client_secret_basic",
			codeClient:   testPortalClient,
			codeRedirect: testPortalRedirect,
			scopes:       []string{"openid", "profile", "email", "offline_access"},
			request: func(code string) *http.Request {
				return tokenRequest(url.Values{
					constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
					constants.QueryParamAuthorizationCode: {code},
					constants.QueryParamRedirectURI:       {testPortalRedirect},
				}, testPortalClient, testPortalSecret)
			},
			expectedStatus:  http.StatusOK,
			expectedIDToken: true,
			expectedRefresh: true,
		},
		{
			name:         "client_secret_post without redirect_uri",
			codeClient:   testPortalClient,
			codeRedirect: testPortalRedirect,
			scopes:       []string{"openid"},
			request: func(code string) *http.Request {
				return formRequest(pathToken, url.Values{
					constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
					constants.QueryParamAuthorizationCode: {code},
					constants.QueryParamClientID:          {testPortalClient},
					constants.FormParamClientSecret:       {testPortalSecret},
				})
			},
			expectedStatus:  http.StatusOK,
			expectedIDToken: true,
		},
		{
			name:         "plain OAuth 2.0 without openid",
			codeClient:   testPortalClient,
			codeRedirect: testPortalRedirect,
			scopes:       []string{"roles"},
			request: func(code string) *http.Request {
				return tokenRequest(url.Values{
					constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
					constants.QueryParamAuthorizationCode: {code},
				}, testPortalClient, testPortalSecret)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:          "public client with PKCE",
			codeClient:    testSPAClient,
			codeRedirect:  testSPARedirect,
			codeChallenge: pkceS256Challenge(verifier),
			scopes:        []string{"openid", "offline_access"},
			request: func(code string) *http.Request {
				return formRequest(pathToken, url.Values{
					constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
					constants.QueryParamAuthorizationCode: {code},
					constants.QueryParamClientID:          {testSPAClient},
					constants.QueryParamRedirectURI:       {testSPARedirect},
					constants.QueryParamCodeVerifier:      {verifier},
				})
			},
			expectedStatus:  http.StatusOK,
			expectedIDToken: true,
			expectedRefresh: true,
		},
		{
			name:          "public client without verifier",
			codeClient:    testSPAClient,
			codeRedirect:  testSPARedirect,
			codeChallenge: pkceS256Challenge(verifier),
			scopes:        []string{"openid"},
			request: func(code string) *http.Request {
				return formRequest(pathToken, url.Values{
					constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
					constants.QueryParamAuthorizationCode: {code},
					constants.QueryParamClientID:          {testSPAClient},
					constants.QueryParamRedirectURI:       {testSPARedirect},
				})
			},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_grant",
		},
		{
			name:          "public client with wrong verifier",
			codeClient:    testSPAClient,
			codeRedirect:  testSPARedirect,
			codeChallenge: pkceS256Challenge(verifier),
			scopes:        []string{"openid"},
			request: func(code string) *http.Request {
				return formRequest(pathToken, url.Values{
					constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
					constants.QueryParamAuthorizationCode: {code},
					constants.QueryParamClientID:          {testSPAClient},
					constants.QueryParamRedirectURI:       {testSPARedirect},
					constants.QueryParamCodeVerifier:      {oauth2.GenerateVerifier()},
				})
			},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_grant",
		},
		{
			name:         "public client with secret",
			codeClient:   testSPAClient,
			codeRedirect: testSPARedirect,
			scopes:       []string{"openid"},
			request: func(code string) *http.Request {
				return tokenRequest(url.Values{
					constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
					constants.QueryParamAuthorizationCode: {code},
				}, testSPAClient, "some-secret")
			},
			expectedStatus:    http.StatusUnauthorized,
			expectedError:     "invalid_client",
			expectedBasicAuth: true,
		},
		{
			name:         "code issued to another client",
			codeClient:   testPortalClient,
			codeRedirect: testPortalRedirect,
			scopes:       []string{"openid"},
			request: func(code string) *http.Request {
				return tokenRequest(url.Values{
					constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
					constants.QueryParamAuthorizationCode: {code},
				}, testGatewayClient, testGatewaySecret)
			},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_grant",
		},
		{
			name:         "redirect_uri mismatch",
			codeClient:   testSPAClient,
			codeRedirect: testSPARedirect,
			scopes:       []string{"openid"},
			request: func(code string) *http.Request {
				return formRequest(pathToken, url.Values{
					constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
					constants.QueryParamAuthorizationCode: {code},
					constants.QueryParamClientID:          {testSPAClient},
					constants.QueryParamRedirectURI:       {testSPAOrigin + "/silent-renew"},
				})
			},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_grant",
		},
		{
			name:         "wrong client secret",
			codeClient:   testPortalClient,
			codeRedirect: testPortalRedirect,
			scopes:       []string{"openid"},
			request: func(code string) *http.Request {
				return tokenRequest(url.Values{
					constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
					constants.QueryParamAuthorizationCode: {code},
				}, testPortalClient, "wrong-secret")
			},
			expectedStatus:    http.StatusUnauthorized,
			expectedError:     "invalid_client",
			expectedBasicAuth: true,
		},
		{
			name:         "unknown client",
			codeClient:   testPortalClient,
			codeRedirect: testPortalRedirect,
			scopes:       []string{"openid"},
			request: func(code string) *http.Request {
				return tokenRequest(url.Values{
					constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
					constants.QueryParamAuthorizationCode: {code},
				}, "unknown", "secret")
			},
			expectedStatus:    http.StatusUnauthorized,
			expectedError:     "invalid_client",
			expectedBasicAuth: true,
		},
		{
			name:         "no client authentication",
			codeClient:   testPortalClient,
			codeRedirect: testPortalRedirect,
			scopes:       []string{"openid"},
			request: func(code string) *http.Request {
				return formRequest(pathToken, url.Values{
					constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
					constants.QueryParamAuthorizationCode: {code},
				})
			},
			expectedStatus:    http.StatusUnauthorized,
			expectedError:     "invalid_client",
			expectedBasicAuth: true,
		},
		{
			name:         "multiple client authentication methods",
			codeClient:   testPortalClient,
			codeRedirect: testPortalRedirect,
			scopes:       []string{"openid"},
			request: func(code string) *http.Request {
				return tokenRequest(url.Values{
					constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
					constants.QueryParamAuthorizationCode: {code},
					constants.FormParamClientSecret:       {testPortalSecret},
				}, testPortalClient, testPortalSecret)
			},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_request",
		},
		{
			name:         "client_id does not match basic credentials",
			codeClient:   testPortalClient,
			codeRedirect: testPortalRedirect,
			scopes:       []string{"openid"},
			request: func(code string) *http.Request {
				return tokenRequest(url.Values{
					constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
					constants.QueryParamAuthorizationCode: {code},
					constants.QueryParamClientID:          {testGatewayClient},
				}, testPortalClient, testPortalSecret)
			},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_request",
		},
		{
			name:         "missing code",
			codeClient:   testPortalClient,
			codeRedirect: testPortalRedirect,
			scopes:       []string{"openid"},
			request: func(string) *http.Request {
				return tokenRequest(url.Values{
					constants.FormParamGrantType: {constants.GrantTypeAuthorizationCode},
				}, testPortalClient, testPortalSecret)
			},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_request",
		},
		{
			name:         "unknown code",
			codeClient:   testPortalClient,
			codeRedirect: testPortalRedirect,
			scopes:       []string{"openid"},
			request: func(string) *http.Request {
				return tokenRequest(url.Values{
					constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
					constants.QueryParamAuthorizationCode: {"unknown-code"},
				}, testPortalClient, testPortalSecret)
			},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_grant",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			e := newTestAPI(t)
			user := e.createUser(t, "alice")

			code := e.issueCode(t, user, tt.codeClient, tt.codeRedirect, tt.codeChallenge, tt.scopes...)
			rec := e.do(tt.request(code))

			g.Expect(rec.Code).To(Equal(tt.expectedStatus))
			g.Expect(rec.Header().Get("Cache-Control")).To(Equal("no-store"))
			resp := parseJSONResponse(g, rec.Body.Bytes())

			if tt.expectedError != "" {
				g.Expect(resp["error"]).To(Equal(tt.expectedError))
				g.Expect(resp).NotTo(HaveKey("access_token"))
				if tt.expectedBasicAuth {
					g.Expect(rec.Header().Get("WWW-Authenticate")).To(Equal(`Basic realm="sdms-idp"`))
				}
				return
			}

			g.Expect(resp["token_type"]).To(Equal("Bearer"))
			g.Expect(resp["expires_in"]).To(BeNumerically(">", 0))
			g.Expect(resp["scope"]).To(Equal(strings.Join(tt.scopes, " ")))

			claims, err := e.api.issuer.VerifyAccessToken(resp["access_token"].(string), time.Now(), testIssuer)
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(claims.Subject).To(Equal(user.ID))
			g.Expect(claims.ClientID).To(Equal(tt.codeClient))
			g.Expect(claims.Scopes).To(Equal(tt.scopes))

			if tt.expectedIDToken {
				g.Expect(resp).To(HaveKey("id_token"))
			} else {
				g.Expect(resp).NotTo(HaveKey("id_token"))
			}
			if tt.expectedRefresh {
				g.Expect(resp["refresh_token"]).NotTo(BeEmpty())
			} else {
				g.Expect(resp).NotTo(HaveKey("refresh_token"))
			}
			g.Expect(testutil.ToFloat64(e.api.metrics.tokensIssued.WithLabelValues(constants.GrantTypeAuthorizationCode))).To(Equal(1.0))
		})
	}
}

func TestToken_IDToken(t *testing.T) {
	g := NewWithT(t)
	e := newTestAPI(t)
	user := e.createUser(t, "alice")

	code := e.issueCode(t, user, testPortalClient, testPortalRedirect, "", "openid", "profile", "email")
	rec := e.do(tokenRequest(url.Values{
		constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
		constants.QueryParamAuthorizationCode: {code},
	}, testPortalClient, testPortalSecret))
	g.Expect(rec.Code).To(Equal(http.StatusOK))
	resp := parseJSONResponse(g, rec.Body.Bytes())

	idToken := e.parseJWT(g, resp["id_token"].(string))
	sub, _ := idToken.Subject()
	g.Expect(sub).To(Equal(user.ID))
	iss, _ := idToken.Issuer()
	g.Expect(iss).To(Equal(testIssuer))
	aud, _ := idToken.Audience()
	g.Expect(aud).To(Equal([]string{testPortalClient}))

	g.Expect(stringClaim(idToken, issuer.ClaimNonce)).To(Equal("client-nonce"))
	g.Expect(stringClaim(idToken, issuer.ClaimAZP)).To(Equal(testPortalClient))
	g.Expect(stringClaim(idToken, issuer.ClaimSID)).To(Equal("sid-1"))
	g.Expect(stringClaim(idToken, issuer.ClaimATHash)).To(Equal(issuer.AccessTokenHash(resp["access_token"].(string))))
	g.Expect(stringClaim(idToken, "preferred_username")).To(Equal("alice"))
	g.Expect(stringClaim(idToken, "name")).To(Equal("Alice"))
	g.Expect(stringClaim(idToken, "email")).To(Equal("alice@sdms.example"))

	var roles []any
	g.Expect(idToken.Get(issuer.ClaimRoles, &roles)).NotTo(Succeed())

	var authTime float64
	g.Expect(idToken.Get(issuer.ClaimAuthTime, &authTime)).To(Succeed())
	g.Expect(authTime).To(BeNumerically("~", float64(time.Now().Add(-time.Minute).Unix()), 2))
}

func TestToken_CodeReplay(t *testing.T) {
	g := NewWithT(t)
	e := newTestAPI(t)
	user := e.createUser(t, "alice")

	code := e.issueCode(t, user, testPortalClient, testPortalRedirect, "", "openid")
	form := url.Values{
		constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
		constants.QueryParamAuthorizationCode: {code},
	}

	rec := e.do(tokenRequest(form, testPortalClient, testPortalSecret))
	g.Expect(rec.Code).To(Equal(http.StatusOK))

	rec = e.do(tokenRequest(form, testPortalClient, testPortalSecret))
	g.Expect(rec.Code).To(Equal(http.StatusBadRequest))
	g.Expect(parseJSONResponse(g, rec.Body.Bytes())["error"]).To(Equal("invalid_grant"))
}

func TestToken_RedirectURIOmitted(t *testing.T) {
	tests := []struct {
		name             string
		redirectURIGiven bool
		redirectURI      string
		expectedError    string
	}{
		{
			name: "defaulted at authorization, omitted at token",
		},
		{
			name:             "given at authorization, omitted at token",
			redirectURIGiven: true,
			expectedError:    "invalid_grant",
		},
		{
			name:             "given at authorization, repeated at token",
			redirectURIGiven: true,
			redirectURI:      testPortalRedirect,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			e := newTestAPI(t)
			user := e.createUser(t, "alice")

			code := e.storeCode(t, &store.Transaction{
				ClientParams: store.TransactionClientParams{
					ClientID:         testPortalClient,
					RedirectURL:      testPortalRedirect,
					RedirectURLGiven: tt.redirectURIGiven,
					Scopes:           []string{"openid"},
				},
				Host: testHost,
			}, &store.Grant{
				UserID:   user.ID,
				LoginID:  "sid-1",
				Scopes:   []string{"openid"},
				AuthTime: time.Now().Add(-time.Minute),
				AMR:      []string{constants.AuthMethodPassword},
			})
			form := url.Values{
				constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
				constants.QueryParamAuthorizationCode: {code},
			}
			if tt.redirectURI != "" {
				form.Set(constants.QueryParamRedirectURI, tt.redirectURI)
			}

			rec := e.do(tokenRequest(form, testPortalClient, testPortalSecret))

			resp := parseJSONResponse(g, rec.Body.Bytes())
			if tt.expectedError != "" {
				g.Expect(rec.Code).To(Equal(http.StatusBadRequest))
				g.Expect(resp["error"]).To(Equal(tt.expectedError))
				return
			}
			g.Expect(rec.Code).To(Equal(http.StatusOK))
			g.Expect(resp["access_token"]).NotTo(BeEmpty())
		})
	}
}

func TestToken_CodeForDeletedUser(t *testing.T) {
	g := NewWithT(t)
	e := newTestAPI(t)

	code := e.issueCode(t, &account.User{ID: "no-such-user"}, testPortalClient, testPortalRedirect, "", "openid")
	rec := e.do(tokenRequest(url.Values{
		constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
		constants.QueryParamAuthorizationCode: {code},
	}, testPortalClient, testPortalSecret))

	g.Expect(rec.Code).To(Equal(http.StatusBadRequest))
	g.Expect(parseJSONResponse(g, rec.Body.Bytes())["error"]).To(Equal("invalid_grant"))
}

func TestToken_GrantType(t *testing.T) {
	tests := []struct {
		name          string
		grantType     string
		expectedError string
	}{
		{
			name:          "missing grant type",
			expectedError: "invalid_request",
		},
		{
			name:          "unsupported grant type",
			grantType:     "password",
			expectedError: "unsupported_grant_type",
		},
		{
			name:          "grant not allowed for the client",
			grantType:     constants.GrantTypeRefreshToken,
			expectedError: "unauthorized_client",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			e := newTestAPI(t, func(conf *config.Config) {
				conf.Clients[2].GrantTypes = []string{constants.GrantTypeAuthorizationCode}
			})

			form := url.Values{constants.FormParamRefreshToken: {"some-token"}}
			if tt.grantType != "" {
				form.Set(constants.FormParamGrantType, tt.grantType)
			}
			rec := e.do(tokenRequest(form, testGatewayClient, testGatewaySecret))

			g.Expect(rec.Code).To(Equal(http.StatusBadRequest))
			g.Expect(parseJSONResponse(g, rec.Body.Bytes())["error"]).To(Equal(tt.expectedError))
		})
	}
}

// refreshTokenFor runs the authorization code grant and returns the issued
// refresh token.
func (e *testEnv) refreshTokenFor(t *testing.T, user *account.User, scopes ...string) string {
	t.Helper()
	g := NewWithT(t)
	code := e.issueCode(t, user, testPortalClient, testPortalRedirect, "", scopes...)
	rec := e.do(tokenRequest(url.Values{
		constants.FormParamGrantType:          {constants.GrantTypeAuthorizationCode},
		constants.QueryParamAuthorizationCode: {code},
	}, testPortalClient, testPortalSecret))
	g.Expect(rec.Code).To(Equal(http.StatusOK))
	token, _ := parseJSONResponse(g, rec.Body.Bytes())["refresh_token"].(string)
	g.Expect(token).NotTo(BeEmpty())
	return token
}

func refreshRequest(token, scope, clientID, secret string) *http.Request {
	form := url.Values{
		constants.FormParamGrantType:    {constants.GrantTypeRefreshToken},
		constants.FormParamRefreshToken: {token},
	}
	if scope != "" {
		form.Set(constants.QueryParamScopes, scope)
	}
	return tokenRequest(form, clientID, secret)
}

func TestToken_RefreshToken(t *testing.T) {
	t.Run("rotation", func(t *testing.T) {
		g := NewWithT(t)
		e := newTestAPI(t)
		user := e.createUser(t, "alice")
		token := e.refreshTokenFor(t, user, "openid", "email", "roles", "offline_access")

		rec := e.do(refreshRequest(token, "", testPortalClient, testPortalSecret))
		g.Expect(rec.Code).To(Equal(http.StatusOK))
		resp := parseJSONResponse(g, rec.Body.Bytes())
		g.Expect(resp["scope"]).To(Equal("openid email roles offline_access"))
		g.Expect(resp["refresh_token"]).NotTo(BeEmpty())
		g.Expect(resp["refresh_token"]).NotTo(Equal(token))
		g.Expect(resp).To(HaveKey("id_token"))

		idToken := e.parseJWT(g, resp["id_token"].(string))
		g.Expect(stringClaim(idToken, issuer.ClaimNonce)).To(BeEmpty())
		g.Expect(stringClaim(idToken, issuer.ClaimSID)).To(Equal("sid-1"))
		g.Expect(stringClaim(idToken, "email")).To(Equal("alice@sdms.example"))

		claims, err := e.api.issuer.VerifyAccessToken(resp["access_token"].(string), time.Now(), testIssuer)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(claims.Subject).To(Equal(user.ID))
		g.Expect(claims.Roles).To(BeEmpty())

		// The successor rotates again.
		rec = e.do(refreshRequest(resp["refresh_token"].(string), "", testPortalClient, testPortalSecret))
		g.Expect(rec.Code).To(Equal(http.StatusOK))
		g.Expect(testutil.ToFloat64(e.api.metrics.tokensIssued.WithLabelValues(constants.GrantTypeRefreshToken))).To(Equal(2.0))
	})

	t.Run("reuse revokes the family", func(t *testing.T) {
		g := NewWithT(t)
		e := newTestAPI(t)
		user := e.createUser(t, "alice")
		token := e.refreshTokenFor(t, user, "openid", "offline_access")

		rec := e.do(refreshRequest(token, "", testPortalClient, testPortalSecret))
		g.Expect(rec.Code).To(Equal(http.StatusOK))
		successor := parseJSONResponse(g, rec.Body.Bytes())["refresh_token"].(string)

		rec = e.do(refreshRequest(token, "", testPortalClient, testPortalSecret))
		g.Expect(rec.Code).To(Equal(http.StatusBadRequest))
		g.Expect(parseJSONResponse(g, rec.Body.Bytes())["error"]).To(Equal("invalid_grant"))
		g.Expect(testutil.ToFloat64(e.api.metrics.refreshTokenReuse)).To(Equal(1.0))

		rec = e.do(refreshRequest(successor, "", testPortalClient, testPortalSecret))
		g.Expect(rec.Code).To(Equal(http.StatusBadRequest))
		g.Expect(parseJSONResponse(g, rec.Body.Bytes())["error"]).To(Equal("invalid_grant"))

		_, active := e.api.refreshTokens.Introspect(context.Background(), successor, time.Now())
		g.Expect(active).To(BeFalse())
	})

	t.Run("narrowed scope", func(t *testing.T) {
		g := NewWithT(t)
		e := newTestAPI(t)
		user := e.createUser(t, "alice")
		token := e.refreshTokenFor(t, user, "openid", "email", "offline_access")

		rec := e.do(refreshRequest(token, "email", testPortalClient, testPortalSecret))
		g.Expect(rec.Code).To(Equal(http.StatusOK))
		resp := parseJSONResponse(g, rec.Body.Bytes())
		g.Expect(resp["scope"]).To(Equal("email"))
		g.Expect(resp).To(HaveKey("id_token"))

		// The successor keeps the scopes of the family.
		rec = e.do(refreshRequest(resp["refresh_token"].(string), "", testPortalClient, testPortalSecret))
		g.Expect(rec.Code).To(Equal(http.StatusOK))
		g.Expect(parseJSONResponse(g, rec.Body.Bytes())["scope"]).To(Equal("openid email offline_access"))
	})

	tests := []struct {
		name           string
		token          func(original string) string
		scope          string
		clientID       string
		secret         string
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "scope exceeds the grant",
			token:          func(original string) string { return original },
			scope:          "openid roles",
			clientID:       testPortalClient,
			secret:         testPortalSecret,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_scope",
		},
		{
			name:           "token of another client",
			token:          func(original string) string { return original },
			clientID:       testGatewayClient,
			secret:         testGatewaySecret,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_grant",
		},
		{
			name:           "unknown token",
			token:          func(string) string { return "unknown-token" },
			clientID:       testPortalClient,
			secret:         testPortalSecret,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_grant",
		},
		{
			name:           "missing token",
			token:          func(string) string { return "" },
			clientID:       testPortalClient,
			secret:         testPortalSecret,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			e := newTestAPI(t)
			user := e.createUser(t, "alice")
			original := e.refreshTokenFor(t, user, "openid", "offline_access")

			rec := e.do(refreshRequest(tt.token(original), tt.scope, tt.clientID, tt.secret))
			g.Expect(rec.Code).To(Equal(tt.expectedStatus))
			g.Expect(parseJSONResponse(g, rec.Body.Bytes())["error"]).To(Equal(tt.expectedError))

			// A rejected request does not consume the token.
			rec = e.do(refreshRequest(original, "", testPortalClient, testPortalSecret))
			g.Expect(rec.Code).To(Equal(http.StatusOK))
		})
	}
}
