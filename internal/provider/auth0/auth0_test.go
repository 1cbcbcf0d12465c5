package auth0

import (
	"context"
	"fmt"
	"testing"

	. "github.com/onsi/gomega"
	"golang.org/x/oauth2"

	"github.com/sdms-suite/sdms-idp/internal/config"
	"github.com/sdms-suite/sdms-idp/internal/provider"
	"github.com/sdms-suite/sdms-idp/internal/provider/providertest"
)

const testClientID = "auth0-client"

func TestNew(t *testing.T) {
	g := NewWithT(t)

	p, err := New(&config.ProviderConfig{
		Name:     config.ProviderAuth0,
		Domain:   "sdms.eu.auth0.com",
		ClientID: testClientID,
	})
	g.Expect(err).ToNot(HaveOccurred())
	c := p.OAuth2Config()
	g.Expect(c.Endpoint).To(Equal(oauth2.Endpoint{
		AuthURL:  "https://sdms.eu.auth0.com/authorize",
		TokenURL: "https://sdms.eu.auth0.com/oauth/token",
	}))
	g.Expect(c.Scopes).To(Equal([]string{"openid", "email", "profile"}))

	p, err = New(&config.ProviderConfig{
		Name:     config.ProviderAuth0,
		Issuer:   "https://login.sdms.example/",
		TokenURL: "https://login.sdms.example/token",
	})
	g.Expect(err).ToNot(HaveOccurred())
	c = p.OAuth2Config()
	g.Expect(c.Endpoint.AuthURL).To(Equal("https://login.sdms.example/authorize"))
	g.Expect(c.Endpoint.TokenURL).To(Equal("https://login.sdms.example/token"))

	_, err = New(&config.ProviderConfig{Name: config.ProviderAuth0})
	g.Expect(err).To(MatchError("auth0 provider requires a domain"))
}

func TestAuth0Provider_VerifyUser(t *testing.T) {
	manyGroups := make([]any, 0, config.MaxGroups+10)
	for i := range config.MaxGroups + 10 {
		manyGroups = append(manyGroups, fmt.Sprintf("group-%d", i))
	}

	tests := []struct {
		name          string
		groupsClaim   string
		claims        map[string]any
		expectedUser  *provider.UserInfo
		expectedGroup int
		expectedError string
	}{
		{
			name:        "user with groups",
			groupsClaim: "https://sdms.example/roles",
			claims: map[string]any{
				"sub":                        "auth0|42",
				"email":                      "vendor@example.com",
				"email_verified":             true,
				"name":                       "Vendor",
				"nickname":                   "vendor",
				"https://sdms.example/roles": []any{"vendor", "admin"},
			},
			expectedUser: &provider.UserInfo{
				Subject:       "auth0|42",
				Username:      "vendor",
				Email:         "vendor@example.com",
				EmailVerified: true,
				Name:          "Vendor",
				Groups:        []string{"vendor", "admin"},
			},
		},
		{
			name:        "missing groups claim yields empty groups",
			groupsClaim: "roles",
			claims: map[string]any{
				"sub":                "auth0|42",
				"email":              "vendor@example.com",
				"email_verified":     true,
				"preferred_username": "pref",
				"nickname":           "nick",
			},
			expectedUser: &provider.UserInfo{
				Subject:       "auth0|42",
				Username:      "pref",
				Email:         "vendor@example.com",
				EmailVerified: true,
				Groups:        []string{},
			},
		},
		{
			name: "groups not configured",
			claims: map[string]any{
				"sub":            "auth0|42",
				"email":          "vendor@example.com",
				"email_verified": true,
				"roles":          []any{"admin"},
			},
			expectedUser: &provider.UserInfo{
				Subject:       "auth0|42",
				Email:         "vendor@example.com",
				EmailVerified: true,
			},
		},
		{
			name:        "groups are capped",
			groupsClaim: "roles",
			claims: map[string]any{
				"sub":            "auth0|42",
				"email":          "vendor@example.com",
				"email_verified": true,
				"roles":          manyGroups,
			},
			expectedGroup: config.MaxGroups,
		},
		{
			name: "unverified email",
			claims: map[string]any{
				"sub":   "auth0|42",
				"email": "vendor@example.com",
			},
			expectedError: "auth0 email 'vendor@example.com' is not verified",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)

			iss := providertest.NewIssuer(t)
			p, err := New(&config.ProviderConfig{
				Name:        config.ProviderAuth0,
				ClientID:    testClientID,
				Issuer:      iss.URL(),
				GroupsClaim: tt.groupsClaim,
			})
			g.Expect(err).ToNot(HaveOccurred())

			token := providertest.Token(iss.IDToken(t, testClientID, tt.claims))
			user, err := p.VerifyUser(context.Background(), token)

			switch {
			case tt.expectedError != "":
				g.Expect(err).To(HaveOccurred())
				g.Expect(err.Error()).To(ContainSubstring(tt.expectedError))
			case tt.expectedGroup > 0:
				g.Expect(err).ToNot(HaveOccurred())
				g.Expect(user.Groups).To(HaveLen(tt.expectedGroup))
			default:
				g.Expect(err).ToNot(HaveOccurred())
				g.Expect(user).To(Equal(tt.expectedUser))
			}
		})
	}
}
