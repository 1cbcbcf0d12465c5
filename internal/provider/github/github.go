package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/sdms-suite/sdms-idp/internal/config"
	"github.com/sdms-suite/sdms-idp/internal/provider"
)

const defaultAPIURL = "https://api.github.com"

var errNotFound = errors.New("not found")

type githubProvider struct {
	conf   *config.ProviderConfig
	apiURL string
}

func New(conf *config.ProviderConfig) (provider.Interface, error) {
	apiURL := defaultAPIURL
	if conf.APIURL != "" {
		apiURL = strings.TrimSuffix(conf.APIURL, "/")
	}
	return &githubProvider{conf: conf, apiURL: apiURL}, nil
}

// OAuth2Config implements provider.Interface.
func (g *githubProvider) OAuth2Config() *oauth2.Config {
	endpoint := github.Endpoint
	if g.conf.AuthURL != "" {
		endpoint.AuthURL = g.conf.AuthURL
	}
	if g.conf.TokenURL != "" {
		endpoint.TokenURL = g.conf.TokenURL
	}
	scopes := []string{"read:user", "user:email"}
	if g.conf.Organization != "" {
		scopes = append(scopes, "read:org")
	}
	return &oauth2.Config{
		ClientID:     g.conf.ClientID,
		ClientSecret: g.conf.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}

// VerifyUser implements provider.Interface.
func (g *githubProvider) VerifyUser(ctx context.Context, token *oauth2.Token) (*provider.UserInfo, error) {
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))

	var user struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := g.get(ctx, client, "/user", &user); err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}
	if user.ID == 0 || user.Login == "" {
		return nil, fmt.Errorf("github user response has no id or login")
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := g.get(ctx, client, "/user/emails", &emails); err != nil {
		return nil, fmt.Errorf("user emails: %w", err)
	}
	var email string
	var verified bool
	for _, e := range emails {
		if e.Primary {
			email, verified = e.Email, e.Verified
			break
		}
	}
	if err := provider.CheckEmail(g.conf, email, verified); err != nil {
		return nil, err
	}

	info := &provider.UserInfo{
		Subject:       strconv.FormatInt(user.ID, 10),
		Username:      user.Login,
		Email:         email,
		EmailVerified: true,
		Name:          user.Name,
		Picture:       user.AvatarURL,
	}

	if org := g.conf.Organization; org != "" {
		groups, err := g.teams(ctx, client, org)
		if err != nil {
			return nil, err
		}
		info.Groups = groups
	}

	return info, nil
}

// teams checks active membership in the organization and returns the slugs
// of the user's teams in it.
func (g *githubProvider) teams(ctx context.Context, client *http.Client, org string) ([]string, error) {
	var membership struct {
		State string `json:"state"`
	}
	err := g.get(ctx, client, "/user/memberships/orgs/"+url.PathEscape(org), &membership)
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("github user is not a member of the organization '%s'", org)
	}
	if err != nil {
		return nil, fmt.Errorf("organization membership: %w", err)
	}
	if membership.State != "active" {
		return nil, fmt.Errorf("github membership in the organization '%s' is %s", org, membership.State)
	}

	var teams []struct {
		Slug         string `json:"slug"`
		Organization struct {
			Login string `json:"login"`
		} `json:"organization"`
	}
	path := fmt.Sprintf("/user/teams?per_page=%d", config.MaxGroups)
	if err := g.get(ctx, client, path, &teams); err != nil {
		return nil, fmt.Errorf("user teams: %w", err)
	}
	groups := []string{}
	for _, t := range teams {
		if !strings.EqualFold(t.Organization.Login, org) {
			continue
		}
		groups = append(groups, t.Slug)
		if len(groups) == config.MaxGroups {
			break
		}
	}
	return groups, nil
}

func (g *githubProvider) get(ctx context.Context, client *http.Client, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("error unmarshaling github response: %w", err)
	}
	return nil
}
