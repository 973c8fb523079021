// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// Provider names.
const (
	ProviderGitHub = "github"
	ProviderGoogle = "google"
)

// Default API locations.
const (
	DefaultGitHubAPIURL      = "https://api.github.com"
	DefaultGoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
)

// maxProfileBytes bounds provider API responses.
const maxProfileBytes = 1 << 20

// Profile is the external identity reported by a provider.
type Profile struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
}

// TokenExchanger turns an authorization code into an access token.
type TokenExchanger interface {
	// AuthCodeURL returns the provider consent URL for state, carrying the
	// S256 challenge of verifier.
	AuthCodeURL(state, verifier string) string

	// Exchange redeems code with the PKCE verifier.
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)
}

// ProfileFetcher reads the signed-in identity with an access token.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, token *oauth2.Token) (*Profile, error)
}

// Provider is a configured external identity provider.
type Provider struct {
	Name      string
	Exchanger TokenExchanger
	Profiles  ProfileFetcher
}

// ProviderConfig configures a provider. The URL fields override the public
// endpoints and are meant for tests and enterprise installs.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	AuthURL  string
	TokenURL string
	APIURL   string
}

func (c ProviderConfig) oauth2Config(defaults oauth2.Endpoint, scopes []string) *oauth2.Config {
	endpoint := defaults
	if c.AuthURL != "" {
		endpoint.AuthURL = c.AuthURL
	}
	if c.TokenURL != "" {
		endpoint.TokenURL = c.TokenURL
	}
	if len(c.Scopes) > 0 {
		scopes = c.Scopes
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}

// codeExchanger is the TokenExchanger backed by x/oauth2.
type codeExchanger struct {
	cfg    *oauth2.Config
	client *http.Client
}

func (e *codeExchanger) AuthCodeURL(state, verifier string) string {
	return e.cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

func (e *codeExchanger) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)
	return e.cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
}

// NewGitHubProvider configures GitHub sign-in.
func NewGitHubProvider(cfg ProviderConfig, client *http.Client) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	api := cfg.APIURL
	if api == "" {
		api = DefaultGitHubAPIURL
	}
	return &Provider{
		Name:      ProviderGitHub,
		Exchanger: &codeExchanger{cfg: cfg.oauth2Config(endpoints.GitHub, []string{"read:user", "user:email"}), client: client},
		Profiles:  &githubProfiles{client: client, apiURL: strings.TrimRight(api, "/")},
	}
}

// NewGoogleProvider configures Google sign-in.
func NewGoogleProvider(cfg ProviderConfig, client *http.Client) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	userinfo := cfg.APIURL
	if userinfo == "" {
		userinfo = DefaultGoogleUserInfoURL
	}
	return &Provider{
		Name:      ProviderGoogle,
		Exchanger: &codeExchanger{cfg: cfg.oauth2Config(endpoints.Google, []string{"openid", "email", "profile"}), client: client},
		Profiles:  &googleProfiles{client: client, userinfoURL: userinfo},
	}
}

// getJSON issues an authenticated GET and decodes the JSON body into v.
func getJSON(ctx context.Context, base *http.Client, token *oauth2.Token, url string, v any) error {
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), oauth2.StaticTokenSource(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return oops.Code("OAUTH_PROFILE_REQUEST_FAILED").With("url", url).Wrap(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return oops.Code("OAUTH_PROFILE_REQUEST_FAILED").With("url", url).Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return oops.Code("OAUTH_PROFILE_STATUS").
			With("url", url).
			With("status", resp.StatusCode).
			Errorf("profile request returned %s", resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileBytes)).Decode(v); err != nil {
		return oops.Code("OAUTH_PROFILE_DECODE_FAILED").With("url", url).Wrap(err)
	}
	return nil
}

type githubProfiles struct {
	client *http.Client
	apiURL string
}

func (g *githubProfiles) FetchProfile(ctx context.Context, token *oauth2.Token) (*Profile, error) {
	var user struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
	}
	if err := getJSON(ctx, g.client, token, g.apiURL+"/user", &user); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, oops.Code("OAUTH_PROFILE_INCOMPLETE").Errorf("github user has no id")
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := getJSON(ctx, g.client, token, g.apiURL+"/user/emails", &emails); err != nil {
		return nil, err
	}

	profile := &Profile{
		ProviderUserID: strconv.FormatInt(user.ID, 10),
		Name:           firstNonEmpty(user.Name, user.Login),
	}
	for _, e := range emails {
		if e.Primary {
			profile.Email = e.Email
			profile.EmailVerified = e.Verified
			break
		}
	}
	return profile, nil
}

type googleProfiles struct {
	client      *http.Client
	userinfoURL string
}

// googleBool accepts both the boolean and the string form Google has used
// for email_verified.
type googleBool bool

func (b *googleBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "true":
		*b = true
	case "false", "null", "":
		*b = false
	default:
		return oops.Errorf("invalid boolean %s", data)
	}
	return nil
}

func (g *googleProfiles) FetchProfile(ctx context.Context, token *oauth2.Token) (*Profile, error) {
	var info struct {
		Sub           string     `json:"sub"`
		Email         string     `json:"email"`
		EmailVerified googleBool `json:"email_verified"`
		Name          string     `json:"name"`
	}
	if err := getJSON(ctx, g.client, token, g.userinfoURL, &info); err != nil {
		return nil, err
	}
	if info.Sub == "" {
		return nil, oops.Code("OAUTH_PROFILE_INCOMPLETE").Errorf("google userinfo has no subject")
	}
	return &Profile{
		ProviderUserID: info.Sub,
		Email:          info.Email,
		EmailVerified:  bool(info.EmailVerified),
		Name:           firstNonEmpty(info.Name, info.Email),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
