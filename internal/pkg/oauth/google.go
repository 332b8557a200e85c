package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/ManuelReschke/InboxGate/internal/pkg/config"
)

const defaultRevokeURL = "https://oauth2.googleapis.com/revoke"

// Scopes requested for every registration.
var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/gmail.compose",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

var ErrNotConfigured = errors.New("google oauth client is not configured")

// Tokens is the result of a successful code exchange.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	AccountEmail string
	DisplayName  string
}

// RefreshedToken carries a new access token. RefreshToken is set only when
// the provider rotated it.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// GoogleClient talks to Google's OAuth 2.0 endpoints. It never retries.
// APIEndpoint overrides the userinfo API root; empty uses the library default.
type GoogleClient struct {
	Config      *oauth2.Config
	APIEndpoint string
	RevokeURL   string
	HTTPClient  *http.Client
}

func NewGoogleClient(cfg config.GoogleConfig) *GoogleClient {
	return &GoogleClient{
		Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       Scopes,
			Endpoint:     google.Endpoint,
		},
		RevokeURL: defaultRevokeURL,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// ConsentURL always asks for offline access and forces the consent screen
// so Google issues a refresh token on every authorization.
func (c *GoogleClient) ConsentURL(state string) (string, error) {
	if strings.TrimSpace(c.Config.ClientID) == "" || strings.TrimSpace(c.Config.RedirectURL) == "" {
		return "", ErrNotConfigured
	}
	if strings.TrimSpace(state) == "" {
		return "", errors.New("state is required")
	}
	return c.Config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

func (c *GoogleClient) ExchangeCode(ctx context.Context, code string) (*Tokens, error) {
	if strings.TrimSpace(code) == "" {
		return nil, &ProviderError{Op: "exchange", Err: errors.New("oauth code is required")}
	}
	tok, err := c.Config.Exchange(c.httpContext(ctx), strings.TrimSpace(code))
	if err != nil {
		return nil, &ProviderError{Op: "exchange", Err: err}
	}
	if tok.AccessToken == "" {
		return nil, &ProviderError{Op: "exchange", Err: errors.New("no access token returned")}
	}
	if tok.RefreshToken == "" {
		return nil, &ProviderError{Op: "exchange", Err: errors.New("no refresh token returned")}
	}

	info, err := c.userInfo(ctx, tok)
	if err != nil {
		return nil, &ProviderError{Op: "userinfo", Err: err}
	}

	return &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       expiryOf(tok),
		AccountEmail: strings.ToLower(strings.TrimSpace(info.Email)),
		DisplayName:  info.Name,
	}, nil
}

func (c *GoogleClient) Refresh(ctx context.Context, refreshToken string) (*RefreshedToken, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, &ProviderError{Op: "refresh", Err: errors.New("refresh token is required")}
	}
	src := c.Config.TokenSource(c.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, &ProviderError{Op: "refresh", Err: err}
	}
	if tok.AccessToken == "" {
		return nil, &ProviderError{Op: "refresh", Err: errors.New("no access token returned")}
	}
	out := &RefreshedToken{
		AccessToken: tok.AccessToken,
		Expiry:      expiryOf(tok),
	}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

func (c *GoogleClient) Revoke(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return &ProviderError{Op: "revoke", Err: errors.New("token is required")}
	}
	form := url.Values{}
	form.Set("token", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &ProviderError{Op: "revoke", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &ProviderError{Op: "revoke", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{Op: "revoke", Err: fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))}
	}
	return nil
}

func (c *GoogleClient) userInfo(ctx context.Context, tok *oauth2.Token) (*oauth2api.Userinfo, error) {
	opts := []option.ClientOption{
		option.WithHTTPClient(c.Config.Client(c.httpContext(ctx), tok)),
	}
	if c.APIEndpoint != "" {
		opts = append(opts, option.WithEndpoint(c.APIEndpoint))
	}
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if info.Email == "" {
		return nil, errors.New("userinfo returned no email")
	}
	return info, nil
}

// httpContext makes the oauth2 package use our client and its timeout.
func (c *GoogleClient) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
}

func expiryOf(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return time.Now().Add(time.Hour)
	}
	return tok.Expiry
}
