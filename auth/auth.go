/*
package auth supplies credentials to the connection manager. The manager only needs to know how to
turn the current credentials into connect parameters or request headers and how to force new ones
when the service rejects a token; everything about how tokens are minted stays behind the Auth
interface.
*/
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/logger"
)

// Tokens this close to expiry are renewed before use
const expiryBuffer = 15 * time.Second

type Auth interface {
	// AuthParams returns the query parameters that authenticate a connect request
	AuthParams(ctx context.Context) (url.Values, error)
	// AuthHeaders returns the headers that authenticate an http request
	AuthHeaders(ctx context.Context) (http.Header, error)
	RequestToken(ctx context.Context, params *TokenParams) (*TokenDetails, error)
	// Authorize discards the current token and obtains a new one
	Authorize(ctx context.Context) (*TokenDetails, error)
	ClientID() string
	SetClientID(clientID string)
}

type TokenDetails struct {
	Token      string `json:"token"`
	Expires    int64  `json:"expires,omitempty"`
	Issued     int64  `json:"issued,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
	Capability string `json:"capability,omitempty"`
}

type TokenParams struct {
	ClientID   string
	TTL        time.Duration
	Capability string
}

// AuthCallback returns a token obtained from the application's own auth server
type AuthCallback func(ctx context.Context, params TokenParams) (*TokenDetails, error)

type Options struct {
	// Key is "keyName:keySecret". Used for basic auth unless UseTokenAuth is set.
	Key          string
	Token        string
	TokenDetails *TokenDetails
	AuthCallback AuthCallback
	ClientID     string
	UseTokenAuth bool
}

type ClientAuth struct {
	logger *logger.Logger
	opts   Options
	now    func() time.Time

	mu           sync.Mutex
	tokenDetails *TokenDetails
	clientID     string
}

func New(logger *logger.Logger, opts Options) (*ClientAuth, error) {
	if opts.Key == "" && opts.Token == "" && opts.TokenDetails == nil && opts.AuthCallback == nil {
		return nil, errorinfo.New(errorinfo.CodeBadRequest, 400, "no means provided to authenticate: a key, token or auth callback is required")
	}

	if opts.Key != "" && !strings.Contains(opts.Key, ":") {
		return nil, errorinfo.New(errorinfo.CodeBadRequest, 400, "invalid key: expected keyName:keySecret")
	}

	if opts.ClientID == "*" {
		return nil, errorinfo.New(errorinfo.CodeInvalidClientID, 400, "a wildcard clientId can only be granted by a token")
	}

	a := &ClientAuth{
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		clientID: opts.ClientID,
	}

	switch {
	case opts.TokenDetails != nil:
		a.setToken(opts.TokenDetails)
	case opts.Token != "":
		a.setToken(&TokenDetails{Token: opts.Token})
	}

	return a, nil
}

func (a *ClientAuth) usesBasicAuth() bool {
	return a.opts.Key != "" && !a.opts.UseTokenAuth && a.opts.AuthCallback == nil &&
		a.opts.Token == "" && a.opts.TokenDetails == nil
}

func (a *ClientAuth) AuthParams(ctx context.Context) (url.Values, error) {
	if a.usesBasicAuth() {
		return url.Values{"key": []string{a.opts.Key}}, nil
	}

	token, err := a.ensureToken(ctx, false)
	if err != nil {
		return nil, err
	}
	return url.Values{"access_token": []string{token.Token}}, nil
}

func (a *ClientAuth) AuthHeaders(ctx context.Context) (http.Header, error) {
	headers := http.Header{}

	if a.usesBasicAuth() {
		headers.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(a.opts.Key)))
		return headers, nil
	}

	token, err := a.ensureToken(ctx, false)
	if err != nil {
		return nil, err
	}
	headers.Set("Authorization", "Bearer "+base64.StdEncoding.EncodeToString([]byte(token.Token)))
	return headers, nil
}

func (a *ClientAuth) RequestToken(ctx context.Context, params *TokenParams) (*TokenDetails, error) {
	if a.opts.AuthCallback == nil {
		return nil, errorinfo.New(errorinfo.CodeNoMeansToRenewToken, 403, "no means provided to renew auth token")
	}

	p := TokenParams{ClientID: a.ClientID()}
	if params != nil {
		p = *params
	}

	token, err := a.opts.AuthCallback(ctx, p)
	if err != nil {
		var info *errorinfo.ErrorInfo
		if errors.As(err, &info) {
			return nil, info
		}
		return nil, errorinfo.New(errorinfo.CodeAuthProviderFailed, 401, "client configured authentication provider request failed: %s", err)
	}

	if token == nil || token.Token == "" {
		return nil, errorinfo.New(errorinfo.CodeAuthProviderFailed, 401, "client configured authentication provider returned an empty token")
	}
	return token, nil
}

func (a *ClientAuth) Authorize(ctx context.Context) (*TokenDetails, error) {
	if a.usesBasicAuth() {
		return nil, nil
	}
	return a.ensureToken(ctx, true)
}

func (a *ClientAuth) ensureToken(ctx context.Context, force bool) (*TokenDetails, error) {
	a.mu.Lock()
	current := a.tokenDetails
	a.mu.Unlock()

	if !force && current != nil && !a.expired(current) {
		return current, nil
	}

	if a.opts.AuthCallback == nil {
		if current != nil && !force {
			a.logger.Infof("auth token has expired and cannot be renewed")
		}
		return nil, errorinfo.New(errorinfo.CodeNoMeansToRenewToken, 403, "no means provided to renew auth token")
	}

	token, err := a.RequestToken(ctx, nil)
	if err != nil {
		return nil, err
	}

	a.setToken(token)
	a.logger.Debugf("obtained new auth token expiring at %d", token.Expires)
	return token, nil
}

func (a *ClientAuth) expired(token *TokenDetails) bool {
	if token.Expires == 0 {
		return false
	}
	return !a.now().Add(expiryBuffer).Before(time.UnixMilli(token.Expires))
}

func (a *ClientAuth) setToken(token *TokenDetails) {
	details := *token
	if details.Expires == 0 || details.ClientID == "" {
		if exp, clientID, ok := parseJWT(details.Token); ok {
			if details.Expires == 0 {
				details.Expires = exp
			}
			if details.ClientID == "" {
				details.ClientID = clientID
			}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokenDetails = &details
	if details.ClientID != "" && details.ClientID != "*" && a.clientID == "" {
		a.clientID = details.ClientID
	}
}

// parseJWT reads expiry and client id from a jwt without verifying it. Only
// the service can verify the signature; the client just wants to know when
// to renew.
func parseJWT(token string) (expiresMillis int64, clientID string, ok bool) {
	if strings.Count(token, ".") != 2 {
		return 0, "", false
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return 0, "", false
	}

	claims, isMap := parsed.Claims.(jwt.MapClaims)
	if !isMap {
		return 0, "", false
	}

	if exp, found := claims["exp"].(float64); found {
		expiresMillis = int64(exp) * 1000
	}
	clientID, _ = claims["clientId"].(string)
	return expiresMillis, clientID, true
}

func (a *ClientAuth) ClientID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clientID
}

// SetClientID records the client id the service assigned to the connection
func (a *ClientAuth) SetClientID(clientID string) {
	if clientID == "" || clientID == "*" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.clientID = clientID
}

func (a *ClientAuth) TokenDetails() *TokenDetails {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokenDetails
}
