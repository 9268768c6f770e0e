package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Google OAuth2 constants for the service-account JWT bearer flow.
const (
	googleTokenEndpoint = "https://oauth2.googleapis.com/token"
	googleCloudScope    = "https://www.googleapis.com/auth/cloud-platform"
	jwtBearerGrantType  = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// serviceAccount is the subset of a Google service-account JSON document the
// gateway needs.
type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// parseServiceAccount decodes a service-account document given either raw
// JSON or its base64 encoding.
func parseServiceAccount(doc string) (*serviceAccount, error) {
	raw := []byte(strings.TrimSpace(doc))
	if len(raw) > 0 && raw[0] != '{' {
		decoded, err := base64.StdEncoding.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("service account credentials are neither JSON nor base64: %w", err)
		}
		raw = decoded
	}
	var sa serviceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, fmt.Errorf("parse service account JSON: %w", err)
	}
	if sa.ClientEmail == "" {
		return nil, fmt.Errorf("service account JSON missing client_email")
	}
	if sa.PrivateKey == "" {
		return nil, fmt.Errorf("service account JSON missing private_key")
	}
	return &sa, nil
}

// jwtTokenSource mints short-lived Google bearer tokens by signing an RS256
// assertion and exchanging it at the OAuth2 token endpoint. It implements
// oauth2.TokenSource; wrap it in oauth2.ReuseTokenSource so tokens are
// cached until shortly before expiry.
type jwtTokenSource struct {
	account    *serviceAccount
	tokenURL   string
	httpClient *http.Client
}

// newVertexTokenSource builds the caching token source used by the Vertex
// adapter.
func newVertexTokenSource(credentialsJSON string) (oauth2.TokenSource, error) {
	sa, err := parseServiceAccount(credentialsJSON)
	if err != nil {
		return nil, err
	}
	src := &jwtTokenSource{
		account:    sa,
		tokenURL:   googleTokenEndpoint,
		httpClient: newHTTPClient(30 * time.Second),
	}
	return oauth2.ReuseTokenSource(nil, src), nil
}

// Token signs a fresh assertion and exchanges it for a bearer token.
func (s *jwtTokenSource) Token() (*oauth2.Token, error) {
	assertion, err := s.signAssertion(time.Now())
	if err != nil {
		return nil, err
	}
	return s.exchange(context.Background(), assertion)
}

// signAssertion builds the RS256 JWT: header {"alg":"RS256","typ":"JWT"},
// claims {iss, scope, aud, iat, exp=iat+3600, sub=iss}, base64url without
// padding.
func (s *jwtTokenSource) signAssertion(now time.Time) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(s.account.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parse service account private key: %w", err)
	}

	iat := now.Unix()
	claims := jwt.MapClaims{
		"iss":   s.account.ClientEmail,
		"scope": googleCloudScope,
		"aud":   s.tokenURL,
		"iat":   iat,
		"exp":   iat + 3600,
		"sub":   s.account.ClientEmail,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign JWT assertion: %w", err)
	}
	return signed, nil
}

// exchange posts the assertion to the token endpoint. Some flows return only
// an id_token; it is accepted as the bearer when access_token is absent.
func (s *jwtTokenSource) exchange(ctx context.Context, assertion string) (*oauth2.Token, error) {
	form := url.Values{
		"grant_type": {jwtBearerGrantType},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, WrapTransport("vertex", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapTransport("vertex", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewError("vertex", KindAuth, resp.StatusCode,
			fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 500)), nil)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		IDToken     string `json:"id_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}

	bearer := payload.AccessToken
	if bearer == "" {
		bearer = payload.IDToken
	}
	if bearer == "" {
		return nil, NewError("vertex", KindAuth, 0, "token response carried neither access_token nor id_token", nil)
	}

	tokenType := payload.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return &oauth2.Token{
		AccessToken: bearer,
		TokenType:   tokenType,
		Expiry:      time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
