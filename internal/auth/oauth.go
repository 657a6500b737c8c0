// Package auth provides Google OAuth helpers for pool accounts: the PKCE
// authorization flow used by the CLI and the refresh-token exchange used at
// request time.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/internal/utils"
)

// oauthRedirectURI is the loopback redirect registered for the client id.
const oauthRedirectURI = "http://localhost:51121/oauth-callback"

// RefreshParts represents the components of a composite refresh token.
// Format: refreshToken|projectId
type RefreshParts struct {
	RefreshToken string
	ProjectID    string
}

// ParseRefreshParts parses a composite refresh token string
func ParseRefreshParts(refresh string) RefreshParts {
	parts := strings.Split(refresh, "|")
	result := RefreshParts{}
	if len(parts) > 0 {
		result.RefreshToken = parts[0]
	}
	if len(parts) > 1 && parts[1] != "" {
		result.ProjectID = parts[1]
	}
	return result
}

// FormatRefreshParts formats refresh token parts back into a composite string
func FormatRefreshParts(parts RefreshParts) string {
	if parts.ProjectID == "" {
		return parts.RefreshToken
	}
	return fmt.Sprintf("%s|%s", parts.RefreshToken, parts.ProjectID)
}

// PKCE holds the PKCE code verifier and challenge
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE generates a PKCE code verifier and challenge
func GeneratePKCE() (*PKCE, error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	return &PKCE{Verifier: verifier, Challenge: challenge}, nil
}

// AuthorizationURLResult contains the authorization URL and PKCE data
type AuthorizationURLResult struct {
	URL      string
	Verifier string
	State    string
}

// GetAuthorizationURL generates the authorization URL for Google OAuth
func GetAuthorizationURL() (*AuthorizationURLResult, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	state := hex.EncodeToString(stateBytes)

	params := url.Values{
		"client_id":             {config.OAuthConfig.ClientID},
		"redirect_uri":          {oauthRedirectURI},
		"response_type":         {"code"},
		"scope":                 {strings.Join(config.OAuthConfig.Scopes, " ")},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}

	return &AuthorizationURLResult{
		URL:      fmt.Sprintf("%s?%s", config.OAuthConfig.AuthURL, params.Encode()),
		Verifier: pkce.Verifier,
		State:    state,
	}, nil
}

// ExtractCodeFromInput extracts the authorization code from user input.
// Accepts either the full callback URL or the bare code parameter.
func ExtractCodeFromInput(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", fmt.Errorf("no input provided")
	}

	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", fmt.Errorf("invalid URL format")
		}
		if errorParam := parsed.Query().Get("error"); errorParam != "" {
			return "", fmt.Errorf("OAuth error: %s", errorParam)
		}
		code := parsed.Query().Get("code")
		if code == "" {
			return "", fmt.Errorf("no authorization code found in URL")
		}
		return code, nil
	}

	if len(trimmed) < 10 {
		return "", fmt.Errorf("input is too short to be a valid authorization code")
	}
	return trimmed, nil
}

// OAuthTokens represents the tokens returned from the OAuth token exchange
type OAuthTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode exchanges an authorization code for tokens
func ExchangeCode(ctx context.Context, code, verifier string) (*OAuthTokens, error) {
	data := url.Values{
		"client_id":     {config.OAuthConfig.ClientID},
		"client_secret": {config.OAuthConfig.ClientSecret},
		"code":          {code},
		"code_verifier": {verifier},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {oauthRedirectURI},
	}

	body, status, err := postForm(ctx, config.OAuthConfig.TokenURL, data)
	if err != nil {
		return nil, fmt.Errorf("token exchange request failed: %w", err)
	}
	if status != http.StatusOK {
		utils.Error("[OAuth] Token exchange failed: %d %s", status, string(body))
		return nil, fmt.Errorf("token exchange failed: %s", string(body))
	}

	var tokens OAuthTokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("no access token received")
	}
	return &tokens, nil
}

// RefreshResult represents the result of refreshing an access token
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int
}

// RefreshAccessToken refreshes an access token using a (possibly composite)
// refresh token.
func RefreshAccessToken(ctx context.Context, compositeRefresh string) (*RefreshResult, error) {
	parts := ParseRefreshParts(compositeRefresh)

	data := url.Values{
		"client_id":     {config.OAuthConfig.ClientID},
		"client_secret": {config.OAuthConfig.ClientSecret},
		"refresh_token": {parts.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	body, status, err := postForm(ctx, config.OAuthConfig.TokenURL, data)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}
	if status != http.StatusOK {
		// 400/401 means the grant itself was rejected (revoked or expired
		// refresh token). Anything else is a token endpoint hiccup and must
		// not read as a credential failure.
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return nil, fmt.Errorf("token refresh failed: %s", string(body))
		}
		return nil, fmt.Errorf("token endpoint returned %d: %s", status, string(body))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	return &RefreshResult{
		AccessToken: result.AccessToken,
		ExpiresIn:   result.ExpiresIn,
	}, nil
}

// GetUserEmail gets the user email for an access token
func GetUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.OAuthConfig.UserInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		utils.Error("[OAuth] getUserEmail failed: %d %s", resp.StatusCode, string(body))
		return "", fmt.Errorf("failed to get user info: %d", resp.StatusCode)
	}

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return "", fmt.Errorf("failed to parse user info: %w", err)
	}
	return userInfo.Email, nil
}

// DiscoverProjectID discovers the CodeAssist project id for the
// authenticated user, trying each upstream endpoint in fallback order.
func DiscoverProjectID(ctx context.Context, accessToken string) (string, error) {
	reqBody, _ := json.Marshal(map[string]interface{}{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})

	for _, endpoint := range config.CodeAssistEndpointFallbacks {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			endpoint+"/v1internal:loadCodeAssist", strings.NewReader(string(reqBody)))
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			utils.Warn("[OAuth] Project discovery failed at %s: %v", endpoint, err)
			continue
		}

		var data map[string]interface{}
		decodeErr := json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || decodeErr != nil {
			utils.Warn("[OAuth] Project discovery returned %d at %s", resp.StatusCode, endpoint)
			continue
		}

		if projectID, ok := data["cloudaicompanionProject"].(string); ok && projectID != "" {
			return projectID, nil
		}
		if projectObj, ok := data["cloudaicompanionProject"].(map[string]interface{}); ok {
			if projectID, ok := projectObj["id"].(string); ok && projectID != "" {
				return projectID, nil
			}
		}
	}
	return "", nil
}

// OAuthFlowResult represents the complete result of an OAuth flow
type OAuthFlowResult struct {
	Email        string
	RefreshToken string
	AccessToken  string
	ProjectID    string
}

// CompleteOAuthFlow exchanges a pasted code and gathers the account identity
func CompleteOAuthFlow(ctx context.Context, code, verifier string) (*OAuthFlowResult, error) {
	tokens, err := ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	email, err := GetUserEmail(ctx, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get user email: %w", err)
	}

	projectID, _ := DiscoverProjectID(ctx, tokens.AccessToken)

	return &OAuthFlowResult{
		Email:        email,
		RefreshToken: tokens.RefreshToken,
		AccessToken:  tokens.AccessToken,
		ProjectID:    projectID,
	}, nil
}

func postForm(ctx context.Context, endpoint string, data url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
