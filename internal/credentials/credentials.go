// Package credentials turns operator-managed Google credentials into token
// sources. Obtaining and refreshing consent happens outside this module; the
// rest of the code only sees an oauth2.TokenSource.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	AnalyticsReadonlyScope = "https://www.googleapis.com/auth/analytics.readonly"
	BigQueryReadonlyScope  = "https://www.googleapis.com/auth/bigquery.readonly"
	CloudPlatformScope     = "https://www.googleapis.com/auth/cloud-platform"
)

// ErrInvalidCredential means the token source could not produce a usable token.
var ErrInvalidCredential = errors.New("credential invalid or expired")

// TokenSource loads a service-account key file when keyFile is set, and falls
// back to Application Default Credentials otherwise.
func TokenSource(ctx context.Context, keyFile string, scopes ...string) (oauth2.TokenSource, error) {
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read service account key: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, scopes...)
		if err != nil {
			return nil, fmt.Errorf("parse service account key %s: %w", keyFile, err)
		}
		return creds.TokenSource, nil
	}

	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("find default credentials: %w", err)
	}
	return creds.TokenSource, nil
}

// Static wraps an already-refreshed bearer token.
func Static(accessToken string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
}

// Token fetches a token and rejects empty or expired ones.
func Token(ts oauth2.TokenSource) (*oauth2.Token, error) {
	if ts == nil {
		return nil, fmt.Errorf("%w: no token source", ErrInvalidCredential)
	}
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	if !tok.Valid() {
		return nil, ErrInvalidCredential
	}
	return tok, nil
}
