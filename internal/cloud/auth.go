package cloud

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// authClientTimeout bounds each authenticated request end to end,
// including the token refresh round trip.
const authClientTimeout = 45 * time.Second

// AuthConfig holds the OAuth2 client-credentials settings for the
// shadow service data plane.
type AuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// NewAuthenticatedHTTPClient returns an *http.Client whose transport
// injects and refreshes bearer tokens via the client-credentials
// grant. The context governs token refresh requests for the lifetime
// of the client.
func NewAuthenticatedHTTPClient(ctx context.Context, cfg AuthConfig) *http.Client {
	cc := clientcredentials.Config{
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
	}

	client := cc.Client(ctx)
	client.Timeout = authClientTimeout

	return client
}
