package oauth

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/careops/medstock-auth/internal/authfail"
)

// Provider is the closed set of supported identity providers. Adding one
// means extending every switch below; there is no dynamic registry.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// ParseProvider maps an untrusted provider name onto the closed set.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderGoogle:
		return ProviderGoogle, nil
	case ProviderMicrosoft:
		return ProviderMicrosoft, nil
	default:
		return "", authfail.UnsupportedProvider(s)
	}
}

// ProviderConfig is the immutable per-provider registration, injected at
// construction; nothing reads provider settings from ambient state.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Config maps each enabled provider to its registration.
type Config map[Provider]ProviderConfig

func endpointFor(p Provider) oauth2.Endpoint {
	switch p {
	case ProviderGoogle:
		return google.Endpoint
	case ProviderMicrosoft:
		return microsoft.AzureADEndpoint("common")
	default:
		return oauth2.Endpoint{}
	}
}

func userInfoURLFor(p Provider) string {
	switch p {
	case ProviderGoogle:
		return "https://www.googleapis.com/oauth2/v2/userinfo"
	case ProviderMicrosoft:
		return "https://graph.microsoft.com/v1.0/me"
	default:
		return ""
	}
}

func defaultScopes(p Provider) []string {
	switch p {
	case ProviderGoogle:
		return []string{
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		}
	case ProviderMicrosoft:
		return []string{"openid", "profile", "email", "User.Read"}
	default:
		return nil
	}
}
