package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/careops/medstock-auth/internal/authfail"
)

func newTestClient(t *testing.T, tokenStatus int, tokenBody, userInfoBody string) (*Client, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(tokenStatus)
		_, _ = w.Write([]byte(tokenBody))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(userInfoBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(
		Config{
			ProviderGoogle: {
				ClientID:     "client-id",
				ClientSecret: "client-secret",
				RedirectURL:  "https://app.example.com/callback",
			},
		},
		WithHTTPClient(srv.Client()),
		WithEndpoints(ProviderGoogle, oauth2.Endpoint{
			AuthURL:  srv.URL + "/auth",
			TokenURL: srv.URL + "/token",
		}, srv.URL+"/userinfo"),
	)
	return client, srv
}

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider("google")
	require.NoError(t, err)
	require.Equal(t, ProviderGoogle, p)

	_, err = ParseProvider("github")
	require.Equal(t, authfail.KindUnsupportedProvider, authfail.KindOf(err))
}

func TestAuthCodeURL(t *testing.T) {
	client, srv := newTestClient(t, http.StatusOK, `{}`, `{}`)

	url, err := client.AuthCodeURL(ProviderGoogle, "anti-csrf-state")
	require.NoError(t, err)
	require.Contains(t, url, srv.URL+"/auth")
	require.Contains(t, url, "client_id=client-id")
	require.Contains(t, url, "state=anti-csrf-state")
	require.Contains(t, url, "redirect_uri=")

	_, err = client.AuthCodeURL(ProviderMicrosoft, "s")
	require.Equal(t, authfail.KindUnsupportedProvider, authfail.KindOf(err))
}

func TestExchangeSuccess(t *testing.T) {
	client, _ := newTestClient(t, http.StatusOK,
		`{"access_token":"provider-token","token_type":"Bearer","refresh_token":"provider-refresh","expires_in":3600}`, `{}`)

	token, err := client.Exchange(context.Background(), ProviderGoogle, "auth-code")
	require.NoError(t, err)
	require.Equal(t, "provider-token", token.AccessToken)
	require.Equal(t, "provider-refresh", token.RefreshToken)
}

func TestExchangeFailureIsTyped(t *testing.T) {
	client, _ := newTestClient(t, http.StatusBadRequest, `{"error":"invalid_grant"}`, `{}`)

	_, err := client.Exchange(context.Background(), ProviderGoogle, "bad-code")
	require.Equal(t, authfail.KindOAuthExchangeFailed, authfail.KindOf(err))
}

func TestExchangeRejectsEmptyAccessToken(t *testing.T) {
	client, _ := newTestClient(t, http.StatusOK, `{"access_token":"","token_type":"Bearer"}`, `{}`)

	_, err := client.Exchange(context.Background(), ProviderGoogle, "auth-code")
	require.Equal(t, authfail.KindOAuthExchangeFailed, authfail.KindOf(err))
}

func TestFetchIdentityGoogle(t *testing.T) {
	client, _ := newTestClient(t, http.StatusOK, `{}`,
		`{"id":"g-123","email":"alice@example.com","name":"Alice","picture":"https://img.example.com/a.png"}`)

	identity, err := client.FetchIdentity(context.Background(), ProviderGoogle, &oauth2.Token{AccessToken: "tok"})
	require.NoError(t, err)
	require.Equal(t, &Identity{
		Provider:   ProviderGoogle,
		ProviderID: "g-123",
		Email:      "alice@example.com",
		Name:       "Alice",
		Picture:    "https://img.example.com/a.png",
	}, identity)
}

func TestMicrosoftIdentityFallsBackToPrincipalName(t *testing.T) {
	resp := httptest.NewRecorder()
	resp.Header().Set("Content-Type", "application/json")
	_, _ = resp.WriteString(`{"id":"m-1","mail":"","userPrincipalName":"bob@contoso.com","displayName":"Bob"}`)

	identity, err := decodeIdentity(ProviderMicrosoft, resp.Result())
	require.NoError(t, err)
	require.Equal(t, "bob@contoso.com", identity.Email)
	require.Equal(t, "Bob", identity.Name)
}
