package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/goAuthClient/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedInspector struct {
	exp time.Time
}

func (f fixedInspector) ExpiresAt(string) (time.Time, bool) {
	return f.exp, !f.exp.IsZero()
}

func newClient(t *testing.T, h http.HandlerFunc, mutate ...func(*api.Config)) *api.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := api.Config{BaseURL: srv.URL}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := api.NewClient(cfg)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

var validCreds = api.Credentials{Email: "ada@example.com", Password: "Valid1!"}

func TestLoginSuccess(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/login", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ada@example.com", body["email"])
		assert.Equal(t, "Valid1!", body["password"])

		writeJSON(w, http.StatusOK, `{"token":"T1","refreshToken":"R1","expiresAt":"2030-01-02T03:04:05Z","user":{"id":1,"email":"ada@example.com","name":"Ada","role":"student","avatar":"a.png"}}`)
	})

	g, err := c.Login(context.Background(), validCreds)
	require.NoError(t, err)
	assert.True(t, g.HasTokens())
	assert.Equal(t, "T1", g.AccessToken)
	assert.Equal(t, "R1", g.RefreshToken)
	assert.True(t, g.ExpiresAt.Equal(time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)))
	require.NotNil(t, g.User)
	assert.Equal(t, int64(1), g.User.ID)
	assert.Equal(t, "Ada", g.User.Name)
	assert.JSONEq(t, `"a.png"`, string(g.User.Profile["avatar"]))
}

func TestLoginUnwrapsDataEnvelope(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"data":{"token":"T1","refreshToken":"R1","expiresAt":1893456000000,"user":{"id":"7","email":"ada@example.com"}}}`)
	})

	g, err := c.Login(context.Background(), validCreds)
	require.NoError(t, err)
	assert.Equal(t, "T1", g.AccessToken)
	assert.Equal(t, int64(7), g.User.ID)
	assert.Equal(t, int64(1893456000), g.ExpiresAt.Unix())
}

func TestLoginEpochSecondsExpiry(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"token":"T1","refreshToken":"R1","expiresAt":1893456000}`)
	})

	g, err := c.Login(context.Background(), validCreds)
	require.NoError(t, err)
	assert.Equal(t, int64(1893456000), g.ExpiresAt.Unix())
	assert.Nil(t, g.User)
}

func TestLoginExpiryFromInspector(t *testing.T) {
	exp := time.Unix(1893456000, 0)
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"token":"T1","refreshToken":"R1"}`)
	}, func(cfg *api.Config) {
		cfg.Inspector = fixedInspector{exp: exp}
	})

	g, err := c.Login(context.Background(), validCreds)
	require.NoError(t, err)
	assert.True(t, g.ExpiresAt.Equal(exp))
}

func TestLoginRejectedCredentials(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized} {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, status, `{"status":401,"message":"Credenciales inválidas"}`)
		})

		_, err := c.Login(context.Background(), validCreds)
		require.Error(t, err)
		assert.ErrorIs(t, err, api.ErrInvalidCredentials)

		var apiErr *api.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, status, apiErr.Status)
		assert.Equal(t, "Credenciales inválidas", apiErr.Message)
	}
}

func TestLoginDeactivatedAccount(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"status":403,"message":"Tu cuenta ha sido desactivada"}`)
	})

	_, err := c.Login(context.Background(), validCreds)
	assert.ErrorIs(t, err, api.ErrAccountDeactivated)
	assert.NotErrorIs(t, err, api.ErrInvalidCredentials)
	assert.Equal(t, http.StatusForbidden, api.StatusOf(err))
}

func TestLoginPlainForbiddenIsNotDeactivation(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"status":403,"message":"forbidden"}`)
	})

	_, err := c.Login(context.Background(), validCreds)
	assert.NotErrorIs(t, err, api.ErrAccountDeactivated)
	assert.Equal(t, http.StatusForbidden, api.StatusOf(err))
}

func TestLoginValidationNeverReachesNetwork(t *testing.T) {
	var hits atomic.Int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})

	cases := []api.Credentials{
		{Email: "", Password: "x"},
		{Email: "not-an-email", Password: "x"},
		{Email: "ada@example.com", Password: ""},
	}
	for _, creds := range cases {
		_, err := c.Login(context.Background(), creds)
		assert.ErrorIs(t, err, api.ErrInvalidInput)
	}
	assert.Zero(t, hits.Load())
}

func TestLoginMissingRefreshTokenIsMalformed(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"token":"T1"}`)
	})

	_, err := c.Login(context.Background(), validCreds)
	assert.ErrorIs(t, err, api.ErrMalformedResponse)
}

func TestLoginNonJSONBodyIsMalformed(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `<html>oops</html>`)
	})

	_, err := c.Login(context.Background(), validCreds)
	assert.ErrorIs(t, err, api.ErrMalformedResponse)
}

func TestNetworkFailureIsDistinctKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := api.NewClient(api.Config{BaseURL: url})
	require.NoError(t, err)

	_, err = c.Login(context.Background(), validCreds)
	assert.ErrorIs(t, err, api.ErrNetworkUnavailable)
	assert.NotErrorIs(t, err, api.ErrInvalidCredentials)
	assert.Zero(t, api.StatusOf(err))
}

func TestCanceledContextIsNotNetworkFailure(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{}`)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Me(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, api.ErrNetworkUnavailable)
}

func TestRegisterWithoutTokensIsPending(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Ada", body["name"])
		assert.Equal(t, "math", body["career"])

		writeJSON(w, http.StatusCreated, `{"user":{"id":9,"email":"ada@example.com"}}`)
	})

	g, err := c.Register(context.Background(), api.RegisterRequest{
		Email:    "ada@example.com",
		Password: "Valid1!",
		Name:     "Ada",
		Extra:    map[string]any{"career": "math"},
	})
	require.NoError(t, err)
	assert.False(t, g.HasTokens())
	require.NotNil(t, g.User)
	assert.Equal(t, int64(9), g.User.ID)
}

func TestRegisterConflictIsInvalidInput(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, `{"status":409,"message":"email already registered"}`)
	})

	_, err := c.Register(context.Background(), api.RegisterRequest{
		Email: "ada@example.com", Password: "Valid1!", Name: "Ada",
	})
	assert.ErrorIs(t, err, api.ErrInvalidInput)
	assert.Equal(t, http.StatusConflict, api.StatusOf(err))
}

func TestRefresh(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["refreshToken"] != "R1" {
			writeJSON(w, http.StatusUnauthorized, `{"status":401,"message":"invalid refresh token"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"token":"T2","expiresAt":"2030-01-01T00:00:00Z"}`)
	})

	g, err := c.Refresh(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, "T2", g.AccessToken)
	assert.Empty(t, g.RefreshToken)

	_, err = c.Refresh(context.Background(), "R-stale")
	assert.ErrorIs(t, err, api.ErrSessionExpired)

	_, err = c.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, api.ErrSessionExpired)
}

func TestRefreshServerErrorKeepsStatus(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, `upstream down`)
	})

	_, err := c.Refresh(context.Background(), "R1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, api.ErrSessionExpired)
	assert.Equal(t, http.StatusBadGateway, api.StatusOf(err))
}

func TestMe(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		writeJSON(w, http.StatusOK, `{"data":{"user":{"id":1,"email":"ada@example.com","name":"Ada","role":"admin","groups":[1,2]}}}`)
	})

	u, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "admin", u.Role)
	assert.JSONEq(t, `[1,2]`, string(u.Profile["groups"]))

	clone := u.Clone()
	clone.Profile["groups"][0] = '{'
	assert.JSONEq(t, `[1,2]`, string(u.Profile["groups"]))
}

func TestMeMissingUserIsMalformed(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":1}`)
	})

	_, err := c.Me(context.Background())
	assert.ErrorIs(t, err, api.ErrMalformedResponse)
}

func TestMeUnauthorizedIsSessionExpired(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"status":401,"message":"jwt expired"}`)
	})

	_, err := c.Me(context.Background())
	assert.ErrorIs(t, err, api.ErrSessionExpired)
}

func TestCustomPathsAndBasePath(t *testing.T) {
	var path atomic.Value
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}, func(cfg *api.Config) {
		cfg.BaseURL += "/api/v1"
		cfg.Paths.Logout = "/session/end"
	})

	require.NoError(t, c.Logout(context.Background(), "R1"))
	assert.Equal(t, "/api/v1/session/end", path.Load())
}

func TestNewClientRejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "::"} {
		_, err := api.NewClient(api.Config{BaseURL: raw})
		assert.Error(t, err, raw)
	}
}

func TestAPIErrorMessageFallback(t *testing.T) {
	err := api.NewAPIError(http.StatusTeapot, []byte("not json"), nil)
	assert.Contains(t, err.Error(), "I'm a teapot")
	assert.Nil(t, errors.Unwrap(err))
}
