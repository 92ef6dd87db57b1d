package pipelineclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestJSON_DecodesBodyAndCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"running":false}`))
	}))
	defer srv.Close()

	c := New(time.Second)
	resp, err := c.RequestJSON(context.Background(), srv.URL, "/stats")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.JSONEq(t, `{"running":false}`, string(resp.Body))
}

func TestRequestJSON_EmptyBodyDecodesAsNull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(time.Second)
	resp, err := c.Start(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "null", string(resp.Body))
}

func TestRequestJSON_InvalidBodyIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := New(time.Second)
	_, err := c.Pause(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestRequestJSON_TimesOutAgainstASlowServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(5 * time.Millisecond)
	_, err := c.Stats(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestRequestJSON_NoAuthorizationHeaderWithoutSigningKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(time.Second)
	_, err := c.Stats(context.Background(), srv.URL)
	require.NoError(t, err)
}

func TestNewAuthenticated_SignsBearerToken(t *testing.T) {
	signingKey := []byte("test-signing-key")
	var gotHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewAuthenticated(time.Second, signingKey)
	_, err := c.Stats(context.Background(), srv.URL)
	require.NoError(t, err)

	require.True(t, len(gotHeader) > len("Bearer "))
	raw := gotHeader[len("Bearer "):]

	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (interface{}, error) {
		return signingKey, nil
	})
	require.NoError(t, err)
	claims := token.Claims.(*jwt.RegisteredClaims)
	assert.Equal(t, "pipeline-controller", claims.Subject)
	assert.True(t, claims.ExpiresAt.After(time.Now()))
}

func TestNewAuthenticated_RejectsWrongKey(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewAuthenticated(time.Second, []byte("real-key"))
	_, err := c.Stats(context.Background(), srv.URL)
	require.NoError(t, err)

	raw := gotHeader[len("Bearer "):]
	_, err = jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (interface{}, error) {
		return []byte("wrong-key"), nil
	})
	assert.Error(t, err)
}
