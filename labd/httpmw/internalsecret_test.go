package httpmw_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/labforge/labforge/labd/httpmw"
)

func TestRequireInternalSecret(t *testing.T) {
	t.Parallel()

	serve := func(secret, provided string) *http.Response {
		rtr := protect(httpmw.RequireInternalSecret(secret))
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if provided != "" {
			r.Header.Set(httpmw.InternalSecretHeader, provided)
		}
		rw := httptest.NewRecorder()
		rtr.ServeHTTP(rw, r)
		return rw.Result()
	}

	t.Run("Valid", func(t *testing.T) {
		t.Parallel()
		res := serve("hunter2", "hunter2")
		defer res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode)
	})

	t.Run("Wrong", func(t *testing.T) {
		t.Parallel()
		res := serve("hunter2", "hunter3")
		defer res.Body.Close()
		require.Equal(t, http.StatusForbidden, res.StatusCode)
	})

	t.Run("Missing", func(t *testing.T) {
		t.Parallel()
		res := serve("hunter2", "")
		defer res.Body.Close()
		require.Equal(t, http.StatusForbidden, res.StatusCode)
	})

	t.Run("Unconfigured", func(t *testing.T) {
		t.Parallel()
		// Internal routes fail closed when no secret is configured.
		res := serve("", "anything")
		defer res.Body.Close()
		require.Equal(t, http.StatusInternalServerError, res.StatusCode)
	})
}

func protect(mw func(http.Handler) http.Handler) http.Handler {
	return mw(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}))
}
