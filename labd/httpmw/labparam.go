package httpmw

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/xerrors"

	"github.com/labforge/labforge/labd/expstore"
	"github.com/labforge/labforge/labd/httpapi"
)

type labParamContextKey struct{}

// LabParam returns the lab record from the ExtractLabParam handler.
func LabParam(r *http.Request) expstore.Lab {
	lab, ok := r.Context().Value(labParamContextKey{}).(expstore.Lab)
	if !ok {
		panic("developer error: lab param middleware not provided")
	}
	return lab
}

// ExtractLabParam grabs a lab record from the "lab" URL parameter.
func ExtractLabParam(store expstore.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			labID := chi.URLParam(r, "lab")
			if labID == "" {
				httpapi.Write(rw, http.StatusBadRequest, httpapi.Response{
					Message: "lab must be provided",
				})
				return
			}
			lab, err := store.GetLab(r.Context(), labID)
			if xerrors.Is(err, expstore.ErrNotFound) {
				httpapi.Write(rw, http.StatusNotFound, httpapi.Response{
					Message: fmt.Sprintf("lab %q does not exist", labID),
				})
				return
			}
			if err != nil {
				httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
					Message: fmt.Sprintf("get lab: %s", err.Error()),
				})
				return
			}

			ctx := context.WithValue(r.Context(), labParamContextKey{}, lab)
			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}
