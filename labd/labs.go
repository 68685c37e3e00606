package labd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/labforge/labforge/cryptorand"
	"github.com/labforge/labforge/labd/expstore"
	"github.com/labforge/labforge/labd/httpapi"
	"github.com/labforge/labforge/labd/httpmw"
	"github.com/labforge/labforge/labsdk"
)

func (api *api) postLab(rw http.ResponseWriter, r *http.Request) {
	var req labsdk.CreateLabRequest
	if !httpapi.Read(rw, r, &req) {
		return
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	username, err := cryptorand.StringCharset(cryptorand.Human, 8)
	if err != nil {
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
			Message: fmt.Sprintf("generate username: %s", err.Error()),
		})
		return
	}
	password, err := cryptorand.String(16)
	if err != nil {
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
			Message: fmt.Sprintf("generate password: %s", err.Error()),
		})
		return
	}

	now := api.Clock.Now().UTC()
	lab := expstore.Lab{
		ID:            id,
		Name:          req.Name,
		CloudProvider: req.CloudProvider,
		Email:         req.Email,
		Username:      "student-" + username,
		Password:      password,
		Status:        expstore.ProvisionStatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(req.TTLMillis) * time.Millisecond),
		CleanupState:  expstore.CleanupStateActive,
	}
	err = api.Store.InsertLab(r.Context(), lab)
	if xerrors.Is(err, expstore.ErrAlreadyExists) {
		httpapi.Write(rw, http.StatusConflict, httpapi.Response{
			Message: fmt.Sprintf("lab %q already exists", id),
		})
		return
	}
	if err != nil {
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
			Message: fmt.Sprintf("insert lab: %s", err.Error()),
		})
		return
	}
	api.Logger.Info(r.Context(), "registered lab",
		slog.F("lab_id", lab.ID),
		slog.F("expires_at", lab.ExpiresAt),
	)
	httpapi.Write(rw, http.StatusCreated, labsdk.CreateLabResponse{
		Lab:      convertLab(lab),
		Password: password,
	})
}

func (api *api) putLabRenew(rw http.ResponseWriter, r *http.Request) {
	labID := chi.URLParam(r, "lab")
	var req labsdk.RenewLabRequest
	if !httpapi.Read(rw, r, &req) {
		return
	}
	now := api.Clock.Now().UTC()
	// The expectation on the active state prevents a renewal from
	// resurrecting a lab that a cleanup is already tearing down.
	updated, err := api.Store.UpdateLab(r.Context(), labID, expstore.CleanupStateActive, func(lab *expstore.Lab) error {
		lab.ExpiresAt = now.Add(time.Duration(req.TTLMillis) * time.Millisecond)
		return nil
	})
	if xerrors.Is(err, expstore.ErrNotFound) {
		httpapi.Write(rw, http.StatusNotFound, httpapi.Response{
			Message: fmt.Sprintf("lab %q does not exist", labID),
		})
		return
	}
	if xerrors.Is(err, expstore.ErrStateConflict) {
		httpapi.Write(rw, http.StatusConflict, httpapi.Response{
			Message: fmt.Sprintf("lab %q is already expiring and cannot be renewed", labID),
		})
		return
	}
	if err != nil {
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
			Message: fmt.Sprintf("renew lab: %s", err.Error()),
		})
		return
	}
	api.Logger.Info(r.Context(), "renewed lab lease",
		slog.F("lab_id", labID),
		slog.F("expires_at", updated.ExpiresAt),
	)
	httpapi.Write(rw, http.StatusOK, convertLab(updated))
}

func (api *api) putLabStatus(rw http.ResponseWriter, r *http.Request) {
	lab := httpmw.LabParam(r)
	var req labsdk.UpdateLabStatusRequest
	if !httpapi.Read(rw, r, &req) {
		return
	}
	// Marking a lab ready twice is a no-op, so that provisioning
	// callbacks can be retried safely.
	if lab.Status == expstore.ProvisionStatusReady && req.Status == expstore.ProvisionStatusReady {
		httpapi.Write(rw, http.StatusOK, convertLab(lab))
		return
	}
	updated, err := api.Store.UpdateLab(r.Context(), lab.ID, expstore.CleanupStateAny, func(lab *expstore.Lab) error {
		lab.Status = req.Status
		return nil
	})
	if xerrors.Is(err, expstore.ErrNotFound) {
		// Garbage collected between the param middleware's read and
		// this write.
		httpapi.Write(rw, http.StatusNotFound, httpapi.Response{
			Message: fmt.Sprintf("lab %q does not exist", lab.ID),
		})
		return
	}
	if err != nil {
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
			Message: fmt.Sprintf("update lab status: %s", err.Error()),
		})
		return
	}
	httpapi.Write(rw, http.StatusOK, convertLab(updated))
}

func (api *api) lab(rw http.ResponseWriter, r *http.Request) {
	lab := httpmw.LabParam(r)
	httpapi.Write(rw, http.StatusOK, convertLab(lab))
}

func (api *api) labs(rw http.ResponseWriter, r *http.Request) {
	labs, err := api.Store.ListLabs(r.Context())
	if err != nil {
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
			Message: fmt.Sprintf("list labs: %s", err.Error()),
		})
		return
	}
	apiLabs := make([]labsdk.Lab, 0, len(labs))
	for _, lab := range labs {
		apiLabs = append(apiLabs, convertLab(lab))
	}
	httpapi.Write(rw, http.StatusOK, apiLabs)
}

func (api *api) deleteLab(rw http.ResponseWriter, r *http.Request) {
	labID := chi.URLParam(r, "lab")
	err := api.Store.DeleteLab(r.Context(), labID)
	if xerrors.Is(err, expstore.ErrNotFound) {
		httpapi.Write(rw, http.StatusNotFound, httpapi.Response{
			Message: fmt.Sprintf("lab %q does not exist", labID),
		})
		return
	}
	if err != nil {
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
			Message: fmt.Sprintf("delete lab: %s", err.Error()),
		})
		return
	}
	api.Logger.Info(r.Context(), "deleted lab record", slog.F("lab_id", labID))
	httpapi.Write(rw, http.StatusOK, httpapi.Response{
		Message: fmt.Sprintf("lab %q deleted", labID),
	})
}

func convertLab(lab expstore.Lab) labsdk.Lab {
	var lastAttemptAt *time.Time
	if !lab.LastAttemptAt.IsZero() {
		lastAttemptAt = &lab.LastAttemptAt
	}
	return labsdk.Lab{
		ID:              lab.ID,
		Name:            lab.Name,
		CloudProvider:   lab.CloudProvider,
		Email:           lab.Email,
		Username:        lab.Username,
		Status:          lab.Status,
		CreatedAt:       lab.CreatedAt,
		ExpiresAt:       lab.ExpiresAt,
		CleanupState:    lab.CleanupState,
		CleanupAttempts: lab.CleanupAttempts,
		LastAttemptAt:   lastAttemptAt,
	}
}
