package labd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/labforge/labforge/labd/expstore"
	"github.com/labforge/labforge/labd/httpapi"
)

// Claim rejections. Each aborts the conditional write with the record
// untouched.
var (
	errAlreadyCleaned  = xerrors.New("lab already cleaned")
	errNotEligible     = xerrors.New("lab not eligible for cleanup")
	errCleanupInFlight = xerrors.New("cleanup already in progress")
)

// postLabCleanup tears down an expired lab and marks it cleaned. The
// handler is idempotent under repeated invocations for the same lab:
// callers that lose the claim race, or arrive after the lab is cleaned,
// get a success response without a second teardown. This is what makes
// at-least-once invocation from the reaper safe.
func (api *api) postLabCleanup(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	labID := chi.URLParam(r, "lab")
	now := api.Clock.Now().UTC()
	log := api.Logger.With(slog.F("lab_id", labID))

	// The eligibility checks and the claim are a single conditional
	// write. The decision is made on the record as the transaction
	// observes it, never on an earlier read, so out of any number of
	// concurrent callers exactly one claim succeeds and performs the
	// physical teardown. In particular a retry claim on a record
	// already in pending_cleanup cannot slip past a concurrent claim:
	// either it observes the fresh last_attempt_at and defers, or the
	// concurrent write aborts its transaction.
	var expiresAt time.Time
	claimed, err := api.Store.UpdateLab(ctx, labID, expstore.CleanupStateAny, func(lab *expstore.Lab) error {
		if lab.CleanupState == expstore.CleanupStateCleaned {
			return errAlreadyCleaned
		}
		// The reaper should only invoke cleanup for expired labs, but
		// the API cannot trust its callers blindly.
		if lab.CleanupState == expstore.CleanupStateActive && now.Before(lab.ExpiresAt) {
			expiresAt = lab.ExpiresAt
			return errNotEligible
		}
		// A claimed cleanup may still be running server-side even if
		// its caller abandoned it. Suppress overlapping teardowns
		// until the in-flight window has passed.
		if lab.CleanupState == expstore.CleanupStatePendingCleanup &&
			!lab.LastAttemptAt.IsZero() &&
			now.Before(lab.LastAttemptAt.Add(api.CleanupInFlightWindow)) {
			return errCleanupInFlight
		}
		lab.CleanupState = expstore.CleanupStatePendingCleanup
		lab.LastAttemptAt = now
		return nil
	})
	switch {
	case xerrors.Is(err, expstore.ErrNotFound):
		// Already cleaned and garbage collected, or never existed.
		// Either way there is nothing left to tear down.
		httpapi.Write(rw, http.StatusOK, httpapi.Response{
			Message: fmt.Sprintf("lab %q does not exist or was already cleaned", labID),
		})
		return
	case xerrors.Is(err, errAlreadyCleaned):
		httpapi.Write(rw, http.StatusOK, httpapi.Response{
			Message: fmt.Sprintf("lab %q was already cleaned", labID),
		})
		return
	case xerrors.Is(err, errCleanupInFlight):
		httpapi.Write(rw, http.StatusOK, httpapi.Response{
			Message: fmt.Sprintf("cleanup of lab %q is already in progress", labID),
		})
		return
	case xerrors.Is(err, errNotEligible):
		httpapi.Write(rw, http.StatusConflict, httpapi.Response{
			Message: fmt.Sprintf("lab %q is not eligible for cleanup: lease does not expire until %s", labID, expiresAt),
		})
		return
	case xerrors.Is(err, expstore.ErrStateConflict):
		api.writeClaimConflict(rw, r, labID)
		return
	case err != nil:
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
			Message: fmt.Sprintf("claim lab for cleanup: %s", err.Error()),
		})
		return
	}

	err = api.Teardown.Teardown(ctx, claimed)
	if err != nil {
		log.Error(ctx, "lab teardown failed", slog.Error(err))
		// Record the failure before reporting it so that the reaper's
		// retry accounting stays accurate. The failure is never
		// swallowed.
		failed, uerr := api.Store.UpdateLab(ctx, labID, expstore.CleanupStatePendingCleanup, func(lab *expstore.Lab) error {
			lab.CleanupState = expstore.CleanupStateFailed
			lab.CleanupAttempts++
			return nil
		})
		if uerr != nil {
			log.Error(ctx, "record teardown failure", slog.Error(uerr))
		} else {
			log.Warn(ctx, "lab cleanup failed",
				slog.F("cleanup_attempts", failed.CleanupAttempts),
			)
		}
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
			Message: fmt.Sprintf("teardown failed: %s", err.Error()),
		})
		return
	}

	_, err = api.Store.UpdateLab(ctx, labID, expstore.CleanupStatePendingCleanup, func(lab *expstore.Lab) error {
		lab.CleanupState = expstore.CleanupStateCleaned
		return nil
	})
	if err != nil {
		// The teardown completed but the state write failed. Report a
		// retryable error; the repeated teardown on retry is harmless
		// because teardown is idempotent.
		log.Error(ctx, "mark lab cleaned", slog.Error(err))
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.Response{
			Message: fmt.Sprintf("mark lab cleaned: %s", err.Error()),
		})
		return
	}
	log.Info(ctx, "lab cleaned")
	httpapi.Write(rw, http.StatusOK, httpapi.Response{
		Message: fmt.Sprintf("lab %q cleaned", labID),
	})
}

// writeClaimConflict resolves a lost claim race by re-reading the
// record. A concurrent caller winning the claim is a success for this
// caller too; anything else is reported for retry.
func (api *api) writeClaimConflict(rw http.ResponseWriter, r *http.Request, labID string) {
	lab, err := api.Store.GetLab(r.Context(), labID)
	if xerrors.Is(err, expstore.ErrNotFound) || (err == nil && lab.CleanupState == expstore.CleanupStateCleaned) {
		httpapi.Write(rw, http.StatusOK, httpapi.Response{
			Message: fmt.Sprintf("lab %q was already cleaned", labID),
		})
		return
	}
	if err == nil && lab.CleanupState == expstore.CleanupStatePendingCleanup {
		httpapi.Write(rw, http.StatusOK, httpapi.Response{
			Message: fmt.Sprintf("cleanup of lab %q is already in progress", labID),
		})
		return
	}
	// The record changed under us in an unexpected way, e.g. a renewal
	// raced the claim. Let the caller re-evaluate.
	httpapi.Write(rw, http.StatusConflict, httpapi.Response{
		Message: fmt.Sprintf("lab %q changed state during cleanup claim", labID),
	})
}
