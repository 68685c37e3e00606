package labsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labforge/labforge/labd/expstore"
)

// Lab is an ephemeral lab environment leased to a student. It expires
// and is torn down once its lease runs out without renewal.
type Lab struct {
	ID            string                   `json:"id"`
	Name          string                   `json:"name"`
	CloudProvider string                   `json:"cloud_provider"`
	Email         string                   `json:"email"`
	Username      string                   `json:"username"`
	Status        expstore.ProvisionStatus `json:"status"`
	CreatedAt     time.Time                `json:"created_at"`

	ExpiresAt       time.Time             `json:"expires_at"`
	CleanupState    expstore.CleanupState `json:"cleanup_state"`
	CleanupAttempts int                   `json:"cleanup_attempts"`
	LastAttemptAt   *time.Time            `json:"last_attempt_at,omitempty"`
}

// CreateLabRequest registers a new lab with a lease.
type CreateLabRequest struct {
	// ID optionally pins the lab identifier. One is generated when
	// omitted.
	ID            string `json:"id,omitempty"`
	Name          string `json:"name" validate:"required"`
	CloudProvider string `json:"cloud_provider" validate:"required,oneof=aws azure gcp"`
	Email         string `json:"email" validate:"required,email"`
	// TTLMillis is the lease duration. The lab becomes eligible for
	// cleanup once it elapses without renewal.
	TTLMillis int64 `json:"ttl_ms" validate:"required,gt=0"`
}

// CreateLabResponse returns the lab along with its generated
// credentials. The password is only ever returned here.
type CreateLabResponse struct {
	Lab      Lab    `json:"lab"`
	Password string `json:"password"`
}

// RenewLabRequest extends the lease of an active lab.
type RenewLabRequest struct {
	TTLMillis int64 `json:"ttl_ms" validate:"required,gt=0"`
}

// UpdateLabStatusRequest reports the provisioning outcome of a lab.
type UpdateLabStatusRequest struct {
	Status expstore.ProvisionStatus `json:"status" validate:"required,oneof=pending ready error"`
}

// CreateLab registers a new lab and returns it with generated
// credentials.
func (c *Client) CreateLab(ctx context.Context, req CreateLabRequest) (CreateLabResponse, error) {
	res, err := c.Request(ctx, http.MethodPost, "/api/v1/labs", req)
	if err != nil {
		return CreateLabResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		return CreateLabResponse{}, ReadBodyAsError(res)
	}
	var lab CreateLabResponse
	return lab, json.NewDecoder(res.Body).Decode(&lab)
}

// Lab returns a single lab.
func (c *Client) Lab(ctx context.Context, id string) (Lab, error) {
	res, err := c.Request(ctx, http.MethodGet, fmt.Sprintf("/api/v1/labs/%s", id), nil)
	if err != nil {
		return Lab{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Lab{}, ReadBodyAsError(res)
	}
	var lab Lab
	return lab, json.NewDecoder(res.Body).Decode(&lab)
}

// Labs lists all labs. Internal-only.
func (c *Client) Labs(ctx context.Context) ([]Lab, error) {
	res, err := c.Request(ctx, http.MethodGet, "/api/v1/labs", nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, ReadBodyAsError(res)
	}
	var labs []Lab
	return labs, json.NewDecoder(res.Body).Decode(&labs)
}

// RenewLab extends the lease of an active lab. Renewal fails once the
// lab has begun expiring; a lab mid-teardown cannot be resurrected.
func (c *Client) RenewLab(ctx context.Context, id string, req RenewLabRequest) (Lab, error) {
	res, err := c.Request(ctx, http.MethodPut, fmt.Sprintf("/api/v1/labs/%s/renew", id), req)
	if err != nil {
		return Lab{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Lab{}, ReadBodyAsError(res)
	}
	var lab Lab
	return lab, json.NewDecoder(res.Body).Decode(&lab)
}

// UpdateLabStatus reports the provisioning outcome of a lab. Marking a
// lab ready a second time is a no-op.
func (c *Client) UpdateLabStatus(ctx context.Context, id string, req UpdateLabStatusRequest) (Lab, error) {
	res, err := c.Request(ctx, http.MethodPut, fmt.Sprintf("/api/v1/labs/%s/status", id), req)
	if err != nil {
		return Lab{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Lab{}, ReadBodyAsError(res)
	}
	var lab Lab
	return lab, json.NewDecoder(res.Body).Decode(&lab)
}

// CleanupLab tears down an expired lab. The call is idempotent: it
// returns success for an absent or already-cleaned lab, and at most one
// concurrent call performs the physical teardown. Internal-only.
func (c *Client) CleanupLab(ctx context.Context, id string) error {
	res, err := c.Request(ctx, http.MethodPost, fmt.Sprintf("/api/v1/labs/%s/cleanup", id), nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return ReadBodyAsError(res)
	}
	return nil
}

// DeleteLab removes the lab record from the expiry store without
// tearing anything down. Internal-only; intended for manual resolution
// of labs stuck in cleanup_failed.
func (c *Client) DeleteLab(ctx context.Context, id string) error {
	res, err := c.Request(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/labs/%s", id), nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return ReadBodyAsError(res)
	}
	return nil
}
