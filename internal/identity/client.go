package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/haven-realty/haven-authz/internal/catalog"
	"github.com/haven-realty/haven-authz/internal/shared"
)

// Client talks to the identity provider's user API.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient constructs a new client.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type userPayload struct {
	ID       string       `json:"id"`
	Email    string       `json:"email_address"`
	Metadata metadataBlob `json:"public_metadata"`
}

type metadataBlob struct {
	Role                 string                    `json:"role,omitempty"`
	Permissions          []string                  `json:"permissions,omitempty"`
	PermissionMeta       map[string]GrantMeta      `json:"permission_meta,omitempty"`
	TemporaryPermissions map[string]TemporaryGrant `json:"temporary_permissions,omitempty"`
}

// GetProfile fetches one principal's profile by id.
func (c *Client) GetProfile(ctx context.Context, id string) (Profile, error) {
	if id == "" {
		return Profile{}, fmt.Errorf("identity: %w: principal id required", shared.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/users/%s", c.baseURL, url.PathEscape(id)), nil)
	if err != nil {
		return Profile{}, err
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("identity: get profile %s: %w: %v", id, shared.ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusNotFound {
		return Profile{}, fmt.Errorf("identity: profile %s: %w", id, shared.ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return Profile{}, fmt.Errorf("identity: get profile %s: %w: status %d", id, shared.ErrUnavailable, resp.StatusCode)
	}
	var payload userPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Profile{}, fmt.Errorf("identity: decode profile %s: %w", id, err)
	}
	return toProfile(payload), nil
}

// UpdateProfile writes the full metadata blob back to the provider. The
// provider replaces the blob wholesale, so the caller must have merged any
// fields it did not intend to change.
func (c *Client) UpdateProfile(ctx context.Context, profile Profile) error {
	if profile.ID == "" {
		return fmt.Errorf("identity: %w: principal id required", shared.ErrInvalidInput)
	}
	body, err := json.Marshal(map[string]metadataBlob{
		"public_metadata": {
			Role:                 string(profile.Role),
			Permissions:          profile.Permissions,
			PermissionMeta:       profile.PermissionMeta,
			TemporaryPermissions: profile.TemporaryPermissions,
		},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, fmt.Sprintf("%s/v1/users/%s/metadata", c.baseURL, url.PathEscape(profile.ID)), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity: update profile %s: %w: %v", profile.ID, shared.ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("identity: profile %s: %w", profile.ID, shared.ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("identity: update profile %s: %w: status %d", profile.ID, shared.ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// ListProfiles returns one page of profiles ordered by provider id.
func (c *Client) ListProfiles(ctx context.Context, offset, limit int) ([]Profile, error) {
	if limit <= 0 {
		limit = 100
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/users?offset=%d&limit=%d", c.baseURL, offset, limit), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: list profiles: %w: %v", shared.ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("identity: list profiles: %w: status %d", shared.ErrUnavailable, resp.StatusCode)
	}
	var payloads []userPayload
	if err := json.NewDecoder(resp.Body).Decode(&payloads); err != nil {
		return nil, fmt.Errorf("identity: decode profile list: %w", err)
	}
	profiles := make([]Profile, 0, len(payloads))
	for _, payload := range payloads {
		profiles = append(profiles, toProfile(payload))
	}
	return profiles, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
}

func toProfile(payload userPayload) Profile {
	return Profile{
		ID:                   payload.ID,
		Email:                payload.Email,
		Role:                 catalog.Role(payload.Metadata.Role),
		Permissions:          payload.Metadata.Permissions,
		PermissionMeta:       payload.Metadata.PermissionMeta,
		TemporaryPermissions: payload.Metadata.TemporaryPermissions,
	}
}
