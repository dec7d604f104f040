// Package clients holds the HTTP clients for the collaborator services this
// core calls out to: the user-site subsystem, the accounts subsystem and the
// client registry.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// UserSitesClient marks user-sites connected in the user-site aggregate.
type UserSitesClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewUserSitesClient constructs a client for the user-site subsystem.
func NewUserSitesClient(baseURL string) *UserSitesClient {
	return &UserSitesClient{baseURL: baseURL, httpClient: newHTTPClient()}
}

// MarkConnected flags the listed user-sites as connected. The call is
// idempotent on the collaborator side; re-running it after a partial failure
// is safe.
func (c *UserSitesClient) MarkConnected(ctx context.Context, userID uuid.UUID, siteIDs []uuid.UUID) error {
	if len(siteIDs) == 0 {
		return nil
	}

	body, err := json.Marshal(struct {
		UserSiteIDs []uuid.UUID `json:"user_site_ids"`
	}{UserSiteIDs: siteIDs})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/internal/users/%s/user-sites/connected", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("mark connected failed (%d): %s", resp.StatusCode, raw)
	}
	return nil
}

// UserAccounts is the accounts subsystem's view of a user.
type UserAccounts struct {
	CountryCode  string    `json:"country_code"`
	BaseCurrency string    `json:"base_currency"`
	Accounts     []Account `json:"accounts"`
}

// Account is one account row returned by the accounts subsystem.
type Account struct {
	ID   uuid.UUID `json:"id"`
	Type string    `json:"type"`
}

// AccountsClient fetches the current account set for a user.
type AccountsClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAccountsClient constructs a client for the accounts subsystem.
func NewAccountsClient(baseURL string) *AccountsClient {
	return &AccountsClient{baseURL: baseURL, httpClient: newHTTPClient()}
}

// AccountsForUser returns the user's accounts plus country/currency context.
func (c *AccountsClient) AccountsForUser(ctx context.Context, userID uuid.UUID) (UserAccounts, error) {
	url := fmt.Sprintf("%s/internal/users/%s/accounts", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return UserAccounts{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UserAccounts{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return UserAccounts{}, fmt.Errorf("account fetch failed (%d): %s", resp.StatusCode, raw)
	}

	var accounts UserAccounts
	if err := json.NewDecoder(resp.Body).Decode(&accounts); err != nil {
		return UserAccounts{}, err
	}
	return accounts, nil
}

// Features are the enrichment features enabled for the client owning a user.
type Features struct {
	Categorization      bool `json:"categorization"`
	TransactionCycles   bool `json:"transaction_cycles"`
	Labels              bool `json:"labels"`
	MerchantRecognition bool `json:"merchant_recognition"`
}

// EnrichmentEnabled reports whether any enrichment feature is on. Activities
// for such clients stay open until the enrichment pipeline reports back.
func (f Features) EnrichmentEnabled() bool {
	return f.Categorization || f.TransactionCycles || f.Labels || f.MerchantRecognition
}

// FeaturesClient resolves the feature flags of the client owning a user.
type FeaturesClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewFeaturesClient constructs a client for the client registry.
func NewFeaturesClient(baseURL string) *FeaturesClient {
	return &FeaturesClient{baseURL: baseURL, httpClient: newHTTPClient()}
}

// FeaturesForUser returns the owning client's enabled enrichment features.
func (c *FeaturesClient) FeaturesForUser(ctx context.Context, userID uuid.UUID) (Features, error) {
	url := fmt.Sprintf("%s/internal/users/%s/features", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Features{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Features{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return Features{}, fmt.Errorf("feature fetch failed (%d): %s", resp.StatusCode, raw)
	}

	var features Features
	if err := json.NewDecoder(resp.Body).Decode(&features); err != nil {
		return Features{}, err
	}
	return features, nil
}
