// Package profile предоставляет клиент сервиса профилей пользователей.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом профилей.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// UserProfile описывает ответ сервиса профилей по одному пользователю.
type UserProfile struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	ImageURL    string `json:"image_url"`
}

// NewClient создаёт HTTP-клиент для обращения к сервису профилей по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

// GetProfile запрашивает публичные поля профиля указанного пользователя.
func (c *Client) GetProfile(ctx context.Context, userID int64) (*UserProfile, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("profile client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/users/%d", base, userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("user %d not found in profile service", userID)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result UserProfile
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}
