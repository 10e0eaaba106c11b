package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"
)

// Web3Forms submits notification emails through the Web3Forms form API.
type Web3Forms struct {
	endpoint  string
	accessKey string
	fromName  string

	client *http.Client

	logger *slog.Logger
}

// IPAPI resolves an approximate location for an IP address through ip-api.com.
type IPAPI struct {
	endpoint string

	client *http.Client
}

type ipAPIResponse struct {
	Status     string `json:"status"`
	City       string `json:"city"`
	RegionName string `json:"regionName"`
	Country    string `json:"country"`
}

const (
	// DefaultWeb3FormsEndpoint is the public submission URL.
	DefaultWeb3FormsEndpoint = "https://api.web3forms.com/submit"
	// DefaultIPAPIEndpoint is the public lookup URL; the address is appended as a path segment.
	DefaultIPAPIEndpoint = "http://ip-api.com/json/"
)

// NewWeb3Forms creates a sender authenticated by accessKey. An empty endpoint selects the public API.
func NewWeb3Forms(endpoint, accessKey, fromName string, logger *slog.Logger) Web3Forms {
	if endpoint == "" {
		endpoint = DefaultWeb3FormsEndpoint
	}
	return Web3Forms{
		endpoint:  endpoint,
		accessKey: accessKey,
		fromName:  fromName,
		client:    &http.Client{Timeout: 15 * time.Second},
		logger:    logger.With(slog.String("module", "web3forms")),
	}
}

// Configured reports whether an access key is set.
func (w Web3Forms) Configured() bool {
	return w.accessKey != ""
}

// Send submits a message with the given subject as multipart form data.
func (w Web3Forms) Send(ctx context.Context, subject, message string) error {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := [][2]string{
		{"access_key", w.accessKey},
		{"subject", subject},
		{"from_name", w.fromName},
		{"message", message},
	}
	for _, f := range fields {
		if err := form.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("error writing form field %s: %w", f[0], err)
		}
	}
	if err := form.Close(); err != nil {
		return fmt.Errorf("error closing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, &body)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		w.logger.Error("Web3Forms rejected the submission",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(respBody)))
		return &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

// NewIPAPI creates a lookup client. An empty endpoint selects the public API.
func NewIPAPI(endpoint string) IPAPI {
	if endpoint == "" {
		endpoint = DefaultIPAPIEndpoint
	}
	return IPAPI{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Locate returns "city, region, country" for ip.
func (i IPAPI) Locate(ctx context.Context, ip string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.endpoint+url.PathEscape(ip), nil)
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &UpstreamError{StatusCode: resp.StatusCode}
	}

	var res ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}
	if res.Status != "success" {
		return "", fmt.Errorf("lookup failed with status %q", res.Status)
	}
	return fmt.Sprintf("%s, %s, %s", res.City, res.RegionName, res.Country), nil
}
