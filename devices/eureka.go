package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	eurekaPort    = 8008
	eurekaTimeout = 5 * time.Second

	eurekaDialTimeout           = 2 * time.Second
	eurekaResponseHeaderTimeout = 3 * time.Second
)

// EurekaInfo is the part of /setup/eureka_info the discovery uses.
type EurekaInfo struct {
	Name      string `mapstructure:"name"`
	BuildInfo struct {
		CastBuildRevision string `mapstructure:"cast_build_revision"`
		SystemBuild       string `mapstructure:"system_build_number"`
	} `mapstructure:"build_info"`
}

// EurekaClient reads device information from the local setup API of a
// Cast device.
type EurekaClient struct {
	client   *http.Client
	endpoint func(host string) string
}

// NewEurekaClient constructor generates an EurekaClient retrying each fetch
// up to retryMax times.
func NewEurekaClient(retryMax int) *EurekaClient {
	return &EurekaClient{
		client: newRetryableHTTPClient(retryMax),
		endpoint: func(host string) string {
			return fmt.Sprintf("http://%s/setup/eureka_info?params=name,build_info",
				net.JoinHostPort(host, fmt.Sprint(eurekaPort)))
		},
	}
}

func newRetryableHTTPClient(retryMax int) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = time.Second
	retryClient.Logger = nil
	retryClient.HTTPClient = &http.Client{
		Timeout: eurekaTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: eurekaDialTimeout,
			}).DialContext,
			ResponseHeaderTimeout: eurekaResponseHeaderTimeout,
		},
	}

	return retryClient.StandardClient()
}

// Fetch returns the eureka_info of the device at host.
func (c *EurekaClient) Fetch(ctx context.Context, host string) (*EurekaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(host), nil)
	if err != nil {
		return nil, fmt.Errorf("eureka_info request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("eureka_info get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("eureka_info status: %s", resp.Status)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("eureka_info decode: %w", err)
	}

	var info EurekaInfo
	if err := mapstructure.Decode(raw, &info); err != nil {
		return nil, fmt.Errorf("eureka_info fields: %w", err)
	}
	return &info, nil
}
