// Package provision creates Outline access keys for paid orders.
package provision

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrProvision is returned when no key could be created.
var ErrProvision = errors.New("key provisioning failed")

type accessKey struct {
	ID        string `json:"id"`
	AccessURL string `json:"accessUrl"`
}

// Outline creates keys through the Outline server management API. The
// management URL already embeds the API secret.
type Outline struct {
	client *resty.Client
}

// NewOutline returns a provisioner for apiURL. Outline servers ship with a
// self-signed certificate; insecureTLS skips verification for them.
func NewOutline(apiURL string, insecureTLS bool, timeout time.Duration) *Outline {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(apiURL, "/")).
		SetTimeout(timeout)
	if insecureTLS {
		c.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // self-signed Outline cert
	}
	return &Outline{client: c}
}

// CreateKey creates a new access key and returns its access URL.
func (o *Outline) CreateKey(ctx context.Context) (string, error) {
	var key accessKey
	resp, err := o.client.R().
		SetContext(ctx).
		SetResult(&key).
		Post("/access-keys")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProvision, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: outline status %d", ErrProvision, resp.StatusCode())
	}
	if strings.TrimSpace(key.AccessURL) == "" {
		return "", fmt.Errorf("%w: empty accessUrl", ErrProvision)
	}
	return key.AccessURL, nil
}
