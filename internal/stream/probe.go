package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// capabilitiesPath is the provider's out-of-band entitlement endpoint.
const capabilitiesPath = "/api/v1/capabilities"

// Prober checks realtime entitlement against the provider's REST surface.
type Prober struct {
	client *resty.Client
}

// NewProber builds a prober for the given REST base URL. The token is the
// only authentication this core carries.
func NewProber(baseURL, token string, timeout time.Duration) *Prober {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Prober{client: client}
}

// ProbeAccess asks the provider whether realtime scope is authorized and
// which channels are available. A 401/403 is a definitive denial, not an
// error; transport failures are errors and treated as transient by the
// caller.
func (p *Prober) ProbeAccess(ctx context.Context) (ProbeResult, error) {
	var body struct {
		Realtime bool     `json:"realtime"`
		Channels []string `json:"channels"`
		Reason   string   `json:"reason"`
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(capabilitiesPath)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("capability probe: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return ProbeResult{Granted: body.Realtime, Channels: body.Channels, Reason: body.Reason}, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ProbeResult{Granted: false, Reason: fmt.Sprintf("provider returned %d", resp.StatusCode())}, nil
	default:
		return ProbeResult{}, fmt.Errorf("capability probe: unexpected status %d", resp.StatusCode())
	}
}
