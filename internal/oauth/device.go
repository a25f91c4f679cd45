package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
)

const (
	builderIDStartURL = "https://view.awsapps.com/start"
	builderIDRegion   = "us-east-1"

	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

var oidcScopes = []string{
	"codewhisperer:completions",
	"codewhisperer:analysis",
	"codewhisperer:conversations",
}

type devicePayload struct {
	ClientID        string    `json:"clientId"`
	ClientSecret    string    `json:"clientSecret"`
	DeviceCode      string    `json:"deviceCode"`
	UserCode        string    `json:"userCode"`
	VerificationURI string    `json:"verificationUriComplete"`
	Interval        int       `json:"interval"`
	ExpiresAt       time.Time `json:"expiresAt"`
	StartURL        string    `json:"startUrl"`
}

// StartBuilderID begins a device-code grant against the shared Builder ID
// start URL.
func (d *Driver) StartBuilderID(ctx context.Context) (*StartResult, error) {
	return d.startDevice(ctx, gateway.OAuthTypeBuilderID, builderIDStartURL, builderIDRegion)
}

// StartIdentityCenter begins a device-code grant against a user-provided
// Identity Center instance.
func (d *Driver) StartIdentityCenter(ctx context.Context, startURL, region string) (*StartResult, error) {
	if err := validateStartURL(startURL); err != nil {
		return nil, err
	}
	if err := validateIdentityCenterRegion(region); err != nil {
		return nil, err
	}
	return d.startDevice(ctx, gateway.OAuthTypeIdentityCenter, startURL, region)
}

func (d *Driver) startDevice(ctx context.Context, typ, startURL, region string) (*StartResult, error) {
	base := d.endpoints.OIDC(region)

	clientID, clientSecret, err := d.registerClient(ctx, base)
	if err != nil {
		return nil, err
	}

	auth, err := d.deviceAuthorize(ctx, base, clientID, clientSecret, startURL)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().UTC().Add(time.Duration(auth.ExpiresIn) * time.Second)
	if ttl := time.Now().UTC().Add(sessionTTL); auth.ExpiresIn <= 0 || deadline.After(ttl) {
		deadline = ttl
	}
	interval := auth.Interval
	if interval <= 0 {
		interval = 5
	}

	sess, err := d.newSession(typ, "", region, devicePayload{
		ClientID:        clientID,
		ClientSecret:    clientSecret,
		DeviceCode:      auth.DeviceCode,
		UserCode:        auth.UserCode,
		VerificationURI: auth.VerificationURIComplete,
		Interval:        interval,
		ExpiresAt:       deadline,
		StartURL:        startURL,
	})
	if err != nil {
		return nil, err
	}
	if err := d.sessions.CreateOAuthSession(ctx, sess); err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	d.trackCancel(sess.ID, cancel)
	go d.poll(pollCtx, sess, base, clientID, clientSecret, auth.DeviceCode, startURL, region, typ, interval)

	return &StartResult{
		SessionID: sess.ID,
		AuthURL:   auth.VerificationURIComplete,
		UserCode:  auth.UserCode,
	}, nil
}

// poll drives the token endpoint until the user approves, the grant
// expires, or the session is cancelled.
func (d *Driver) poll(ctx context.Context, sess *gateway.OAuthSession, base, clientID, clientSecret, deviceCode, startURL, region, typ string, interval int) {
	for {
		timer := time.NewTimer(time.Duration(interval) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			if ctx.Err() == context.DeadlineExceeded {
				d.finish(ctx, sess, gateway.OAuthStatusExpired, "device grant expired", nil)
			}
			return
		case <-timer.C:
		}

		body, status, err := d.postJSON(ctx, base+"/token", map[string]any{
			"clientId":     clientID,
			"clientSecret": clientSecret,
			"deviceCode":   deviceCode,
			"grantType":    deviceGrantType,
		})
		if err != nil {
			if ctx.Err() != nil {
				continue // loop observes cancellation/deadline above
			}
			d.logger.Warn("device token poll failed", "session", sess.ID, "error", err)
			continue
		}

		if status == http.StatusOK {
			creds := &gateway.Credentials{
				AccessToken:  gjson.GetBytes(body, "accessToken").String(),
				RefreshToken: gjson.GetBytes(body, "refreshToken").String(),
				ExpiresAt:    time.Now().UTC().Add(time.Duration(gjson.GetBytes(body, "expiresIn").Int()) * time.Second),
				Region:       region,
				StartURL:     startURL,
				SSORegion:    region,
				ClientID:     clientID,
				ClientSecret: clientSecret,
			}
			if typ == gateway.OAuthTypeBuilderID {
				creds.AuthMethod = gateway.AuthMethodBuilderID
			} else {
				creds.AuthMethod = gateway.AuthMethodIdC
			}
			d.finish(ctx, sess, gateway.OAuthStatusCompleted, "", creds)
			return
		}

		switch errCode := gjson.GetBytes(body, "error").String(); errCode {
		case "authorization_pending":
			// User has not approved yet; keep the cadence.
		case "slow_down":
			interval += 5
		case "expired_token":
			d.finish(ctx, sess, gateway.OAuthStatusExpired, "device grant expired", nil)
			return
		default:
			desc := gjson.GetBytes(body, "error_description").String()
			if desc == "" {
				desc = fmt.Sprintf("token endpoint returned %d: %s", status, errCode)
			}
			d.finish(ctx, sess, gateway.OAuthStatusError, desc, nil)
			return
		}
	}
}

type deviceAuthResponse struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

func (d *Driver) registerClient(ctx context.Context, base string) (clientID, clientSecret string, err error) {
	body, status, err := d.postJSON(ctx, base+"/client/register", map[string]any{
		"clientName": "shadowfax-" + time.Now().UTC().Format("20060102150405"),
		"clientType": "public",
		"scopes":     oidcScopes,
	})
	if err != nil {
		return "", "", fmt.Errorf("register oidc client: %w", err)
	}
	if status != http.StatusOK {
		return "", "", fmt.Errorf("register oidc client: status %d: %s", status, truncate(body, 200))
	}
	return gjson.GetBytes(body, "clientId").String(), gjson.GetBytes(body, "clientSecret").String(), nil
}

func (d *Driver) deviceAuthorize(ctx context.Context, base, clientID, clientSecret, startURL string) (*deviceAuthResponse, error) {
	body, status, err := d.postJSON(ctx, base+"/device_authorization", map[string]any{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"startUrl":     startURL,
	})
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("device authorization: status %d: %s", status, truncate(body, 200))
	}
	var resp deviceAuthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	return &resp, nil
}

func (d *Driver) postJSON(ctx context.Context, url string, payload map[string]any) ([]byte, int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
