package oauth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	gateway "github.com/eugener/shadowfax/internal"
)

// Social login providers.
const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"
)

const defaultSocialRegion = "us-east-1"

type socialPayload struct {
	Verifier    string `json:"verifier"`
	State       string `json:"state"`
	RedirectURI string `json:"redirectUri"`
}

func (d *Driver) socialConfig(region, provider, redirectURI string) *oauth2.Config {
	base := d.endpoints.Social(region)
	return &oauth2.Config{
		ClientID:    provider,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + "/oauth/authorize",
			TokenURL:  base + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// StartSocial begins a browser PKCE grant. The returned AuthURL must be
// opened by the user; the loopback callback finishes the session.
func (d *Driver) StartSocial(ctx context.Context, provider, region string) (*StartResult, error) {
	if provider != ProviderGoogle && provider != ProviderGitHub {
		return nil, fmt.Errorf("%w: unknown social provider %q", gateway.ErrBadRequest, provider)
	}
	if region == "" {
		region = defaultSocialRegion
	}

	d.mu.Lock()
	if d.callback == nil {
		cb, err := newCallbackServer(d.CallbackPortMin, d.CallbackPortMax)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		d.callback = cb
	}
	cb := d.callback
	d.mu.Unlock()

	verifier := oauth2.GenerateVerifier()
	state := oauth2.GenerateVerifier()

	sess, err := d.newSession(gateway.OAuthTypeSocial, provider, region, socialPayload{
		Verifier:    verifier,
		State:       state,
		RedirectURI: cb.redirectURI(),
	})
	if err != nil {
		return nil, err
	}
	if err := d.sessions.CreateOAuthSession(ctx, sess); err != nil {
		return nil, err
	}

	conf := d.socialConfig(region, provider, cb.redirectURI())
	authURL := conf.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("provider", provider),
	)

	// The exchange outlives the admin request that started the flow.
	exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionTTL)
	d.trackCancel(sess.ID, cancel)

	cb.expect(state, func(code, errParam string) {
		defer cb.forget(state)
		if errParam != "" {
			d.finish(exchangeCtx, sess, gateway.OAuthStatusError, "provider returned "+errParam, nil)
			return
		}
		tok, err := conf.Exchange(exchangeCtx, code,
			oauth2.VerifierOption(verifier),
			oauth2.SetAuthURLParam("provider", provider),
		)
		if err != nil {
			d.finish(exchangeCtx, sess, gateway.OAuthStatusError, err.Error(), nil)
			return
		}
		creds := &gateway.Credentials{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry,
			AuthMethod:   gateway.AuthMethodSocial,
			Region:       region,
		}
		if arn, ok := tok.Extra("profileArn").(string); ok {
			creds.ProfileARN = arn
		}
		d.finish(exchangeCtx, sess, gateway.OAuthStatusCompleted, "", creds)
	})

	// Expire the session if the browser never comes back.
	go func() {
		<-exchangeCtx.Done()
		cb.forget(state)
		if exchangeCtx.Err() == context.DeadlineExceeded {
			d.finish(exchangeCtx, sess, gateway.OAuthStatusTimeout, "login not completed in time", nil)
		}
	}()

	return &StartResult{SessionID: sess.ID, AuthURL: authURL}, nil
}
