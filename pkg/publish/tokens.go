package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	DefaultTokenEnv   = "DOTCI_PUBLISH_TOKEN"
	DefaultIDTokenEnv = "DOTCI_ID_TOKEN"
	DefaultTokenTTL   = 15 * time.Minute
)

// StaticTokenSource hands out a token read from the environment, bounded
// by TTL. It is meant for local runs against a development registry.
type StaticTokenSource struct {
	Env string
	TTL time.Duration
	Now func() time.Time
}

func (s StaticTokenSource) Token(ctx context.Context, runID, environment string) (Credential, error) {
	env := s.Env
	if env == "" {
		env = DefaultTokenEnv
	}
	token := os.Getenv(env)
	if token == "" {
		return Credential{}, authFailure(fmt.Errorf("%s is not set", env))
	}
	return Credential{
		Token:       token,
		RunID:       runID,
		Environment: environment,
		ExpiresAt:   now(s.Now).Add(ttl(s.TTL)),
	}, nil
}

// OIDCTokenSource exchanges the runner's OIDC identity token for a short
// lived upload token at the registry's mint endpoint.
type OIDCTokenSource struct {
	Endpoint string
	// IDTokenEnv names the variable holding the identity token.
	IDTokenEnv string
	Client     *http.Client
	Now        func() time.Time
}

func NewOIDCTokenSource(endpoint string) *OIDCTokenSource {
	return &OIDCTokenSource{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type mintRequest struct {
	Token       string `json:"token"`
	RunID       string `json:"run_id"`
	Environment string `json:"environment,omitempty"`
}

type mintResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

func (o *OIDCTokenSource) Token(ctx context.Context, runID, environment string) (Credential, error) {
	env := o.IDTokenEnv
	if env == "" {
		env = DefaultIDTokenEnv
	}
	idToken := os.Getenv(env)
	if idToken == "" {
		return Credential{}, authFailure(fmt.Errorf("no identity token in %s", env))
	}

	body, err := json.Marshal(mintRequest{Token: idToken, RunID: runID, Environment: environment})
	if err != nil {
		return Credential{}, authFailure(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Credential{}, authFailure(err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	issued := now(o.Now)
	resp, err := client.Do(req)
	if err != nil {
		return Credential{}, authFailure(fmt.Errorf("unable to mint token at %s: %v", o.Endpoint, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Credential{}, authFailure(fmt.Errorf("token endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(msg))))
	}
	var minted mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&minted); err != nil {
		return Credential{}, authFailure(fmt.Errorf("unable to decode minted token: %v", err))
	}
	if minted.Token == "" {
		return Credential{}, authFailure(fmt.Errorf("token endpoint returned no token"))
	}

	expires := DefaultTokenTTL
	if minted.ExpiresIn > 0 {
		expires = time.Duration(minted.ExpiresIn) * time.Second
	}
	return Credential{
		Token:       minted.Token,
		RunID:       runID,
		Environment: environment,
		ExpiresAt:   issued.Add(expires),
	}, nil
}

func now(f func() time.Time) time.Time {
	if f == nil {
		return time.Now()
	}
	return f()
}

func ttl(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTokenTTL
	}
	return d
}
