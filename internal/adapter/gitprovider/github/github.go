// Package github implements the gitprovider port against GitHub, using a
// GitHub App installation token minted by ghinstallation.
package github

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v66/github"

	"github.com/fleetgate/gateway/internal/port/gitprovider"
)

// Provider is a gitprovider.Provider backed by a GitHub App installation.
type Provider struct {
	transport *ghinstallation.Transport
	client    *github.Client
}

// New builds a Provider for the given GitHub App, authenticating as the
// given installation. pemBytes is the App's private key in PEM form.
func New(appID, installationID int64, pemBytes []byte) (*Provider, error) {
	transport, err := ghinstallation.New(http.DefaultTransport, appID, installationID, pemBytes)
	if err != nil {
		return nil, fmt.Errorf("github: build installation transport: %w", err)
	}

	httpClient := &http.Client{Transport: transport}
	return &Provider{
		transport: transport,
		client:    github.NewClient(httpClient),
	}, nil
}

// CloneURL implements gitprovider.Provider.
func (p *Provider) CloneURL(ctx context.Context, ref gitprovider.RepositoryRef) (string, error) {
	repo, _, err := p.client.Repositories.Get(ctx, ref.Owner, ref.Name)
	if err != nil {
		return "", fmt.Errorf("github: get repository %s/%s: %w", ref.Owner, ref.Name, err)
	}
	return repo.GetCloneURL(), nil
}

// CredentialsFor implements gitprovider.Provider. GitHub App installation
// tokens authenticate as the literal username "x-access-token".
func (p *Provider) CredentialsFor(ctx context.Context, ref gitprovider.RepositoryRef) (gitprovider.Credentials, error) {
	token, err := p.transport.Token(ctx)
	if err != nil {
		return gitprovider.Credentials{}, fmt.Errorf("github: mint installation token: %w", err)
	}
	return gitprovider.Credentials{
		Username:      "x-access-token",
		Token:         token,
		ExpiresAtUnix: time.Now().Add(55 * time.Minute).Unix(),
	}, nil
}
