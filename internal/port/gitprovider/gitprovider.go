// Package gitprovider defines the port interface the git-sync scheduler
// uses to resolve repository clone URLs and authenticate against a hosted
// git provider, decoupling the scheduler from any specific provider SDK.
package gitprovider

import "context"

// RepositoryRef identifies a repository known to a provider.
type RepositoryRef struct {
	Owner string
	Name  string
}

// Credentials carries a short-lived token usable as a git HTTP credential.
type Credentials struct {
	Username string // "x-access-token" for GitHub App installation tokens
	Token    string
	ExpiresAtUnix int64
}

// Provider resolves authenticated access to a repository.
type Provider interface {
	// CloneURL returns the authenticated HTTPS clone URL for ref.
	CloneURL(ctx context.Context, ref RepositoryRef) (string, error)

	// CredentialsFor returns short-lived credentials for ref, suitable for
	// injection into a git credential helper.
	CredentialsFor(ctx context.Context, ref RepositoryRef) (Credentials, error)
}
