// Package reporesolver implements service.RepoResolver against repositories
// checked out under a single root directory, identified by "owner/name" ids.
// It is the glue between the git-sync scheduler and the cliwrap/gitprovider
// ports: every repository the gateway syncs lives at <root>/<owner>/<name>
// and is driven by the command runner passed to New (local or container).
package reporesolver

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fleetgate/gateway/internal/port/cliwrap"
	"github.com/fleetgate/gateway/internal/port/gitprovider"
)

// Resolver resolves a "owner/name" repository id to its on-disk checkout
// under Root and a CommandRunner to execute git against it.
type Resolver struct {
	Root   string
	Runner cliwrap.CommandRunner
}

// New constructs a Resolver.
func New(root string, runner cliwrap.CommandRunner) *Resolver {
	return &Resolver{Root: root, Runner: runner}
}

// Resolve implements service.RepoResolver.
func (r *Resolver) Resolve(ctx context.Context, repositoryID string) (gitprovider.RepositoryRef, cliwrap.CommandRunner, string, error) {
	owner, name, err := splitRepositoryID(repositoryID)
	if err != nil {
		return gitprovider.RepositoryRef{}, nil, "", err
	}
	workDir := filepath.Join(r.Root, owner, name)
	return gitprovider.RepositoryRef{Owner: owner, Name: name}, r.Runner, workDir, nil
}

func splitRepositoryID(id string) (owner, name string, err error) {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository id %q must be of the form owner/name", id)
	}
	return parts[0], parts[1], nil
}
