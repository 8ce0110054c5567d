package http

import (
	"net/http"

	"github.com/fleetgate/gateway/internal/domain/channel"
)

// resolveAuth derives the authenticated principal from the gateway's API
// key and tenant headers. A request without X-API-Key is unauthenticated;
// route-level checks decide whether that's permitted.
func resolveAuth(r *http.Request) channel.AuthContext {
	auth := channel.AuthContext{APIKeyID: r.Header.Get("X-API-Key")}
	if workspace := r.Header.Get("X-Tenant-ID"); workspace != "" {
		auth.WorkspaceIDs = []string{workspace}
	}
	if r.Header.Get("X-Admin-Key") != "" {
		auth.IsAdmin = true
	}
	return auth
}
