// Package auth resolves the request principal. Authentication itself happens
// upstream; this package only reads the headers the gateway forwards.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

// Principal identifies the caller and the freva services acting on their
// behalf.
type Principal struct {
	Username string
	VaultURL string
	RestURL  string
	Token    string
}

// ErrNoPrincipal is returned when the expected identity headers are absent.
var ErrNoPrincipal = errors.New("missing user identity headers")

// DevPrincipal is used when dev mode is enabled.
var DevPrincipal = Principal{
	Username: "dev-user",
	VaultURL: "http://localhost:5002",
	RestURL:  "http://localhost:7777",
}

// Resolver extracts the principal from incoming requests.
type Resolver struct {
	dev bool
}

// NewResolver creates a resolver; dev short-circuits to DevPrincipal.
func NewResolver(dev bool) *Resolver {
	return &Resolver{dev: dev}
}

// Resolve reads the forwarded identity headers.
func (r *Resolver) Resolve(req *http.Request) (Principal, error) {
	if r.dev {
		return DevPrincipal, nil
	}

	p := Principal{
		Username: req.Header.Get("X-Freva-User"),
		VaultURL: req.Header.Get("X-Freva-Vault-Url"),
		RestURL:  req.Header.Get("X-Freva-Rest-Url"),
		Token:    bearerToken(req.Header.Get("Authorization")),
	}
	if p.Username == "" {
		return Principal{}, ErrNoPrincipal
	}
	return p, nil
}

// ToolHeaders is the header bundle forwarded to tool servers so they can act
// with the caller's credentials.
func (p Principal) ToolHeaders() map[string]string {
	headers := make(map[string]string)
	if p.Username != "" {
		headers["X-Freva-User"] = p.Username
	}
	if p.VaultURL != "" {
		headers["X-Freva-Vault-Url"] = p.VaultURL
	}
	if p.RestURL != "" {
		headers["X-Freva-Rest-Url"] = p.RestURL
	}
	if p.Token != "" {
		headers["Authorization"] = "Bearer " + p.Token
	}
	return headers
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
