// Package wellknown models the discovery documents served under
// /.well-known. Clients fetch the protected resource metadata before
// attempting authentication to learn which authorization servers the
// deployment trusts.
package wellknown

// ProtectedResourceMetadata is the RFC 9728 document for this server,
// trimmed to the fields the deployment populates.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// PathProtectedResource is where the metadata document is served.
const PathProtectedResource = "/.well-known/oauth-protected-resource"
