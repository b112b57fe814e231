package agent

import "strings"

// selectScopes selects the OAuth scope string to request.
//
// Priority order:
//  1. Manually configured scopes (--oauth-scopes)
//  2. scopes_supported from Protected Resource Metadata
//  3. scopes_supported from Authorization Server Metadata
//  4. Omit the scope parameter (empty string)
//
// This requests only the scopes the server advertises, or none at all.
func selectScopes(override []string, resourceMetadata *ProtectedResourceMetadata, asMetadata *AuthorizationServerMetadata) string {
	if scopes := nonEmpty(override); len(scopes) > 0 {
		return strings.Join(scopes, " ")
	}

	if resourceMetadata != nil {
		if scopes := nonEmpty(resourceMetadata.ScopesSupported); len(scopes) > 0 {
			return strings.Join(scopes, " ")
		}
	}

	if asMetadata != nil {
		if scopes := nonEmpty(asMetadata.ScopesSupported); len(scopes) > 0 {
			return strings.Join(scopes, " ")
		}
	}

	return ""
}

func nonEmpty(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
