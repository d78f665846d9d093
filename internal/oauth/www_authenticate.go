package oauth

import (
	"fmt"
	"strings"
)

// ParseWWWAuthenticate extracts the OAuth parameters the hub needs to start
// an authorization-code flow from a WWW-Authenticate header value, e.g.:
//
//	Bearer realm="https://auth.example.com", scope="mcp:tools",
//	       resource_metadata="https://example.com/.well-known/oauth-protected-resource"
func ParseWWWAuthenticate(header string) (*Challenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	parts := strings.SplitN(header, " ", 2)
	challenge := &Challenge{Scheme: parts[0]}

	if len(parts) > 1 {
		params := parseAuthParams(parts[1])
		challenge.Realm = params["realm"]
		if strings.HasPrefix(challenge.Realm, "http://") || strings.HasPrefix(challenge.Realm, "https://") {
			challenge.Issuer = challenge.Realm
		}
		challenge.ResourceMetadataURL = params["resource_metadata"]
		challenge.Scope = params["scope"]
		challenge.Error = params["error"]
		challenge.ErrorDescription = params["error_description"]
	}

	return challenge, nil
}

// parseAuthParams parses "key1=\"value1\", key2=\"value2\"" parameter lists,
// respecting commas embedded inside quoted values.
func parseAuthParams(paramStr string) map[string]string {
	params := make(map[string]string)

	var key strings.Builder
	var value strings.Builder
	var inQuotes, inValue bool
	currentKey := ""

	flush := func() {
		if currentKey != "" {
			params[currentKey] = strings.Trim(strings.TrimSpace(value.String()), `"`)
		}
		currentKey = ""
		key.Reset()
		value.Reset()
		inValue = false
	}

	for i := 0; i < len(paramStr); i++ {
		c := paramStr[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == '=' && !inQuotes && !inValue:
			currentKey = strings.TrimSpace(key.String())
			inValue = true
		case c == ',' && !inQuotes:
			flush()
		case (c == ' ' || c == '\t') && !inQuotes && !inValue:
			// skip leading whitespace between params
		default:
			if inValue {
				value.WriteByte(c)
			} else {
				key.WriteByte(c)
			}
		}
	}
	flush()

	return params
}
