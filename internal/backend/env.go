package backend

import (
	"os"
	"strings"

	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

// allProviderEnvVars is every canonical provider-key variable name,
// used when stripping oauth-mode sessions clean.
var allProviderEnvVars = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GOOGLE_API_KEY",
	"GROQ_API_KEY",
	"OPENROUTER_API_KEY",
}

// looksLikeProviderSecret reports whether an environment variable name
// matches the provider-secret pattern: *_API_KEY suffixes plus the
// Google-cloud credential names Pi sessions honor.
func looksLikeProviderSecret(name string) bool {
	upper := strings.ToUpper(name)
	if strings.HasSuffix(upper, "_API_KEY") {
		return true
	}
	switch upper {
	case "GOOGLE_APPLICATION_CREDENTIALS", "GCLOUD_PROJECT", "GOOGLE_CLOUD_PROJECT":
		return true
	}
	return false
}

// GatewayProviderKeyVars lists the provider-secret-shaped variables
// present in the gateway's own process environment. The supervisor
// warns about these at boot: they are never forwarded to sessions.
func GatewayProviderKeyVars() []string {
	var found []string
	for _, kv := range os.Environ() {
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			continue
		}
		if looksLikeProviderSecret(kv[:i]) {
			found = append(found, kv[:i])
		}
	}
	return found
}

// providerEnvVar returns the canonical *_API_KEY variable name a
// provider's key is conventionally read from.
func providerEnvVar(p types.ProviderKey) string {
	switch p {
	case types.ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case types.ProviderOpenAI:
		return "OPENAI_API_KEY"
	case types.ProviderGoogle:
		return "GOOGLE_API_KEY"
	case types.ProviderGroq:
		return "GROQ_API_KEY"
	case types.ProviderOpenRouter:
		return "OPENROUTER_API_KEY"
	}
	return ""
}

// BuildEnv constructs the environment a started BackendSession is
// allowed to see:
//
//   - The gateway's own process environment is never forwarded
//     wholesale; every *_API_KEY-shaped variable is stripped from it
//     first.
//   - A session's user-supplied env overrides are filtered: a
//     provider-secret-shaped name only survives if auth.mode is
//     api_key and the name is the resolved variable for
//     auth.providerKey.
//   - In oauth mode every provider-key env var is explicitly removed,
//     even ones the user did not try to set.
//   - In api_key mode the resolved key is written into the canonical
//     variable for auth.providerKey, overriding anything the session
//     env tried to set for it.
func BuildEnv(auth types.SessionAuth, resolvedKey string, userEnv map[string]string) map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			continue
		}
		name, val := kv[:i], kv[i+1:]
		if looksLikeProviderSecret(name) {
			continue
		}
		out[name] = val
	}

	wantVar := providerEnvVar(auth.ProviderKey)
	for name, val := range userEnv {
		if looksLikeProviderSecret(name) {
			if auth.Mode != types.AuthAPIKey || !strings.EqualFold(name, wantVar) {
				continue
			}
		}
		out[name] = val
	}

	switch auth.Mode {
	case types.AuthOAuth:
		for _, v := range allProviderEnvVars {
			delete(out, v)
		}
	case types.AuthAPIKey:
		if wantVar != "" && resolvedKey != "" {
			out[wantVar] = resolvedKey
		}
	}

	return out
}
