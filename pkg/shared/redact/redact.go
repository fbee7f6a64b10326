package redact

import "strings"

var sensitiveKeys = []string{"password", "private-key", "passphrase", "token", "secret"}

// Settings masks credential-bearing connection settings best-effort so
// decrypted token contents can be logged.
func Settings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if isSensitiveKey(k) {
			out[k] = "***"
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(k string) bool {
	lk := strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if strings.Contains(lk, s) {
			return true
		}
	}
	return false
}
