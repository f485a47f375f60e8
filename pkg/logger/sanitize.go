package logger

import "strings"

const redacted = "[REDACTED]"

// SanitizedEmail masks an identity for logs: first character of the local
// part and the top-level domain survive, e.g. "a****@*******.com".
func SanitizedEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "[invalid-email]"
	}

	if len(local) > 1 {
		local = local[:1] + strings.Repeat("*", len(local)-1)
	}

	if dot := strings.LastIndex(domain, "."); dot > 0 {
		masked := strings.Map(func(r rune) rune {
			if r == '.' {
				return r
			}
			return '*'
		}, domain[:dot])
		domain = masked + domain[dot:]
	}

	return local + "@" + domain
}

// sensitiveKeys are matched as substrings of lower-cased query keys
var sensitiveKeys = []string{"password", "token", "secret", "email", "code", "captcha", "auth"}

// RedactQuery replaces the values of credential-like query parameters.
// Keys are kept so the log still shows the request shape.
func RedactQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	pairs := strings.Split(rawQuery, "&")
	for i, pair := range pairs {
		key, _, _ := strings.Cut(pair, "=")
		lower := strings.ToLower(key)
		for _, s := range sensitiveKeys {
			if strings.Contains(lower, s) {
				pairs[i] = key + "=" + redacted
				break
			}
		}
	}
	return strings.Join(pairs, "&")
}

// secretPathPrefixes are routes whose last path segment is a bearer secret
var secretPathPrefixes = []string{"/auth/unlock/"}

// SanitizePath redacts secrets carried in the URL path, such as unlock tokens
func SanitizePath(path string) string {
	for _, prefix := range secretPathPrefixes {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return prefix + redacted
		}
	}
	return path
}
