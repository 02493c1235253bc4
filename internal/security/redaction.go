package security

import (
	"regexp"
	"strings"
)

const marker = "[REDACTED]"

var (
	secretKeyExpr     = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern   = regexp.MustCompile(`(?i)\b(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"';&|]+)`)
	flagSecretPattern = regexp.MustCompile(`(?i)(--?` + secretKeyExpr + `)(\s+|=)(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"';&|]+)`)
	jsonSecretPattern = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	headerPattern     = regexp.MustCompile(`(?i)((?:authorization|cookie)\s*:\s*)(?:"[^"]*"|'[^']*'|[^\r\n"']+)`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	urlUserPattern    = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)[^\s/@:]+(?::[^\s/@]*)?@`)
	pemBlockPattern   = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
	secretLikePattern = regexp.MustCompile(`(?i)(-----BEGIN [^-]+ PRIVATE KEY-----|` + secretKeyExpr + `|authorization|bearer\s|cookie\s*:|://[^\s/@]+@)`)
)

// RedactCommand masks credentials in a shell command line before it is
// logged or written to the dispatch audit. The command structure is kept.
func RedactCommand(cmd string) string {
	if cmd == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(cmd, "[REDACTED_PRIVATE_KEY]")
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"`+marker+`"`)
	out = headerPattern.ReplaceAllString(out, `${1}`+marker)
	out = bearerPattern.ReplaceAllString(out, "Bearer "+marker)
	out = flagSecretPattern.ReplaceAllString(out, `${1}${2}`+marker)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		if strings.HasSuffix(match, marker) {
			return match
		}
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return marker
		}
		return match[:idx+1] + marker
	})
	out = urlUserPattern.ReplaceAllString(out, `${1}`+marker+`@`)
	return out
}

func RedactCommands(cmds []string) []string {
	if cmds == nil {
		return nil
	}
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = RedactCommand(c)
	}
	return out
}

// LooksSecret reports whether s still carries something credential-like
// that RedactCommand left in place.
func LooksSecret(s string) bool {
	redacted := RedactCommand(s)
	return secretLikePattern.MatchString(s) && !strings.Contains(redacted, marker) && !strings.Contains(redacted, "[REDACTED_PRIVATE_KEY]")
}
