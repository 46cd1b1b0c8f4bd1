package db

import (
	"net/url"
	"strings"
)

// Redact returns dsn with its password masked, for logging. Non-URL DSNs
// (key=value form) are reduced to their host and dbname pairs.
func Redact(dsn string) string {
	if dsn == "" {
		return ""
	}
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "<unparseable dsn>"
		}
		return u.Redacted()
	}
	var kept []string
	for _, kv := range strings.Fields(dsn) {
		k, _, _ := strings.Cut(kv, "=")
		switch k {
		case "host", "port", "dbname", "user", "sslmode":
			kept = append(kept, kv)
		}
	}
	return strings.Join(kept, " ")
}
