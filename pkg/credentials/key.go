package credentials

import "strings"

// Record names under which the two session records are stored.
const (
	RecordCredentials = "credentials"
	RecordPrincipal   = "principal"
)

// DefaultKeyPrefix namespaces records in shared backends such as Redis.
const DefaultKeyPrefix = "apiclient:session"

// Keys generates the stable storage keys for one session namespace.
type Keys struct {
	// Prefix is joined to each record name with a colon.
	Prefix string
}

// Credentials returns the key holding the credential pair.
//
// Example:
//
//	Keys{Prefix: "apiclient:session"}.Credentials() // "apiclient:session:credentials"
func (k Keys) Credentials() string {
	return k.join(RecordCredentials)
}

// Principal returns the key holding the principal.
func (k Keys) Principal() string {
	return k.join(RecordPrincipal)
}

func (k Keys) join(record string) string {
	prefix := strings.Trim(k.Prefix, ":")
	if prefix == "" {
		return record
	}
	return prefix + ":" + record
}
