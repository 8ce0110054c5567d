// Package idgen generates short, prefixed, collision-checked identifiers
// for domain entities (e.g. "prof_3k9fjeqz2m7t1c8h9w0vxsybrg").
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
)

const (
	alphabet   = "0123456789abcdefghijklmnopqrstuvwxyz"
	bodyLength = 26
)

// seen tracks IDs issued by this process so a crypto/rand collision — vanishingly
// unlikely but not impossible — is caught instead of silently aliasing two entities.
var seen sync.Map

// Prefixes used across the domain so call sites don't hand-type them.
const (
	PrefixProfile    = "prof"
	PrefixPool       = "pool"
	PrefixSyncOp     = "gso"
	PrefixDCGPack    = "dcgp"
	PrefixDCGRule    = "dcgr"
	PrefixBlockEvent = "dcg"
	PrefixHistory    = "hist"
	PrefixAuditEntry = "audit"
)

// New generates a new identifier of the form "<prefix>_<26-char base36 body>".
// It panics on a detected collision or on rand.Reader failure, since both
// indicate the process's entropy source is broken and no caller can recover
// from that safely.
func New(prefix string) string {
	for {
		id := prefix + "_" + randomBody()
		if _, loaded := seen.LoadOrStore(id, struct{}{}); !loaded {
			return id
		}
		panic(fmt.Sprintf("idgen: collision generating id with prefix %q", prefix))
	}
}

func randomBody() string {
	buf := make([]byte, bodyLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("idgen: rand.Read failed: %v", err))
	}

	var sb strings.Builder
	sb.Grow(bodyLength)
	for _, b := range buf {
		sb.WriteByte(alphabet[int(b)%len(alphabet)])
	}
	return sb.String()
}

// HasPrefix reports whether id was minted with the given prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
