package cache

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// policy describes how entries of one namespace are cached.
type policy struct {
	// shared entries are never held in a node-local tier, so every node
	// reads the value the last writer left.
	shared bool
}

var policies = map[string]policy{
	domain.NamespaceTrust:     {shared: true},
	domain.NamespaceProfile:   {},
	domain.NamespaceRateLimit: {shared: true},
	domain.NamespacePenalty:   {shared: true},
}

// entryKey addresses one cached value: its namespace and the subject it
// describes, usually a user id.
type entryKey struct {
	namespace string
	subject   string
}

func newKey(namespace, subject string) (entryKey, error) {
	if _, ok := policies[namespace]; !ok {
		return entryKey{}, fmt.Errorf("%w: unknown cache namespace %q", domain.ErrInvalidInput, namespace)
	}
	return entryKey{namespace: namespace, subject: subject}, nil
}

// remote is the Redis key. The subject is the hash tag, so a user's score,
// counter and penalty sit in one cluster slot.
func (k entryKey) remote() string {
	return "kestrel:{" + k.subject + "}:" + k.namespace
}

// remoteCounter is the Redis key of the counter kept beside the value.
func (k entryKey) remoteCounter() string {
	return k.remote() + ":n"
}

func (k entryKey) String() string {
	return k.namespace + "/" + k.subject
}

// isShared reports whether a namespace bypasses node-local tiers. Unknown
// namespaces are not shared; the tiers reject them.
func isShared(namespace string) bool {
	return policies[namespace].shared
}
