package amqp

import (
	"context"
	"strings"
)

// DefaultVirtualHost names the namespace used when a client opens "/" or
// an empty virtual host.
const DefaultVirtualHost = "default"

// NamespaceName identifies the tenant-scoped namespace a connection is bound
// to by Connection.Open.
type NamespaceName struct {
	Tenant string
	Local  string
}

func (n NamespaceName) String() string { return n.Tenant + "/" + n.Local }

// IsZero reports whether n has not been set.
func (n NamespaceName) IsZero() bool { return n.Tenant == "" && n.Local == "" }

// namespaceFor maps a client supplied virtual host to a namespace under
// tenant. One leading '/' is stripped.
func namespaceFor(tenant, virtualHost string) NamespaceName {
	local := strings.TrimPrefix(virtualHost, "/")
	if local == "" {
		local = DefaultVirtualHost
	}
	return NamespaceName{Tenant: tenant, Local: local}
}

// NamespaceResolver is the external namespace service. When a connection has
// no resolver every virtual host is accepted.
type NamespaceResolver interface {
	NamespaceExists(ctx context.Context, name NamespaceName) (bool, error)
}

// StaticNamespaces accepts only the listed local names.
type StaticNamespaces map[string]struct{}

// NewStaticNamespaces builds a resolver from virtual host names. Names are
// normalized the same way Connection.Open normalizes them.
func NewStaticNamespaces(names ...string) StaticNamespaces {
	s := StaticNamespaces{}
	for _, n := range names {
		s[namespaceFor("", n).Local] = struct{}{}
	}
	return s
}

func (s StaticNamespaces) NamespaceExists(_ context.Context, name NamespaceName) (bool, error) {
	_, ok := s[name.Local]
	return ok, nil
}
