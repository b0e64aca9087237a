// Package zookeeper describes a single-node ZooKeeper container.
package zookeeper

import (
	"strconv"

	"github.com/artpar/stackup/internal/core/domain"
)

const (
	DefaultImage = "confluentinc/cp-zookeeper"
	DefaultTag   = "latest"

	// EnvClientPort is the variable the image reads its client port from.
	EnvClientPort = "ZOOKEEPER_CLIENT_PORT"
)

// New returns a descriptor for a ZooKeeper node named name that serves
// clients on port. The name is also its hostname on a shared network.
func New(name string, port int) *domain.Descriptor {
	return domain.NewDescriptor(DefaultImage, DefaultTag).
		WithName(name).
		WithEnv(EnvClientPort, strconv.Itoa(port))
}
