package registry

import (
	"github.com/google/uuid"
	"github.com/pscheid92/logcast/internal/domain"
)

type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type getOrCreateCmd struct {
	baseRegistryCmd
	key   domain.ChannelKey
	reply chan domain.ChannelInfo
}

type hasCmd struct {
	baseRegistryCmd
	key   domain.ChannelKey
	reply chan bool
}

type pingCmd struct {
	baseRegistryCmd
	reply chan struct{}
}

type heartbeatCmd struct {
	baseRegistryCmd
	key   domain.ChannelKey
	label string
}

type publishCmd struct {
	baseRegistryCmd
	key  domain.ChannelKey
	line string
}

type removeCmd struct {
	baseRegistryCmd
	key   domain.ChannelKey
	reply chan bool
}

type listCmd struct {
	baseRegistryCmd
	reply chan []domain.ChannelInfo
}

type snapshotCmd struct {
	baseRegistryCmd
	key   domain.ChannelKey
	reply chan []string
}

type viewerCountCmd struct {
	baseRegistryCmd
	key   domain.ChannelKey
	reply chan int
}

type attachCmd struct {
	baseRegistryCmd
	key    domain.ChannelKey
	viewer domain.Viewer
	reply  chan error
}

type detachCmd struct {
	baseRegistryCmd
	viewerID uuid.UUID
	reply    chan struct{}
}

type expireCmd struct {
	baseRegistryCmd
	channel *channel
	gen     uint64
}

type stopCmd struct {
	baseRegistryCmd
}
