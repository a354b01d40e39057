package queue

import (
	"context"

	"github.com/ssuji15/ciwatch/model"
)

// Queue fans snapshots out to other processes.
type Queue interface {
	PublishSnapshot(ctx context.Context, s model.Snapshot) error
	// SubscribeSnapshots delivers snapshots, starting with the newest stored one,
	// until ctx is done or Shutdown is called.
	SubscribeSnapshots(ctx context.Context, handler func(model.Snapshot) error) error
	Shutdown()
}
