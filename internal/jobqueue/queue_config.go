package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueTitles is the river queue title jobs run on.
const QueueTitles = "titles"

// QueueConfig holds the tunables of the river client.
type QueueConfig struct {
	MaxWorkers  int           // concurrent title jobs (default: 4)
	MaxAttempts int           // attempts per job before it is discarded (default: 3)
	JobTimeout  time.Duration // upper bound for one title generation (default: 1 minute)
}

func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:  4,
		MaxAttempts: 3,
		JobTimeout:  time.Minute,
	}
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		QueueTitles: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
