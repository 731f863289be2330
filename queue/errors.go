package queue

import "github.com/cockroachdb/errors"

// errNoCurrentContributor is returned by CompleteHead and EvictHead when
// called on a queue with no current contributor — a scheduler/sweeper bug,
// since both operations are only reachable when a circuit has an active
// contributor.
var errNoCurrentContributor = errors.New("queue: no current contributor")
