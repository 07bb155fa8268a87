package scheduler

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solinex/clearmatch/internal/engine"
	"github.com/solinex/clearmatch/pkg/metrics"
	"github.com/solinex/clearmatch/pkg/models"
)

// ErrConflict aborts an optimistic group when it tries to claim a key
// another group already owns. It never reaches callers: the affected
// orders are re-applied serially.
var ErrConflict = errors.New("scheduler: conflicting key claim")

// Executor applies one order. The claim callback reserves conflict keys
// discovered during matching; if it returns an error the executor must
// abort with no state change and surface that error.
type Executor interface {
	Execute(o *models.Order, claim engine.ClaimFunc) (*engine.Receipt, error)
}

// Result is the outcome for one order of a batch, in submission order.
type Result struct {
	Index   int
	OrderID uuid.UUID
	Receipt *engine.Receipt
	Err     error
}

// Scheduler partitions a batch of verified orders into groups that
// touch disjoint accounts and markets, executes groups concurrently on
// a bounded worker pool, and serializes within each group. The final
// state is identical to applying the whole batch sequentially in
// submission order: undeclared dependencies discovered mid-match
// (resting makers owned by another group) abort the group before any
// mutation and its remaining orders replay serially.
type Scheduler struct {
	logger  *zap.Logger
	workers int
}

// New creates a scheduler with a bounded worker pool.
func New(logger *zap.Logger, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{logger: logger, workers: workers}
}

// ExecuteBatch runs a batch. Orders must already be verified and carry
// ascending SubmitSeq; input order defines the sequential baseline.
func (s *Scheduler) ExecuteBatch(exec Executor, orders []*models.Order) []Result {
	results := make([]Result, len(orders))
	if len(orders) == 0 {
		return results
	}

	groups := partition(orders)
	metrics.SchedulerGroups.Observe(float64(len(groups)))

	table := newClaimTable()
	for gid, idxs := range groups {
		for _, i := range idxs {
			table.preclaim(gid, orders[i].ConflictKeys()...)
		}
	}

	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, s.workers)
		mu       sync.Mutex
		deferred []int
	)
	for gid, idxs := range groups {
		wg.Add(1)
		go func(gid int, idxs []int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			for n, i := range idxs {
				o := orders[i]
				claim := func(keys ...string) error {
					return table.claim(gid, keys...)
				}
				receipt, err := exec.Execute(o, claim)
				if errors.Is(err, ErrConflict) {
					// Cross-group dependency surfaced mid-batch; park
					// this and every later order of the group for the
					// serial phase.
					metrics.SchedulerConflicts.Inc()
					mu.Lock()
					deferred = append(deferred, idxs[n:]...)
					mu.Unlock()
					return
				}
				results[i] = Result{Index: i, OrderID: o.ID, Receipt: receipt, Err: err}
			}
		}(gid, idxs)
	}
	wg.Wait()

	if len(deferred) > 0 {
		sort.Ints(deferred)
		metrics.SchedulerReplays.Add(float64(len(deferred)))
		s.logger.Debug("replaying conflicted orders serially", zap.Int("count", len(deferred)))
		for _, i := range deferred {
			o := orders[i]
			receipt, err := exec.Execute(o, nil)
			results[i] = Result{Index: i, OrderID: o.ID, Receipt: receipt, Err: err}
		}
	}
	return results
}

// partition groups order indices with union-find over conflict keys.
// Group slices keep submission order; group ids are arbitrary.
func partition(orders []*models.Order) map[int][]int {
	parent := make([]int, len(orders))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	keyOwner := make(map[string]int)
	for i, o := range orders {
		for _, k := range o.ConflictKeys() {
			if j, ok := keyOwner[k]; ok {
				union(j, i)
			} else {
				keyOwner[k] = i
			}
		}
	}

	groups := make(map[int][]int)
	for i := range orders {
		root := find(i)
		groups[root] = append(groups[root], i)
	}
	return groups
}

// claimTable maps conflict keys to the group that owns them for the
// duration of a batch.
type claimTable struct {
	mu    sync.Mutex
	owner map[string]int
}

func newClaimTable() *claimTable {
	return &claimTable{owner: make(map[string]int)}
}

// preclaim records a group's declared keys. Partitioning guarantees
// declared keys of different groups are disjoint.
func (t *claimTable) preclaim(gid int, keys ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		t.owner[k] = gid
	}
}

// claim reserves keys discovered at run time. All keys are checked
// before any is taken, so a failed claim leaves the table unchanged.
func (t *claimTable) claim(gid int, keys ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		if g, ok := t.owner[k]; ok && g != gid {
			return ErrConflict
		}
	}
	for _, k := range keys {
		t.owner[k] = gid
	}
	return nil
}
