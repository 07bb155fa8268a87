package scheduler

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/solinex/clearmatch/internal/engine"
	"github.com/solinex/clearmatch/pkg/models"
)

func batchOrder(sender uuid.UUID, market string, seq uint64) *models.Order {
	return &models.Order{
		ID:        uuid.New(),
		Sender:    sender,
		Market:    market,
		Side:      models.OrderSideBuy,
		Type:      models.OrderTypeLimit,
		Price:     100,
		Quantity:  1,
		SubmitSeq: seq,
	}
}

// recordingExecutor applies orders by appending them to a log and lets a
// test decide, per order, which runtime keys to claim.
type recordingExecutor struct {
	mu       sync.Mutex
	applied  []uuid.UUID
	runtime  map[uuid.UUID][]string // extra keys claimed during matching
	serially map[uuid.UUID]bool     // orders that ran with claim == nil
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{
		runtime:  make(map[uuid.UUID][]string),
		serially: make(map[uuid.UUID]bool),
	}
}

func (x *recordingExecutor) Execute(o *models.Order, claim engine.ClaimFunc) (*engine.Receipt, error) {
	if keys := x.runtime[o.ID]; claim != nil && len(keys) > 0 {
		if err := claim(keys...); err != nil {
			return nil, err
		}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.applied = append(x.applied, o.ID)
	if claim == nil {
		x.serially[o.ID] = true
	}
	return &engine.Receipt{OrderID: o.ID, Status: models.OrderStatusOpen}, nil
}

func TestPartition_DisjointAndOverlapping(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	orders := []*models.Order{
		batchOrder(a, "BTC-USDT", 1),
		batchOrder(b, "ETH-USDT", 2),
		batchOrder(a, "ETH-USDT", 3), // shares account with 0, market with 1
		batchOrder(c, "SOL-USDT", 4),
	}

	groups := partition(orders)
	require.Len(t, groups, 2)

	var sizes []int
	for _, idxs := range groups {
		sizes = append(sizes, len(idxs))
		// Submission order preserved inside each group.
		for i := 1; i < len(idxs); i++ {
			assert.Less(t, idxs[i-1], idxs[i])
		}
	}
	assert.ElementsMatch(t, []int{3, 1}, sizes)
}

func TestPartition_AllIndependent(t *testing.T) {
	orders := []*models.Order{
		batchOrder(uuid.New(), "A-B", 1),
		batchOrder(uuid.New(), "C-D", 2),
		batchOrder(uuid.New(), "E-F", 3),
	}
	assert.Len(t, partition(orders), 3)
}

func TestExecuteBatch_AllOrdersGetResults(t *testing.T) {
	s := New(zap.NewNop(), 4)
	x := newRecordingExecutor()

	orders := []*models.Order{
		batchOrder(uuid.New(), "BTC-USDT", 1),
		batchOrder(uuid.New(), "ETH-USDT", 2),
		batchOrder(uuid.New(), "SOL-USDT", 3),
	}
	results := s.ExecuteBatch(x, orders)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, orders[i].ID, r.OrderID)
		require.NotNil(t, r.Receipt)
		assert.NoError(t, r.Err)
	}
	assert.Len(t, x.applied, 3)
}

func TestExecuteBatch_GroupRunsInSubmissionOrder(t *testing.T) {
	s := New(zap.NewNop(), 8)
	x := newRecordingExecutor()

	sender := uuid.New()
	orders := []*models.Order{
		batchOrder(sender, "BTC-USDT", 1),
		batchOrder(sender, "BTC-USDT", 2),
		batchOrder(sender, "BTC-USDT", 3),
	}
	results := s.ExecuteBatch(x, orders)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	// One group, so the log is exactly submission order.
	assert.Equal(t, []uuid.UUID{orders[0].ID, orders[1].ID, orders[2].ID}, x.applied)
}

func TestExecuteBatch_ConflictReplaysSerially(t *testing.T) {
	s := New(zap.NewNop(), 4)
	x := newRecordingExecutor()

	alice, bob := uuid.New(), uuid.New()
	orders := []*models.Order{
		batchOrder(alice, "BTC-USDT", 1),
		batchOrder(bob, "ETH-USDT", 2),
		batchOrder(bob, "ETH-USDT", 3),
	}
	// Bob's first order discovers at run time that it needs Alice's
	// account key (a resting maker): an undeclared cross-group edge.
	x.runtime[orders[1].ID] = []string{models.ConflictKeyAccount(alice)}

	results := s.ExecuteBatch(x, orders)
	for i, r := range results {
		assert.NoError(t, r.Err, "order %d", i)
		require.NotNil(t, r.Receipt, "order %d", i)
		assert.Equal(t, orders[i].ID, r.OrderID)
	}

	// Both of Bob's orders went through the serial phase, in order.
	assert.True(t, x.serially[orders[1].ID])
	assert.True(t, x.serially[orders[2].ID])
	assert.False(t, x.serially[orders[0].ID])
	require.Len(t, x.applied, 3)
	i1 := indexOf(x.applied, orders[1].ID)
	i2 := indexOf(x.applied, orders[2].ID)
	assert.Less(t, i1, i2)
}

func TestExecuteBatch_EmptyBatch(t *testing.T) {
	s := New(zap.NewNop(), 4)
	assert.Empty(t, s.ExecuteBatch(newRecordingExecutor(), nil))
}

func TestExecuteBatch_SingleWorkerStillCompletes(t *testing.T) {
	s := New(zap.NewNop(), 0) // clamps to 1
	x := newRecordingExecutor()
	orders := []*models.Order{
		batchOrder(uuid.New(), "BTC-USDT", 1),
		batchOrder(uuid.New(), "ETH-USDT", 2),
	}
	results := s.ExecuteBatch(x, orders)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
}

func TestClaimTable(t *testing.T) {
	table := newClaimTable()
	table.preclaim(1, "account:a", "market:BTC-USDT")
	table.preclaim(2, "account:b")

	// Same group may re-claim its own keys.
	assert.NoError(t, table.claim(1, "account:a"))
	// A new key is granted to the first claimant.
	assert.NoError(t, table.claim(1, "account:c"))
	// Another group hitting an owned key conflicts, and a failed claim
	// takes nothing: "account:d" stays free for group 1.
	err := table.claim(2, "account:d", "account:c")
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, table.claim(1, "account:d"))
}

func indexOf(ids []uuid.UUID, id uuid.UUID) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
