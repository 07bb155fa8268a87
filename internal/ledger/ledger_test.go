package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/solinex/clearmatch/common/errors"
)

func newTestLedger() *Service {
	return NewService(zap.NewNop())
}

func TestGetUserBalance_UnknownAccountIsZero(t *testing.T) {
	s := newTestLedger()
	unknown := uuid.New()

	balances := s.GetUserBalance(unknown)
	assert.Empty(t, balances)

	b := s.GetBalance(unknown, "USDT")
	assert.Equal(t, uint64(0), b.Available)
	assert.Equal(t, uint64(0), b.Locked)
}

func TestLockUnlockFunds(t *testing.T) {
	s := newTestLedger()
	acct := uuid.New()
	s.Deposit(acct, "USDT", 1000)

	require.NoError(t, s.LockFunds(acct, "USDT", 600))
	b := s.GetBalance(acct, "USDT")
	assert.Equal(t, uint64(400), b.Available)
	assert.Equal(t, uint64(600), b.Locked)

	err := s.LockFunds(acct, "USDT", 500)
	assert.ErrorIs(t, err, errors.ErrInsufficientBalance)

	require.NoError(t, s.UnlockFunds(acct, "USDT", 600))
	b = s.GetBalance(acct, "USDT")
	assert.Equal(t, uint64(1000), b.Available)
	assert.Equal(t, uint64(0), b.Locked)
}

func TestSettleFill_MovesBothLegs(t *testing.T) {
	s := newTestLedger()
	buyer, seller := uuid.New(), uuid.New()
	s.Deposit(buyer, "USDT", 10_000)
	s.Deposit(seller, "BTC", 5)
	require.NoError(t, s.LockFunds(buyer, "USDT", 9_000))
	require.NoError(t, s.LockFunds(seller, "BTC", 3))

	require.NoError(t, s.SettleFill(buyer, seller, "BTC", "USDT", 3, 9_000))

	assert.Equal(t, uint64(3), s.GetBalance(buyer, "BTC").Available)
	assert.Equal(t, uint64(1_000), s.GetBalance(buyer, "USDT").Available)
	assert.Equal(t, uint64(0), s.GetBalance(buyer, "USDT").Locked)
	assert.Equal(t, uint64(9_000), s.GetBalance(seller, "USDT").Available)
	assert.Equal(t, uint64(2), s.GetBalance(seller, "BTC").Available)
	assert.Equal(t, uint64(0), s.GetBalance(seller, "BTC").Locked)
}

func TestSettleFill_InsufficientLockedFailsAtomically(t *testing.T) {
	s := newTestLedger()
	buyer, seller := uuid.New(), uuid.New()
	s.Deposit(buyer, "USDT", 100)
	s.Deposit(seller, "BTC", 10)
	require.NoError(t, s.LockFunds(buyer, "USDT", 100))
	// Seller locked nothing.

	err := s.SettleFill(buyer, seller, "BTC", "USDT", 5, 100)
	assert.ErrorIs(t, err, errors.ErrInsufficientBalance)

	// Nothing moved.
	assert.Equal(t, uint64(100), s.GetBalance(buyer, "USDT").Locked)
	assert.Equal(t, uint64(10), s.GetBalance(seller, "BTC").Available)
	assert.Equal(t, uint64(0), s.GetBalance(seller, "USDT").Available)
}

func TestNonces_ConsumeAndReplay(t *testing.T) {
	s := newTestLedger()
	acct := uuid.New()

	assert.False(t, s.NonceUsed(acct, 1))
	require.NoError(t, s.ConsumeNonce(acct, 1))
	assert.True(t, s.NonceUsed(acct, 1))

	err := s.ConsumeNonce(acct, 1)
	assert.ErrorIs(t, err, errors.ErrInvalidNonce)
}

func TestPruneNonces(t *testing.T) {
	s := newTestLedger()
	acct := uuid.New()
	for n := uint64(1); n <= 10; n++ {
		require.NoError(t, s.ConsumeNonce(acct, n))
	}

	removed := s.PruneNonces(acct, 6)
	assert.Equal(t, 5, removed)
	assert.False(t, s.NonceUsed(acct, 3))
	assert.True(t, s.NonceUsed(acct, 7))

	assert.Equal(t, 0, s.PruneNonces(uuid.New(), 100))
}

func TestRegisterPublicKey(t *testing.T) {
	s := newTestLedger()
	acct := uuid.New()

	_, ok := s.PublicKey(acct)
	assert.False(t, ok)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s.RegisterPublicKey(acct, pub)

	got, ok := s.PublicKey(acct)
	require.True(t, ok)
	assert.Equal(t, pub, got)
}

func TestLedger_ConcurrentDepositsAndSettles(t *testing.T) {
	s := newTestLedger()
	accounts := make([]uuid.UUID, 16)
	for i := range accounts {
		accounts[i] = uuid.New()
		s.Deposit(accounts[i], "USDT", 1_000_000)
		s.Deposit(accounts[i], "BTC", 1_000_000)
		require.NoError(t, s.LockFunds(accounts[i], "USDT", 500_000))
		require.NoError(t, s.LockFunds(accounts[i], "BTC", 500_000))
	}

	wg := sync.WaitGroup{}
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buyer := accounts[i%len(accounts)]
			seller := accounts[(i+7)%len(accounts)]
			if buyer == seller {
				return
			}
			err := s.SettleFill(buyer, seller, "BTC", "USDT", 10, 100)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Funds are conserved across the whole ledger.
	var totalUSDT, totalBTC uint64
	for _, a := range accounts {
		totalUSDT += s.GetBalance(a, "USDT").Total()
		totalBTC += s.GetBalance(a, "BTC").Total()
	}
	assert.Equal(t, uint64(16_000_000), totalUSDT)
	assert.Equal(t, uint64(16_000_000), totalBTC)
}
