package ledger

import (
	"crypto/ed25519"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solinex/clearmatch/common/errors"
	"github.com/solinex/clearmatch/pkg/models"
)

const shardCount = 64

// Service owns every per-account record: balances, consumed nonces, and
// registered signing keys. All other components read and write through
// it; nothing else holds a mutable copy.
//
// Accounts are partitioned across a fixed shard table keyed by account
// id, so mutations for a given account are serialized regardless of
// which worker performs them.
type Service struct {
	logger *zap.Logger
	shards [shardCount]shard
}

type shard struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*account
}

type account struct {
	balances map[string]*models.Balance
	nonces   map[uint64]struct{}
	pubKey   ed25519.PublicKey
}

// NewService creates an empty ledger.
func NewService(logger *zap.Logger) *Service {
	s := &Service{logger: logger}
	for i := range s.shards {
		s.shards[i].accounts = make(map[uuid.UUID]*account)
	}
	return s
}

func shardIndex(id uuid.UUID) int {
	// First byte is random enough for a uniform uuid; keep it cheap.
	return int(id[0]) % shardCount
}

func (s *Service) shardFor(id uuid.UUID) *shard {
	return &s.shards[shardIndex(id)]
}

// getOrCreate must be called with the shard write lock held.
func (sh *shard) getOrCreate(id uuid.UUID) *account {
	a, ok := sh.accounts[id]
	if !ok {
		a = &account{
			balances: make(map[string]*models.Balance),
			nonces:   make(map[uint64]struct{}),
		}
		sh.accounts[id] = a
	}
	return a
}

func (a *account) balance(currency string) *models.Balance {
	b, ok := a.balances[currency]
	if !ok {
		b = &models.Balance{Currency: currency}
		a.balances[currency] = b
	}
	return b
}

// ===================== balances =====================

// Deposit credits available funds. It never fails; unknown accounts are
// created on first use.
func (s *Service) Deposit(id uuid.UUID, currency string, amount uint64) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.getOrCreate(id).balance(currency).Available += amount
}

// GetBalance returns the balance for one currency. A never-initialized
// account yields a zeroed balance, not an error.
func (s *Service) GetBalance(id uuid.UUID, currency string) models.Balance {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	a, ok := sh.accounts[id]
	if !ok {
		return models.Balance{Currency: currency}
	}
	b, ok := a.balances[currency]
	if !ok {
		return models.Balance{Currency: currency}
	}
	return *b
}

// GetUserBalance returns all balances held by an account, keyed by
// currency. Unknown accounts yield an empty map.
func (s *Service) GetUserBalance(id uuid.UUID) map[string]models.Balance {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make(map[string]models.Balance)
	a, ok := sh.accounts[id]
	if !ok {
		return out
	}
	for c, b := range a.balances {
		out[c] = *b
	}
	return out
}

// LockFunds moves available funds into the locked bucket.
func (s *Service) LockFunds(id uuid.UUID, currency string, amount uint64) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b := sh.getOrCreate(id).balance(currency)
	if b.Available < amount {
		return errors.Newf(errors.CodeInsufficientBalance,
			"account %s has %d %s available, needs %d", id, b.Available, currency, amount)
	}
	b.Available -= amount
	b.Locked += amount
	return nil
}

// UnlockFunds releases previously locked funds back to available.
func (s *Service) UnlockFunds(id uuid.UUID, currency string, amount uint64) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b := sh.getOrCreate(id).balance(currency)
	if b.Locked < amount {
		return errors.Newf(errors.CodeInsufficientBalance,
			"account %s has %d %s locked, cannot release %d", id, b.Locked, currency, amount)
	}
	b.Locked -= amount
	b.Available += amount
	return nil
}

// SettleFill executes the balance movement for one fill: quote funds
// flow from the buyer's locked bucket to the seller, base funds flow
// from the seller's locked bucket to the buyer. Either both movements
// happen or neither does.
func (s *Service) SettleFill(buyer, seller uuid.UUID, base, quote string, baseQty, quoteQty uint64) error {
	unlock := s.lockPair(buyer, seller)
	defer unlock()

	ba := s.shardFor(buyer).getOrCreate(buyer)
	sa := s.shardFor(seller).getOrCreate(seller)

	bq := ba.balance(quote)
	sb := sa.balance(base)
	if bq.Locked < quoteQty {
		return errors.Newf(errors.CodeInsufficientBalance,
			"buyer %s locked %s short: have %d, need %d", buyer, quote, bq.Locked, quoteQty)
	}
	if sb.Locked < baseQty {
		return errors.Newf(errors.CodeInsufficientBalance,
			"seller %s locked %s short: have %d, need %d", seller, base, sb.Locked, baseQty)
	}

	bq.Locked -= quoteQty
	sa.balance(quote).Available += quoteQty
	sb.Locked -= baseQty
	ba.balance(base).Available += baseQty
	return nil
}

// lockPair acquires the shards of both accounts in index order so that
// concurrent settlements cannot deadlock.
func (s *Service) lockPair(a, b uuid.UUID) func() {
	ia, ib := shardIndex(a), shardIndex(b)
	if ia == ib {
		sh := &s.shards[ia]
		sh.mu.Lock()
		return sh.mu.Unlock
	}
	if ia > ib {
		ia, ib = ib, ia
	}
	s.shards[ia].mu.Lock()
	s.shards[ib].mu.Lock()
	return func() {
		s.shards[ib].mu.Unlock()
		s.shards[ia].mu.Unlock()
	}
}

// ===================== nonces =====================

// NonceUsed reports whether the account has already consumed the nonce.
func (s *Service) NonceUsed(id uuid.UUID, nonce uint64) bool {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	a, ok := sh.accounts[id]
	if !ok {
		return false
	}
	_, used := a.nonces[nonce]
	return used
}

// ConsumeNonce records a nonce, failing if it was already consumed. The
// set only grows; replay safety wins over memory.
func (s *Service) ConsumeNonce(id uuid.UUID, nonce uint64) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	a := sh.getOrCreate(id)
	if _, used := a.nonces[nonce]; used {
		return errors.Newf(errors.CodeInvalidNonce, "nonce %d already consumed by %s", nonce, id)
	}
	a.nonces[nonce] = struct{}{}
	return nil
}

// PruneNonces drops consumed nonces strictly below the given bound and
// returns how many were removed. Admin escape hatch; nothing prunes
// automatically.
func (s *Service) PruneNonces(id uuid.UUID, below uint64) int {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	a, ok := sh.accounts[id]
	if !ok {
		return 0
	}
	n := 0
	for nonce := range a.nonces {
		if nonce < below {
			delete(a.nonces, nonce)
			n++
		}
	}
	if n > 0 {
		s.logger.Info("pruned nonces", zap.String("account", id.String()), zap.Int("count", n))
	}
	return n
}

// ===================== keys =====================

// RegisterPublicKey sets the current signing key for an account.
func (s *Service) RegisterPublicKey(id uuid.UUID, pub ed25519.PublicKey) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	key := make(ed25519.PublicKey, len(pub))
	copy(key, pub)
	sh.getOrCreate(id).pubKey = key
}

// PublicKey resolves the current signing key for an account. The bool
// is false for an unknown account or one with no registered key.
func (s *Service) PublicKey(id uuid.UUID) (ed25519.PublicKey, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	a, ok := sh.accounts[id]
	if !ok || a.pubKey == nil {
		return nil, false
	}
	return a.pubKey, true
}
