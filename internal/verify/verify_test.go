package verify

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/solinex/clearmatch/common/errors"
	"github.com/solinex/clearmatch/internal/ledger"
	"github.com/solinex/clearmatch/pkg/models"
)

func fixedClock(ts int64) func() time.Time {
	return func() time.Time { return time.Unix(ts, 0) }
}

type fixture struct {
	verifier *Verifier
	ledger   *ledger.Service
	sender   uuid.UUID
	priv     ed25519.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	led := ledger.NewService(zap.NewNop())
	sender := uuid.New()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	led.RegisterPublicKey(sender, pub)
	v := NewVerifier(led, led, zap.NewNop()).WithClock(fixedClock(1_000))
	return &fixture{verifier: v, ledger: led, sender: sender, priv: priv}
}

func (f *fixture) order(nonce uint64) *models.Order {
	o := &models.Order{
		ID:       uuid.New(),
		Sender:   f.sender,
		Market:   "BTC-USDT",
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeLimit,
		Price:    50_000,
		Quantity: 3,
		Expiry:   2_000,
		Nonce:    nonce,
	}
	o.Signature = Sign(f.priv, o)
	return o
}

func TestVerify_AcceptsWellFormedOrder(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.verifier.Verify(f.order(1)))
}

func TestVerify_RejectsBySingleCode(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(o *models.Order)
		want   error
	}{
		{"unknown side", func(o *models.Order) {
			o.Side = "HOLD"
			o.Signature = Sign(f.priv, o)
		}, errors.ErrInvalidOrder},
		{"zero price", func(o *models.Order) {
			o.Price = 0
			o.Signature = Sign(f.priv, o)
		}, errors.ErrInvalidPrice},
		{"zero quantity", func(o *models.Order) {
			o.Quantity = 0
			o.Signature = Sign(f.priv, o)
		}, errors.ErrInvalidQuantity},
		{"short signature", func(o *models.Order) {
			o.Signature = o.Signature[:40]
		}, errors.ErrInvalidOrder},
		{"expired", func(o *models.Order) {
			o.Expiry = 999
			o.Signature = Sign(f.priv, o)
		}, errors.ErrExpiredOrder},
		{"expiry equals now", func(o *models.Order) {
			o.Expiry = 1_000
			o.Signature = Sign(f.priv, o)
		}, errors.ErrExpiredOrder},
		{"tampered field", func(o *models.Order) {
			o.Price++ // signature no longer matches
		}, errors.ErrInvalidSignature},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := f.order(uint64(100 + i))
			tt.mutate(o)
			assert.ErrorIs(t, f.verifier.Verify(o), tt.want)
			// A rejected order must not burn its nonce.
			assert.False(t, f.ledger.NonceUsed(f.sender, o.Nonce))
		})
	}
}

func TestVerify_CheckOrderIsFixed(t *testing.T) {
	f := newFixture(t)
	// Every field is wrong at once; the first check in the sequence wins.
	o := f.order(5)
	o.Side = "HOLD"
	o.Price = 0
	o.Quantity = 0
	o.Signature = nil
	assert.ErrorIs(t, f.verifier.Verify(o), errors.ErrInvalidOrder)

	o = f.order(6)
	o.Price = 0
	o.Quantity = 0
	o.Signature = nil
	assert.ErrorIs(t, f.verifier.Verify(o), errors.ErrInvalidPrice)

	o = f.order(7)
	o.Quantity = 0
	o.Signature = nil
	assert.ErrorIs(t, f.verifier.Verify(o), errors.ErrInvalidQuantity)
}

func TestVerify_NonceReplay(t *testing.T) {
	f := newFixture(t)

	first := f.order(42)
	require.NoError(t, f.verifier.Verify(first))

	// Same nonce again, even on an otherwise distinct order.
	second := f.order(42)
	second.Price = 60_000
	second.Signature = Sign(f.priv, second)
	assert.ErrorIs(t, f.verifier.Verify(second), errors.ErrInvalidNonce)

	// The first acceptance stands; a different nonce still works.
	assert.True(t, f.ledger.NonceUsed(f.sender, 42))
	assert.NoError(t, f.verifier.Verify(f.order(43)))
}

func TestVerify_UnknownSigner(t *testing.T) {
	f := newFixture(t)
	o := f.order(9)
	o.Sender = uuid.New() // no key registered
	o.Signature = Sign(f.priv, o)
	assert.ErrorIs(t, f.verifier.Verify(o), errors.ErrInvalidSignature)
}

func TestVerify_NilOrder(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.verifier.Verify(nil), errors.ErrInvalidOrder)
}

func TestCanonicalBytes_DistinguishesFields(t *testing.T) {
	f := newFixture(t)
	a := f.order(1)
	b := f.order(1)
	assert.Equal(t, CanonicalBytes(a), CanonicalBytes(b))

	b.Nonce = 2
	assert.NotEqual(t, CanonicalBytes(a), CanonicalBytes(b))

	c := f.order(1)
	c.Side = models.OrderSideSell
	assert.NotEqual(t, CanonicalBytes(a), CanonicalBytes(c))
}
