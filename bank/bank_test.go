package bank

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	rbase "github.com/dedis/raffle/raffle/base"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/onet/v3/log"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

func openDB(t *testing.T, path string) *bbolt.DB {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	return db
}

func newLedger(t *testing.T) *Ledger {
	db := openDB(t, filepath.Join(t.TempDir(), "bank.db"))
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	l, err := New(db, []byte("accounts"))
	require.NoError(t, err)
	return l
}

func TestLedger_Deposit(t *testing.T) {
	l := newLedger(t)
	alice := rbase.LabelAddress("alice")

	bal, err := l.Balance(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(0), bal)

	bal, err = l.Deposit(alice, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(10), bal)
	bal, err = l.Deposit(alice, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(15), bal)

	_, err = l.Deposit(alice, math.MaxUint64)
	require.Equal(t, ErrOverflow, err)
	bal, err = l.Balance(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(15), bal)
}

func TestLedger_Transfer(t *testing.T) {
	l := newLedger(t)
	alice, bob := rbase.LabelAddress("alice"), rbase.LabelAddress("bob")
	_, err := l.Deposit(alice, 10)
	require.NoError(t, err)

	require.NoError(t, l.Transfer(alice, bob, 4))
	err = l.Transfer(alice, bob, 7)
	require.True(t, xerrors.Is(err, ErrInsufficientFunds))

	a, _ := l.Balance(alice)
	b, _ := l.Balance(bob)
	require.Equal(t, uint64(6), a)
	require.Equal(t, uint64(4), b)

	require.NoError(t, l.Transfer(alice, alice, 6))
	a, _ = l.Balance(alice)
	require.Equal(t, uint64(6), a)
}

func TestLedger_Frozen(t *testing.T) {
	l := newLedger(t)
	alice, bob := rbase.LabelAddress("alice"), rbase.LabelAddress("bob")
	_, err := l.Deposit(alice, 10)
	require.NoError(t, err)

	require.NoError(t, l.Freeze(bob))
	err = l.Transfer(alice, bob, 1)
	require.True(t, xerrors.Is(err, ErrAccountFrozen))
	a, _ := l.Balance(alice)
	require.Equal(t, uint64(10), a)

	require.NoError(t, l.Unfreeze(bob))
	require.NoError(t, l.Transfer(alice, bob, 1))

	require.NoError(t, l.Freeze(alice))
	err = l.Transfer(alice, bob, 1)
	require.True(t, xerrors.Is(err, ErrAccountFrozen))
}

func TestLedger_Nonce(t *testing.T) {
	l := newLedger(t)
	alice, pot := rbase.LabelAddress("alice"), rbase.LabelAddress("pot")
	_, err := l.Deposit(alice, 3)
	require.NoError(t, err)

	require.True(t, xerrors.Is(l.BumpNonce(alice, 2), ErrBadNonce))
	require.NoError(t, l.BumpNonce(alice, 1))
	require.True(t, xerrors.Is(l.BumpNonce(alice, 1), ErrBadNonce))

	require.NoError(t, l.TransferWithNonce(alice, pot, 1, 2))
	// Replays are rejected and nothing moves.
	require.True(t, xerrors.Is(l.TransferWithNonce(alice, pot, 1, 2), ErrBadNonce))
	// A failed transfer does not consume the nonce.
	require.True(t, xerrors.Is(l.TransferWithNonce(alice, pot, 5, 3), ErrInsufficientFunds))
	require.NoError(t, l.TransferWithNonce(alice, pot, 2, 3))

	acc, err := l.Account(alice)
	require.NoError(t, err)
	require.Equal(t, &Account{Balance: 0, Nonce: 3}, acc)
	p, _ := l.Balance(pot)
	require.Equal(t, uint64(3), p)
}

func TestEscrow(t *testing.T) {
	l := newLedger(t)
	pot, winner := rbase.LabelAddress("pot"), rbase.LabelAddress("winner")
	e := NewEscrow(l, pot)

	require.True(t, xerrors.Is(e.Payout(winner, 1), ErrInsufficientFunds))
	_, err := l.Deposit(pot, 4)
	require.NoError(t, err)
	require.NoError(t, e.Payout(winner, 4))
	w, _ := l.Balance(winner)
	require.Equal(t, uint64(4), w)
}

func TestLedger_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bank.db")
	db := openDB(t, path)
	l, err := New(db, []byte("accounts"))
	require.NoError(t, err)
	alice := rbase.LabelAddress("alice")
	_, err = l.Deposit(alice, 8)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db = openDB(t, path)
	defer db.Close()
	l, err = New(db, []byte("accounts"))
	require.NoError(t, err)
	a, err := l.Balance(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(8), a)
}
