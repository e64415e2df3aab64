// Package bank keeps the balances that entries are paid from and prizes are
// paid to. Accounts live in a single bbolt bucket, keyed by address and
// encoded with protobuf.
package bank

import (
	"math"

	rbase "github.com/dedis/raffle/raffle/base"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var (
	ErrInsufficientFunds = xerrors.New("bank: insufficient funds")
	ErrAccountFrozen     = xerrors.New("bank: account frozen")
	ErrBadNonce          = xerrors.New("bank: bad nonce")
	ErrOverflow          = xerrors.New("bank: balance overflow")
)

// Account is the stored state of one address. Nonce is the last nonce used
// by the owner; the next one must be Nonce+1.
type Account struct {
	Balance uint64
	Nonce   uint64
	Frozen  bool
}

// Ledger is a set of accounts in one bucket.
type Ledger struct {
	db     *bbolt.DB
	bucket []byte
}

// New uses bucket in an already open database, for instance the one a
// service gets from its context.
func New(db *bbolt.DB, bucket []byte) (*Ledger, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, xerrors.Errorf("creating bucket: %v", err)
	}
	return &Ledger{db: db, bucket: append([]byte(nil), bucket...)}, nil
}

func getAccount(b *bbolt.Bucket, addr rbase.Address) (*Account, error) {
	acc := &Account{}
	buf := b.Get(addr[:])
	if buf == nil {
		return acc, nil
	}
	if err := protobuf.Decode(buf, acc); err != nil {
		return nil, xerrors.Errorf("decoding account %s: %v", addr.Short(), err)
	}
	return acc, nil
}

func putAccount(b *bbolt.Bucket, addr rbase.Address, acc *Account) error {
	buf, err := protobuf.Encode(acc)
	if err != nil {
		return xerrors.Errorf("encoding account %s: %v", addr.Short(), err)
	}
	return b.Put(addr[:], buf)
}

func (l *Ledger) update(fn func(b *bbolt.Bucket) error) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(l.bucket)
		if b == nil {
			return xerrors.New("accounts bucket is missing")
		}
		return fn(b)
	})
}

func (l *Ledger) view(fn func(b *bbolt.Bucket) error) error {
	return l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(l.bucket)
		if b == nil {
			return xerrors.New("accounts bucket is missing")
		}
		return fn(b)
	})
}

// Account returns the state of addr. Unknown addresses have an empty
// account.
func (l *Ledger) Account(addr rbase.Address) (*Account, error) {
	var acc *Account
	err := l.view(func(b *bbolt.Bucket) error {
		var err error
		acc, err = getAccount(b, addr)
		return err
	})
	return acc, err
}

func (l *Ledger) Balance(addr rbase.Address) (uint64, error) {
	acc, err := l.Account(addr)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// Deposit credits addr with amount and returns the new balance.
func (l *Ledger) Deposit(addr rbase.Address, amount uint64) (uint64, error) {
	var balance uint64
	err := l.update(func(b *bbolt.Bucket) error {
		acc, err := getAccount(b, addr)
		if err != nil {
			return err
		}
		if acc.Balance > math.MaxUint64-amount {
			return ErrOverflow
		}
		acc.Balance += amount
		balance = acc.Balance
		return putAccount(b, addr, acc)
	})
	if err != nil {
		return 0, err
	}
	log.Lvlf3("deposit of %d to %s", amount, addr.Short())
	return balance, nil
}

// Transfer moves amount from one account to another in one transaction.
func (l *Ledger) Transfer(from, to rbase.Address, amount uint64) error {
	return l.update(func(b *bbolt.Bucket) error {
		return transfer(b, from, to, amount)
	})
}

// TransferWithNonce is Transfer, additionally consuming the sender's next
// nonce. Either both happen or neither.
func (l *Ledger) TransferWithNonce(from, to rbase.Address, amount, nonce uint64) error {
	return l.update(func(b *bbolt.Bucket) error {
		if err := bumpNonce(b, from, nonce); err != nil {
			return err
		}
		return transfer(b, from, to, amount)
	})
}

func transfer(b *bbolt.Bucket, from, to rbase.Address, amount uint64) error {
	src, err := getAccount(b, from)
	if err != nil {
		return err
	}
	if src.Frozen {
		return xerrors.Errorf("sender %s: %w", from.Short(), ErrAccountFrozen)
	}
	if src.Balance < amount {
		return xerrors.Errorf("%s has %d, needs %d: %w", from.Short(), src.Balance, amount, ErrInsufficientFunds)
	}
	if from == to {
		return nil
	}
	dst, err := getAccount(b, to)
	if err != nil {
		return err
	}
	if dst.Frozen {
		return xerrors.Errorf("recipient %s: %w", to.Short(), ErrAccountFrozen)
	}
	if dst.Balance > math.MaxUint64-amount {
		return ErrOverflow
	}
	src.Balance -= amount
	dst.Balance += amount
	if err := putAccount(b, from, src); err != nil {
		return err
	}
	return putAccount(b, to, dst)
}

// BumpNonce consumes nonce, which must follow the last one used by addr.
func (l *Ledger) BumpNonce(addr rbase.Address, nonce uint64) error {
	return l.update(func(b *bbolt.Bucket) error {
		return bumpNonce(b, addr, nonce)
	})
}

func bumpNonce(b *bbolt.Bucket, addr rbase.Address, nonce uint64) error {
	acc, err := getAccount(b, addr)
	if err != nil {
		return err
	}
	if nonce != acc.Nonce+1 {
		return xerrors.Errorf("got %d, expected %d: %w", nonce, acc.Nonce+1, ErrBadNonce)
	}
	acc.Nonce = nonce
	return putAccount(b, addr, acc)
}

// Freeze blocks every transfer from or to addr.
func (l *Ledger) Freeze(addr rbase.Address) error {
	return l.setFrozen(addr, true)
}

func (l *Ledger) Unfreeze(addr rbase.Address) error {
	return l.setFrozen(addr, false)
}

func (l *Ledger) setFrozen(addr rbase.Address, frozen bool) error {
	return l.update(func(b *bbolt.Bucket) error {
		acc, err := getAccount(b, addr)
		if err != nil {
			return err
		}
		acc.Frozen = frozen
		return putAccount(b, addr, acc)
	})
}

// Escrow pays prizes out of the pot account.
type Escrow struct {
	ledger *Ledger
	pot    rbase.Address
}

func NewEscrow(ledger *Ledger, pot rbase.Address) *Escrow {
	return &Escrow{ledger: ledger, pot: pot}
}

// Payout moves amount from the pot to the winner.
func (e *Escrow) Payout(to rbase.Address, amount uint64) error {
	if err := e.ledger.Transfer(e.pot, to, amount); err != nil {
		return err
	}
	log.Lvlf2("paid %d to %s", amount, to.Short())
	return nil
}
