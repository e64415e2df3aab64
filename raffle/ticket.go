package raffle

import (
	"crypto/sha256"
	"encoding/binary"

	rbase "github.com/dedis/raffle/raffle/base"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"golang.org/x/xerrors"
)

// Ticket is a signed entry. Nonce must be the next nonce of the payer's
// account, so a ticket can only be used once.
type Ticket struct {
	Public    kyber.Point
	Amount    uint64
	Nonce     uint64
	Signature []byte
}

// NewTicket signs an entry of amount with the private key sk.
func NewTicket(sk kyber.Scalar, amount, nonce uint64) (*Ticket, error) {
	t := &Ticket{
		Public: cothority.Suite.Point().Mul(sk, nil),
		Amount: amount,
		Nonce:  nonce,
	}
	msg, err := t.message()
	if err != nil {
		return nil, err
	}
	t.Signature, err = schnorr.Sign(cothority.Suite, sk, msg)
	if err != nil {
		return nil, xerrors.Errorf("signing ticket: %v", err)
	}
	return t, nil
}

func (t *Ticket) message() ([]byte, error) {
	pk, err := t.Public.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("marshalling public key: %v", err)
	}
	h := sha256.New()
	h.Write([]byte("enter"))
	h.Write(pk)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, t.Amount)
	h.Write(buf)
	binary.LittleEndian.PutUint64(buf, t.Nonce)
	h.Write(buf)
	return h.Sum(nil), nil
}

// Verify checks the signature and returns the payer's address.
func (t *Ticket) Verify() (rbase.Address, error) {
	if t == nil || t.Public == nil {
		return rbase.Address{}, xerrors.Errorf("missing ticket: %w", ErrBadTicket)
	}
	msg, err := t.message()
	if err != nil {
		return rbase.Address{}, err
	}
	if err := schnorr.Verify(cothority.Suite, t.Public, msg, t.Signature); err != nil {
		return rbase.Address{}, xerrors.Errorf("%v: %w", err, ErrBadTicket)
	}
	return rbase.NewAddress(t.Public)
}
