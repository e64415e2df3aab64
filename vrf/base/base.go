package base

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/big"
	"math/bits"

	rbase "github.com/dedis/raffle/raffle/base"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing"
	"go.dedis.ch/kyber/v3/sign/bls"
	"golang.org/x/xerrors"
)

const (
	MaxNumWords      = 500
	MaxGasLimit      = 2500000
	MaxConfirmations = 200

	// gasUnit is the amount of callback gas GasPrice is quoted for.
	gasUnit = 1000000
)

var Suite = pairing.NewSuiteBn256()

var (
	ErrInvalidSubscription = xerrors.New("vrf: invalid subscription")
	ErrInvalidConsumer     = xerrors.New("vrf: invalid consumer")
	ErrNonexistentRequest  = xerrors.New("vrf: nonexistent request")
	ErrInsufficientBalance = xerrors.New("vrf: insufficient balance")
	ErrRequestInFlight     = xerrors.New("vrf: request is being fulfilled")
	ErrInvalidRequest      = xerrors.New("vrf: invalid request")
	ErrBadProof            = xerrors.New("vrf: bad proof")
)

// Consumer receives the random words of its requests. An error leaves the
// request pending.
type Consumer interface {
	FulfillRandomWords(caller rbase.Address, requestID uint64, words []*big.Int) error
}

// Fees are charged to the subscription once a request has been delivered.
type Fees struct {
	BaseFee  uint64
	GasPrice uint64
}

// Payment returns the fee of one fulfilment with the given callback gas
// limit. It saturates at math.MaxUint64.
func (f Fees) Payment(gasLimit uint32) uint64 {
	hi, lo := bits.Mul64(f.GasPrice, uint64(gasLimit))
	if hi >= gasUnit {
		return math.MaxUint64
	}
	gas, _ := bits.Div64(hi, lo, gasUnit)
	sum, carry := bits.Add64(f.BaseFee, gas, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

type Subscription struct {
	ID        uint64
	Balance   uint64
	ReqCount  uint64
	Consumers []rbase.Address
}

func (s *Subscription) hasConsumer(addr rbase.Address) bool {
	for _, c := range s.Consumers {
		if c == addr {
			return true
		}
	}
	return false
}

func (s *Subscription) copy() *Subscription {
	cp := *s
	cp.Consumers = append([]rbase.Address(nil), s.Consumers...)
	return &cp
}

// Request is an accepted, not yet delivered randomness request.
type Request struct {
	ID               uint64
	Consumer         rbase.Address
	SubscriptionID   uint64
	KeyHash          []byte
	Confirmations    uint32
	CallbackGasLimit uint32
	NumWords         uint32
	PreSeed          []byte
	Created          int64
}

// Seed is the message the oracle signs for this request.
func (r *Request) Seed() []byte {
	h := sha256.New()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, r.ID)
	h.Write(buf)
	h.Write(r.KeyHash)
	h.Write(r.Consumer[:])
	h.Write(r.PreSeed)
	return h.Sum(nil)
}

// Output is the verifiable answer to a request.
type Output struct {
	RequestID uint64
	Public    kyber.Point
	Seed      []byte
	// Proof is the BLS signature of Seed. The words are derived from it.
	Proof []byte
	Words [][]byte
}

// BigWords returns the words as unsigned 256-bit integers.
func (o *Output) BigWords() []*big.Int {
	words := make([]*big.Int, len(o.Words))
	for i, w := range o.Words {
		words[i] = new(big.Int).SetBytes(w)
	}
	return words
}

func deriveWords(proof []byte, n uint32) [][]byte {
	words := make([][]byte, n)
	buf := make([]byte, 4)
	for i := uint32(0); i < n; i++ {
		h := sha256.New()
		h.Write(proof)
		binary.LittleEndian.PutUint32(buf, i)
		h.Write(buf)
		words[i] = h.Sum(nil)
	}
	return words
}

// VerifyOutput checks the proof against the oracle's public key and that
// the words are the ones the proof yields.
func VerifyOutput(public kyber.Point, out *Output) error {
	if out == nil || len(out.Words) == 0 {
		return xerrors.Errorf("empty output: %w", ErrBadProof)
	}
	if err := bls.Verify(Suite, public, out.Seed, out.Proof); err != nil {
		return xerrors.Errorf("couldn't verify signature: %v: %w", err, ErrBadProof)
	}
	expected := deriveWords(out.Proof, uint32(len(out.Words)))
	for i := range expected {
		if !bytes.Equal(expected[i], out.Words[i]) {
			return xerrors.Errorf("word %d does not match the proof: %w", i, ErrBadProof)
		}
	}
	return nil
}
