package vrf

import (
	"time"

	rbase "github.com/dedis/raffle/raffle/base"
	"github.com/dedis/raffle/vrf/base"
	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// storage is what the service keeps in its bucket. Keys are stored in
// binary form since the bn256 points cannot go through the default suite.
type storage struct {
	Private  []byte
	Public   []byte
	BaseFee  uint64
	GasPrice uint64
	Worker   *Worker
	State    *base.Snapshot
}

// Worker configures automatic fulfilment. Requests are answered FulfillDelay
// after they are made; pending ones, for instance after a restart, are
// retried every RetryInterval.
type Worker struct {
	FulfillDelay  time.Duration
	RetryInterval time.Duration
}

// InitUnitRequest sets the fees of the oracle. A nil Worker stops automatic
// fulfilment.
type InitUnitRequest struct {
	BaseFee  uint64
	GasPrice uint64
	Worker   *Worker
}

type InitUnitReply struct {
	Public  []byte
	Address rbase.Address
}

type CreateSubscriptionRequest struct{}

type CreateSubscriptionReply struct {
	SubscriptionID uint64
}

type FundSubscriptionRequest struct {
	SubscriptionID uint64
	Amount         uint64
}

type FundSubscriptionReply struct {
	Balance uint64
}

type AddConsumerRequest struct {
	SubscriptionID uint64
	Consumer       rbase.Address
}

type AddConsumerReply struct{}

type GetSubscriptionRequest struct {
	SubscriptionID uint64
}

type GetSubscriptionReply struct {
	Subscription *base.Subscription
}

type GetPublicRequest struct{}

// GetPublicReply carries the oracle identity. Address is what consumers
// must be configured with.
type GetPublicReply struct {
	Public   []byte
	Address  rbase.Address
	BaseFee  uint64
	GasPrice uint64
}

// Point unmarshals the public key.
func (r *GetPublicReply) Point() (kyber.Point, error) {
	pk := base.Suite.G2().Point()
	if err := pk.UnmarshalBinary(r.Public); err != nil {
		return nil, xerrors.Errorf("unmarshalling public key: %v", err)
	}
	return pk, nil
}

// FulfillRequest asks the oracle to answer a pending request now.
type FulfillRequest struct {
	RequestID uint64
}

type FulfillReply struct {
	RequestID uint64
	Seed      []byte
	Proof     []byte
	Words     [][]byte
}

// Output returns the reply as an output that VerifyOutput accepts.
func (r *FulfillReply) Output(public kyber.Point) *base.Output {
	return &base.Output{
		RequestID: r.RequestID,
		Public:    public,
		Seed:      r.Seed,
		Proof:     r.Proof,
		Words:     r.Words,
	}
}

type PendingRequestsRequest struct{}

type PendingRequestsReply struct {
	Requests []*base.Request
}
