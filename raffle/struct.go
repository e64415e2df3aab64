package raffle

import (
	"time"

	"github.com/dedis/raffle/config"
	rbase "github.com/dedis/raffle/raffle/base"
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/onet/v3"
	"golang.org/x/xerrors"
)

// DeployRequest installs the raffle of one network on the conode.
type DeployRequest struct {
	Roster      *onet.Roster
	Network     string
	Development bool

	EntranceFee      uint64
	Interval         time.Duration
	KeyHash          []byte
	SubscriptionID   uint64
	Confirmations    uint32
	CallbackGasLimit uint32
	NumWords         uint32
	Faucet           uint64

	// Used on development networks to set up the local oracle. A zero
	// FulfillDelay leaves requests to explicit fulfils.
	BaseFee       uint64
	GasPrice      uint64
	SubFundAmount uint64
	FulfillDelay  time.Duration
}

// NewDeployRequest builds the deployment of network name from a
// configuration file.
func NewDeployRequest(f *config.File, name string, roster *onet.Roster) (*DeployRequest, error) {
	n, err := f.Network(name)
	if err != nil {
		return nil, err
	}
	cfg, err := n.RaffleConfig(rbase.Address{}, 0)
	if err != nil {
		return nil, err
	}
	req := &DeployRequest{
		Roster:           roster,
		Network:          name,
		Development:      f.IsDevelopment(name),
		EntranceFee:      cfg.EntranceFee,
		Interval:         cfg.Interval,
		KeyHash:          cfg.KeyHash,
		SubscriptionID:   cfg.SubscriptionID,
		Confirmations:    uint32(cfg.Confirmations),
		CallbackGasLimit: cfg.CallbackGasLimit,
		NumWords:         cfg.NumWords,
		Faucet:           n.Faucet,
	}
	if req.Development {
		if n.Mock == nil {
			return nil, xerrors.Errorf("development network %q has no mock section", name)
		}
		req.BaseFee = n.Mock.BaseFee
		req.GasPrice = n.Mock.GasPrice
		req.SubFundAmount = n.Mock.SubFundAmount
		req.FulfillDelay = n.Mock.FulfillDelay.Duration
	}
	return req, nil
}

type DeployReply struct {
	Genesis        skipchain.SkipBlockID
	Raffle         rbase.Address
	Oracle         rbase.Address
	SubscriptionID uint64
}

type EnterRequest struct {
	Ticket *Ticket
}

type EnterReply struct {
	Round      uint64
	NumPlayers int
	Pot        uint64
}

type CheckUpkeepRequest struct{}

type CheckUpkeepReply struct {
	Needed bool
	Status rbase.UpkeepStatus
}

type PerformUpkeepRequest struct{}

type PerformUpkeepReply struct {
	RequestID uint64
}

type GetStateRequest struct{}

type GetStateReply struct {
	Network        string
	Genesis        skipchain.SkipBlockID
	Raffle         rbase.Address
	Oracle         rbase.Address
	EntranceFee    uint64
	Interval       time.Duration
	SubscriptionID uint64
	Status         rbase.RoundState
	Round          uint64
	NumPlayers     int
	Pot            uint64
	PendingRequest uint64
	RecentWinner   rbase.Address
	LastSettlement int64
}

type GetPlayerRequest struct {
	Index int
}

type GetPlayerReply struct {
	Player rbase.Address
}

type GetBalanceRequest struct {
	Address rbase.Address
}

type GetBalanceReply struct {
	Balance uint64
	Nonce   uint64
	Frozen  bool
}

type GetSettlementsRequest struct{}

// GetSettlementsReply lists every completed draw, oldest first.
type GetSettlementsReply struct {
	Settlements []*rbase.Settlement
}

// DepositRequest credits an account from the faucet of a development
// network.
type DepositRequest struct {
	Address rbase.Address
	Amount  uint64
}

type DepositReply struct {
	Balance uint64
}
