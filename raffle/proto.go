package raffle

import (
	"time"

	rbase "github.com/dedis/raffle/raffle/base"
	vbase "github.com/dedis/raffle/vrf/base"
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"
)

func init() {
	network.RegisterMessages(&storage{}, &deployment{}, &DeployRequest{},
		&DeployReply{}, &EnterRequest{}, &EnterReply{},
		&CheckUpkeepRequest{}, &CheckUpkeepReply{}, &PerformUpkeepRequest{},
		&PerformUpkeepReply{}, &GetStateRequest{}, &GetStateReply{},
		&GetPlayerRequest{}, &GetPlayerReply{}, &GetBalanceRequest{},
		&GetBalanceReply{}, &GetSettlementsRequest{},
		&GetSettlementsReply{}, &DepositRequest{}, &DepositReply{})
}

// storage is the service state kept in the conode database.
type storage struct {
	Deployed    bool
	Network     string
	Development bool
	Faucet      uint64
	Genesis     skipchain.SkipBlockID
	Config      *deployment
	State       *rbase.State
}

// deployment is the immutable raffle configuration. It is also the data
// of the genesis block of the audit chain.
type deployment struct {
	Network          string
	Raffle           rbase.Address
	EntranceFee      uint64
	Interval         time.Duration
	Oracle           rbase.Address
	KeyHash          []byte
	SubscriptionID   uint64
	Confirmations    uint32
	CallbackGasLimit uint32
	NumWords         uint32
}

func newDeployment(network string, raffle rbase.Address, cfg rbase.Config) *deployment {
	return &deployment{
		Network:          network,
		Raffle:           raffle,
		EntranceFee:      cfg.EntranceFee,
		Interval:         cfg.Interval,
		Oracle:           cfg.Oracle,
		KeyHash:          cfg.KeyHash,
		SubscriptionID:   cfg.SubscriptionID,
		Confirmations:    uint32(cfg.Confirmations),
		CallbackGasLimit: cfg.CallbackGasLimit,
		NumWords:         cfg.NumWords,
	}
}

func (d *deployment) config() (rbase.Config, error) {
	if err := checkOracleParams(d.Confirmations, d.CallbackGasLimit, d.NumWords); err != nil {
		return rbase.Config{}, err
	}
	cfg := rbase.Config{
		EntranceFee:      d.EntranceFee,
		Interval:         d.Interval,
		Oracle:           d.Oracle,
		KeyHash:          d.KeyHash,
		SubscriptionID:   d.SubscriptionID,
		Confirmations:    uint16(d.Confirmations),
		CallbackGasLimit: d.CallbackGasLimit,
		NumWords:         d.NumWords,
	}
	return cfg, cfg.Validate()
}

// checkOracleParams rejects the request parameters the oracle would refuse
// at draw time, so that a deployment cannot get stuck on them.
func checkOracleParams(confirmations, gasLimit, numWords uint32) error {
	if confirmations > vbase.MaxConfirmations {
		return xerrors.Errorf("%d confirmations, at most %d: %w", confirmations,
			vbase.MaxConfirmations, rbase.ErrInvalidConfig)
	}
	if gasLimit > vbase.MaxGasLimit {
		return xerrors.Errorf("callback gas limit %d, at most %d: %w", gasLimit,
			vbase.MaxGasLimit, rbase.ErrInvalidConfig)
	}
	if numWords > vbase.MaxNumWords {
		return xerrors.Errorf("%d words, at most %d: %w", numWords,
			vbase.MaxNumWords, rbase.ErrInvalidConfig)
	}
	return nil
}
