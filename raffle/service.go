package raffle

import (
	"math/big"
	"sync"

	"github.com/dedis/raffle/bank"
	rbase "github.com/dedis/raffle/raffle/base"
	"github.com/dedis/raffle/utils"
	"github.com/dedis/raffle/vrf"
	vbase "github.com/dedis/raffle/vrf/base"
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

var raffleID onet.ServiceID

// ServiceName is the name of the raffle service.
const ServiceName = "RaffleService"

var storageKey = []byte("storage")

var (
	ErrNotDeployed     = xerrors.New("raffle: not deployed")
	ErrAlreadyDeployed = xerrors.New("raffle: already deployed")
	ErrFaucetDisabled  = xerrors.New("raffle: faucet disabled")
	ErrBadTicket       = xerrors.New("raffle: bad ticket")
)

func init() {
	var err error
	raffleID, err = onet.RegisterNewService(ServiceName, newService)
	if err != nil {
		panic(err)
	}
}

// Service runs one raffle per conode. Its own address is both the consumer
// identity at the oracle and the bank account holding the pot.
type Service struct {
	*onet.ServiceProcessor
	scService  *skipchain.Service
	vrfService *vrf.Service

	// mu serialises every operation, so that bank movements and round
	// state change together.
	mu      sync.Mutex
	storage *storage
	raffle  *rbase.Raffle
	ledger  *bank.Ledger
	escrow  *bank.Escrow
	history *history
	addr    rbase.Address
	clock   rbase.Clock
	// store writes the storage, s.Save outside of tests.
	store func(key []byte, data interface{}) error
}

func (s *Service) Deploy(req *DeployRequest) (*DeployReply, error) {
	// Runs after the unlock: the oracle worker calls back into the service.
	var worker *vrf.Worker
	defer func() {
		if worker == nil {
			return
		}
		if err := s.vrfService.SetWorker(worker); err != nil {
			log.Error(s.ServerIdentity(), "couldn't start the oracle worker:", err)
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storage.Deployed {
		return nil, ErrAlreadyDeployed
	}
	if err := checkOracleParams(req.Confirmations, req.CallbackGasLimit, req.NumWords); err != nil {
		log.Errorf("invalid deployment: %v", err)
		return nil, err
	}
	coord := s.vrfService.Coordinator()
	cfg := rbase.Config{
		EntranceFee:      req.EntranceFee,
		Interval:         req.Interval,
		Oracle:           coord.Address(),
		KeyHash:          req.KeyHash,
		SubscriptionID:   req.SubscriptionID,
		Confirmations:    uint16(req.Confirmations),
		CallbackGasLimit: req.CallbackGasLimit,
		NumWords:         req.NumWords,
	}
	if err := cfg.Validate(); err != nil {
		log.Errorf("invalid deployment: %v", err)
		return nil, err
	}
	if req.Development {
		log.Lvl2(s.ServerIdentity(), "development network, setting up the local oracle")
		coord.SetFees(vrfFees(req))
		cfg.SubscriptionID = coord.CreateSubscription()
		if err := coord.FundSubscription(cfg.SubscriptionID, req.SubFundAmount); err != nil {
			return nil, xerrors.Errorf("funding subscription: %v", err)
		}
		if err := coord.AddConsumer(cfg.SubscriptionID, s.addr); err != nil {
			return nil, xerrors.Errorf("adding consumer: %v", err)
		}
	}
	subID := cfg.SubscriptionID
	r, err := rbase.New(cfg, coord.Bind(s.addr), s.escrow, s.clock)
	if err != nil {
		log.Errorf("invalid deployment: %v", err)
		return nil, err
	}

	dep := newDeployment(req.Network, s.addr, cfg)
	data, err := protobuf.Encode(dep)
	if err != nil {
		return nil, xerrors.Errorf("encoding deployment: %v", err)
	}
	roster := req.Roster
	if roster == nil {
		roster = onet.NewRoster([]*network.ServerIdentity{s.ServerIdentity()})
	}
	genesis, err := utils.CreateGenesisBlock(s.scService, roster, data)
	if err != nil {
		log.Errorf("couldn't create audit chain: %v", err)
		return nil, err
	}

	s.raffle = r
	s.storage = &storage{
		Deployed:    true,
		Network:     req.Network,
		Development: req.Development,
		Faucet:      req.Faucet,
		Genesis:     genesis.Hash,
		Config:      dep,
	}
	coord.RegisterConsumer(s.addr, s)
	s.persist("deployment")
	if req.Development && req.FulfillDelay > 0 {
		worker = &vrf.Worker{FulfillDelay: req.FulfillDelay}
	}
	log.Lvlf2("%v: raffle %s deployed on %s, subscription %d", s.ServerIdentity(),
		s.addr.Short(), req.Network, subID)
	return &DeployReply{
		Genesis:        genesis.Hash,
		Raffle:         s.addr,
		Oracle:         cfg.Oracle,
		SubscriptionID: subID,
	}, nil
}

// Enter pays the ticket amount from the payer's account into the pot and
// records the entry. If the round does not accept it, the amount is
// refunded; the nonce stays used.
func (s *Service) Enter(req *EnterRequest) (*EnterReply, error) {
	payer, err := req.Ticket.Verify()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raffle == nil {
		return nil, ErrNotDeployed
	}
	amount := req.Ticket.Amount
	if amount < s.raffle.EntranceFee() {
		return nil, rbase.ErrInsufficientPayment
	}
	err = s.ledger.TransferWithNonce(payer, s.addr, amount, req.Ticket.Nonce)
	if err != nil {
		log.Lvlf2("entry of %s refused by the bank: %v", payer.Short(), err)
		return nil, err
	}
	if err := s.raffle.Enter(payer, amount); err != nil {
		if rerr := s.ledger.Transfer(s.addr, payer, amount); rerr != nil {
			log.Errorf("couldn't refund %d to %s: %v", amount, payer.Short(), rerr)
		}
		return nil, err
	}
	s.persist("entry")
	return &EnterReply{
		Round:      s.raffle.Round(),
		NumPlayers: s.raffle.NumPlayers(),
		Pot:        s.raffle.Pot(),
	}, nil
}

func (s *Service) CheckUpkeep(req *CheckUpkeepRequest) (*CheckUpkeepReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raffle == nil {
		return nil, ErrNotDeployed
	}
	needed, status := s.raffle.CheckUpkeep()
	return &CheckUpkeepReply{Needed: needed, Status: status}, nil
}

func (s *Service) PerformUpkeep(req *PerformUpkeepRequest) (*PerformUpkeepReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raffle == nil {
		return nil, ErrNotDeployed
	}
	id, err := s.raffle.PerformUpkeep()
	if err != nil {
		log.Lvl3(s.ServerIdentity(), "upkeep refused:", err)
		return nil, err
	}
	s.persist("draw request")
	return &PerformUpkeepReply{RequestID: id}, nil
}

// FulfillRandomWords is called by the oracle. Once the round is settled the
// settlement is recorded; failing to record it does not undo the draw.
func (s *Service) FulfillRandomWords(caller rbase.Address, requestID uint64, words []*big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raffle == nil {
		return ErrNotDeployed
	}
	settlement, err := s.raffle.FulfillRandomWords(caller, requestID, words)
	if err != nil {
		log.Errorf("couldn't settle request %d: %v", requestID, err)
		return err
	}
	s.persist("settlement")
	if err := s.history.add(settlement); err != nil {
		log.Errorf("couldn't store settlement of round %d: %v", settlement.Round, err)
	}
	data, err := protobuf.Encode(settlement)
	if err != nil {
		log.Errorf("couldn't encode settlement: %v", err)
		return nil
	}
	if _, err := utils.StoreBlock(s.scService, s.storage.Genesis, data); err != nil {
		log.Errorf("couldn't append settlement to the audit chain: %v", err)
	}
	return nil
}

func (s *Service) GetState(req *GetStateRequest) (*GetStateReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raffle == nil {
		return nil, ErrNotDeployed
	}
	st := s.raffle.Snapshot()
	cfg := s.raffle.Config()
	return &GetStateReply{
		Network:        s.storage.Network,
		Genesis:        s.storage.Genesis,
		Raffle:         s.addr,
		Oracle:         cfg.Oracle,
		EntranceFee:    cfg.EntranceFee,
		Interval:       cfg.Interval,
		SubscriptionID: cfg.SubscriptionID,
		Status:         st.Status,
		Round:          st.Round,
		NumPlayers:     len(st.Players),
		Pot:            st.Pot,
		PendingRequest: st.PendingRequest,
		RecentWinner:   st.RecentWinner,
		LastSettlement: st.LastSettlement,
	}, nil
}

func (s *Service) GetPlayer(req *GetPlayerRequest) (*GetPlayerReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raffle == nil {
		return nil, ErrNotDeployed
	}
	p, err := s.raffle.Player(req.Index)
	if err != nil {
		return nil, err
	}
	return &GetPlayerReply{Player: p}, nil
}

func (s *Service) GetBalance(req *GetBalanceRequest) (*GetBalanceReply, error) {
	acc, err := s.ledger.Account(req.Address)
	if err != nil {
		return nil, err
	}
	return &GetBalanceReply{Balance: acc.Balance, Nonce: acc.Nonce, Frozen: acc.Frozen}, nil
}

func (s *Service) GetSettlements(req *GetSettlementsRequest) (*GetSettlementsReply, error) {
	all, err := s.history.all()
	if err != nil {
		log.Errorf("couldn't read settlements: %v", err)
		return nil, err
	}
	return &GetSettlementsReply{Settlements: all}, nil
}

func (s *Service) Deposit(req *DepositRequest) (*DepositReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.storage.Deployed {
		return nil, ErrNotDeployed
	}
	if !s.storage.Development || req.Amount > s.storage.Faucet {
		return nil, ErrFaucetDisabled
	}
	bal, err := s.ledger.Deposit(req.Address, req.Amount)
	if err != nil {
		return nil, err
	}
	return &DepositReply{Balance: bal}, nil
}

func vrfFees(req *DeployRequest) vbase.Fees {
	return vbase.Fees{BaseFee: req.BaseFee, GasPrice: req.GasPrice}
}

func (s *Service) save() error {
	if s.raffle != nil {
		s.storage.State = s.raffle.Snapshot()
	}
	if err := s.store(storageKey, s.storage); err != nil {
		log.Errorf("could not save data: %v", err)
		return err
	}
	return nil
}

// persist saves after an operation that has already taken effect. A failure
// cannot undo it, so it is only logged; the next successful save catches up.
func (s *Service) persist(what string) {
	if err := s.save(); err != nil {
		log.Warnf("%v: %s applied but not persisted", s.ServerIdentity(), what)
	}
}

func (s *Service) tryLoad() error {
	s.storage = &storage{}
	msg, err := s.Load(storageKey)
	if err != nil {
		log.Errorf("load storage failed: %v", err)
		return err
	}
	if msg == nil {
		return nil
	}
	st, ok := msg.(*storage)
	if !ok {
		return xerrors.New("store of wrong type")
	}
	s.storage = st
	if !st.Deployed {
		return nil
	}
	if st.Config == nil || st.State == nil {
		return xerrors.Errorf("deployed without config or state: %w", rbase.ErrInvalidState)
	}
	cfg, err := st.Config.config()
	if err != nil {
		return xerrors.Errorf("restoring raffle: %v", err)
	}
	coord := s.vrfService.Coordinator()
	s.raffle, err = rbase.Restore(cfg, coord.Bind(s.addr), s.escrow, s.clock, st.State)
	if err != nil {
		return xerrors.Errorf("restoring raffle: %v", err)
	}
	coord.RegisterConsumer(s.addr, s)
	log.Lvlf2("%v: restored round %d of %s", s.ServerIdentity(), st.State.Round, st.Network)
	return nil
}

func newService(c *onet.Context) (onet.Service, error) {
	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
		scService:        c.Service(skipchain.ServiceName).(*skipchain.Service),
		vrfService:       c.Service(vrf.ServiceName).(*vrf.Service),
		clock:            rbase.SystemClock{},
	}
	s.store = s.Save
	var err error
	s.addr, err = rbase.NewAddress(c.ServerIdentity().Public)
	if err != nil {
		return nil, err
	}
	db, bucket := c.GetAdditionalBucket([]byte("accounts"))
	s.ledger, err = bank.New(db, bucket)
	if err != nil {
		return nil, err
	}
	s.escrow = bank.NewEscrow(s.ledger, s.addr)
	db, bucket = c.GetAdditionalBucket([]byte("settlements"))
	s.history, err = newHistory(db, bucket)
	if err != nil {
		return nil, err
	}
	err = s.RegisterHandlers(s.Deploy, s.Enter, s.CheckUpkeep,
		s.PerformUpkeep, s.GetState, s.GetPlayer, s.GetBalance,
		s.GetSettlements, s.Deposit)
	if err != nil {
		log.Errorf("couldn't register handlers: %v", err)
		return nil, err
	}
	if err := s.tryLoad(); err != nil {
		return nil, err
	}
	return s, nil
}
