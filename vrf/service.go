package vrf

import (
	"sync"
	"time"

	rbase "github.com/dedis/raffle/raffle/base"
	"github.com/dedis/raffle/vrf/base"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"
)

var vrfID onet.ServiceID

// ServiceName is the name under which the oracle runs on a conode.
const ServiceName = "RaffleVRF"

var storageKey = []byte("storage")

func init() {
	var err error
	vrfID, err = onet.RegisterNewService(ServiceName, newService)
	if err != nil {
		panic(err)
	}
	network.RegisterMessages(&storage{}, &InitUnitRequest{}, &InitUnitReply{},
		&CreateSubscriptionRequest{}, &CreateSubscriptionReply{},
		&FundSubscriptionRequest{}, &FundSubscriptionReply{},
		&AddConsumerRequest{}, &AddConsumerReply{},
		&GetSubscriptionRequest{}, &GetSubscriptionReply{}, &Worker{},
		&GetPublicRequest{}, &GetPublicReply{}, &FulfillRequest{},
		&FulfillReply{}, &PendingRequestsRequest{}, &PendingRequestsReply{})
}

// Service runs one randomness coordinator per conode.
type Service struct {
	*onet.ServiceProcessor
	coordinator *base.Coordinator
	saveLock    sync.Mutex

	workerLock sync.Mutex
	worker     *Worker
	// runLock serialises restarts of the worker. It is not held by save,
	// which the worker itself ends up calling.
	runLock sync.Mutex
}

// DefaultRetryInterval is used when a worker has no retry interval.
const DefaultRetryInterval = 10 * time.Second

// Coordinator gives co-located services direct access to the oracle.
func (s *Service) Coordinator() *base.Coordinator {
	return s.coordinator
}

func (s *Service) InitUnit(req *InitUnitRequest) (*InitUnitReply, error) {
	s.coordinator.SetFees(base.Fees{BaseFee: req.BaseFee, GasPrice: req.GasPrice})
	if err := s.SetWorker(req.Worker); err != nil {
		return nil, err
	}
	pub, err := s.coordinator.Public().MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("marshalling public key: %v", err)
	}
	log.Lvlf2("%v: oracle %s ready, fees %d/%d", s.ServerIdentity(),
		s.coordinator.Address().Short(), req.BaseFee, req.GasPrice)
	return &InitUnitReply{Public: pub, Address: s.coordinator.Address()}, nil
}

func (s *Service) CreateSubscription(req *CreateSubscriptionRequest) (*CreateSubscriptionReply, error) {
	return &CreateSubscriptionReply{SubscriptionID: s.coordinator.CreateSubscription()}, nil
}

func (s *Service) FundSubscription(req *FundSubscriptionRequest) (*FundSubscriptionReply, error) {
	if err := s.coordinator.FundSubscription(req.SubscriptionID, req.Amount); err != nil {
		log.Errorf("couldn't fund subscription %d: %v", req.SubscriptionID, err)
		return nil, err
	}
	sub, err := s.coordinator.GetSubscription(req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	return &FundSubscriptionReply{Balance: sub.Balance}, nil
}

func (s *Service) AddConsumer(req *AddConsumerRequest) (*AddConsumerReply, error) {
	if err := s.coordinator.AddConsumer(req.SubscriptionID, req.Consumer); err != nil {
		log.Errorf("couldn't add consumer %s: %v", req.Consumer.Short(), err)
		return nil, err
	}
	return &AddConsumerReply{}, nil
}

func (s *Service) GetSubscription(req *GetSubscriptionRequest) (*GetSubscriptionReply, error) {
	sub, err := s.coordinator.GetSubscription(req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	return &GetSubscriptionReply{Subscription: sub}, nil
}

func (s *Service) GetPublic(req *GetPublicRequest) (*GetPublicReply, error) {
	pub, err := s.coordinator.Public().MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("marshalling public key: %v", err)
	}
	fees := s.coordinator.Fees()
	return &GetPublicReply{
		Public:   pub,
		Address:  s.coordinator.Address(),
		BaseFee:  fees.BaseFee,
		GasPrice: fees.GasPrice,
	}, nil
}

// Fulfill answers a pending request and returns the proof. The consumer's
// callback has run by the time the reply is sent.
func (s *Service) Fulfill(req *FulfillRequest) (*FulfillReply, error) {
	log.Lvl3(s.ServerIdentity(), "fulfilling request", req.RequestID)
	out, err := s.coordinator.Fulfill(req.RequestID)
	if err != nil {
		log.Errorf("couldn't fulfil request %d: %v", req.RequestID, err)
		return nil, err
	}
	return &FulfillReply{
		RequestID: out.RequestID,
		Seed:      out.Seed,
		Proof:     out.Proof,
		Words:     out.Words,
	}, nil
}

func (s *Service) PendingRequests(req *PendingRequestsRequest) (*PendingRequestsReply, error) {
	reply := &PendingRequestsReply{}
	for _, id := range s.coordinator.Pending() {
		r, err := s.coordinator.GetRequest(id)
		if err != nil {
			// fulfilled in the meantime
			continue
		}
		reply.Requests = append(reply.Requests, r)
	}
	return reply, nil
}

// SetWorker starts, restarts or, with a nil w, stops automatic fulfilment.
// The setting survives restarts.
func (s *Service) SetWorker(w *Worker) error {
	if w != nil {
		if w.FulfillDelay < 0 || w.RetryInterval < 0 {
			return xerrors.New("negative worker durations")
		}
		cp := *w
		if cp.RetryInterval == 0 {
			cp.RetryInterval = DefaultRetryInterval
		}
		w = &cp
	}
	s.workerLock.Lock()
	s.worker = w
	s.workerLock.Unlock()
	s.startWorker()
	return s.save()
}

func (s *Service) startWorker() {
	s.runLock.Lock()
	defer s.runLock.Unlock()
	s.workerLock.Lock()
	w := s.worker
	s.workerLock.Unlock()
	s.coordinator.Stop()
	if w == nil {
		return
	}
	log.Lvlf2("%v: fulfilling after %v, retrying every %v", s.ServerIdentity(),
		w.FulfillDelay, w.RetryInterval)
	s.coordinator.Start(w.FulfillDelay, w.RetryInterval)
}

// RegisterConsumer is used by co-located consumers to receive their words.
func (s *Service) RegisterConsumer(addr rbase.Address, consumer base.Consumer) {
	s.coordinator.RegisterConsumer(addr, consumer)
}

func (s *Service) save() error {
	s.saveLock.Lock()
	defer s.saveLock.Unlock()
	private, public, err := s.coordinator.Keys()
	if err != nil {
		return err
	}
	fees := s.coordinator.Fees()
	s.workerLock.Lock()
	worker := s.worker
	s.workerLock.Unlock()
	st := &storage{
		Private:  private,
		Public:   public,
		BaseFee:  fees.BaseFee,
		GasPrice: fees.GasPrice,
		Worker:   worker,
		State:    s.coordinator.Snapshot(),
	}
	if err := s.Save(storageKey, st); err != nil {
		log.Errorf("could not save data: %v", err)
		return err
	}
	return nil
}

func (s *Service) tryLoad() error {
	msg, err := s.Load(storageKey)
	if err != nil {
		log.Errorf("load storage failed: %v", err)
		return err
	}
	if msg == nil {
		s.coordinator, err = base.NewCoordinator(nil, nil, base.Fees{})
		return err
	}
	st, ok := msg.(*storage)
	if !ok {
		return xerrors.New("store of wrong type")
	}
	private, public, err := base.LoadKeys(st.Private, st.Public)
	if err != nil {
		return err
	}
	s.coordinator, err = base.NewCoordinator(private, public,
		base.Fees{BaseFee: st.BaseFee, GasPrice: st.GasPrice})
	if err != nil {
		return err
	}
	s.worker = st.Worker
	if st.State != nil {
		return s.coordinator.Restore(st.State)
	}
	return nil
}

func newService(c *onet.Context) (onet.Service, error) {
	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
	}
	err := s.RegisterHandlers(s.InitUnit, s.CreateSubscription,
		s.FundSubscription, s.AddConsumer, s.GetSubscription, s.GetPublic,
		s.Fulfill, s.PendingRequests)
	if err != nil {
		log.Errorf("couldn't register handlers: %v", err)
		return nil, err
	}
	if err := s.tryLoad(); err != nil {
		return nil, err
	}
	s.coordinator.OnCommit(func() {
		if err := s.save(); err != nil {
			log.Error(s.ServerIdentity(), err)
		}
	})
	if err := s.save(); err != nil {
		return nil, err
	}
	s.startWorker()
	return s, nil
}
