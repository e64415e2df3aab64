package base

import (
	"sort"
	"sync"
	"time"

	rbase "github.com/dedis/raffle/raffle/base"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

const queueSize = 64

// Coordinator accepts randomness requests from registered consumers and
// answers them with BLS-signed seeds. Subscriptions pay for the answers.
type Coordinator struct {
	sync.Mutex
	private kyber.Scalar
	public  kyber.Point
	addr    rbase.Address
	fees    Fees

	nextSub   uint64
	nextReq   uint64
	subs      map[uint64]*Subscription
	requests  map[uint64]*Request
	inflight  map[uint64]bool
	consumers map[rbase.Address]Consumer

	queue   chan uint64
	closing chan struct{}
	wg      sync.WaitGroup

	onCommit func()
}

// Snapshot is the persistent part of a coordinator.
type Snapshot struct {
	NextSub       uint64
	NextReq       uint64
	Subscriptions []*Subscription
	Requests      []*Request
}

// NewCoordinator returns a coordinator signing with the given bn256 key
// pair. A nil private key generates a fresh pair.
func NewCoordinator(private kyber.Scalar, public kyber.Point, fees Fees) (*Coordinator, error) {
	if private == nil {
		private, public = bls.NewKeyPair(Suite, random.New())
	}
	addr, err := rbase.NewAddress(public)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		private:   private,
		public:    public,
		addr:      addr,
		fees:      fees,
		subs:      make(map[uint64]*Subscription),
		requests:  make(map[uint64]*Request),
		inflight:  make(map[uint64]bool),
		consumers: make(map[rbase.Address]Consumer),
	}, nil
}

// Address is the identity consumers must trust.
func (c *Coordinator) Address() rbase.Address {
	return c.addr
}

func (c *Coordinator) Public() kyber.Point {
	return c.public
}

func (c *Coordinator) Fees() Fees {
	c.Lock()
	defer c.Unlock()
	return c.fees
}

// SetFees changes the fees charged from the next fulfilment on.
func (c *Coordinator) SetFees(fees Fees) {
	c.Lock()
	defer c.Unlock()
	c.fees = fees
}

// Keys returns the marshalled signing key pair.
func (c *Coordinator) Keys() (private, public []byte, err error) {
	private, err = c.private.MarshalBinary()
	if err != nil {
		return nil, nil, xerrors.Errorf("marshalling private key: %v", err)
	}
	public, err = c.public.MarshalBinary()
	if err != nil {
		return nil, nil, xerrors.Errorf("marshalling public key: %v", err)
	}
	return private, public, nil
}

// LoadKeys unmarshals a key pair produced by Keys.
func LoadKeys(private, public []byte) (kyber.Scalar, kyber.Point, error) {
	sk := Suite.G2().Scalar()
	if err := sk.UnmarshalBinary(private); err != nil {
		return nil, nil, xerrors.Errorf("unmarshalling private key: %v", err)
	}
	pk := Suite.G2().Point()
	if err := pk.UnmarshalBinary(public); err != nil {
		return nil, nil, xerrors.Errorf("unmarshalling public key: %v", err)
	}
	return sk, pk, nil
}

// CreateSubscription returns the id of a new, empty subscription. Ids
// start at 1.
func (c *Coordinator) CreateSubscription() uint64 {
	defer c.changed()
	c.Lock()
	defer c.Unlock()
	c.nextSub++
	c.subs[c.nextSub] = &Subscription{ID: c.nextSub}
	log.Lvl2("created subscription", c.nextSub)
	return c.nextSub
}

func (c *Coordinator) FundSubscription(id uint64, amount uint64) error {
	defer c.changed()
	c.Lock()
	defer c.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return ErrInvalidSubscription
	}
	sub.Balance += amount
	return nil
}

func (c *Coordinator) AddConsumer(id uint64, consumer rbase.Address) error {
	defer c.changed()
	c.Lock()
	defer c.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return ErrInvalidSubscription
	}
	if !sub.hasConsumer(consumer) {
		sub.Consumers = append(sub.Consumers, consumer)
	}
	return nil
}

func (c *Coordinator) RemoveConsumer(id uint64, consumer rbase.Address) error {
	defer c.changed()
	c.Lock()
	defer c.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return ErrInvalidSubscription
	}
	for i, addr := range sub.Consumers {
		if addr == consumer {
			sub.Consumers = append(sub.Consumers[:i], sub.Consumers[i+1:]...)
			return nil
		}
	}
	return ErrInvalidConsumer
}

func (c *Coordinator) GetSubscription(id uint64) (*Subscription, error) {
	c.Lock()
	defer c.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return nil, ErrInvalidSubscription
	}
	return sub.copy(), nil
}

// OnCommit registers fn to be called, without the lock held, after every
// call that may have changed the subscriptions or the pending requests.
func (c *Coordinator) OnCommit(fn func()) {
	c.Lock()
	defer c.Unlock()
	c.onCommit = fn
}

func (c *Coordinator) changed() {
	c.Lock()
	fn := c.onCommit
	c.Unlock()
	if fn != nil {
		fn()
	}
}

// Snapshot returns a copy of the subscriptions and pending requests.
func (c *Coordinator) Snapshot() *Snapshot {
	c.Lock()
	defer c.Unlock()
	snap := &Snapshot{NextSub: c.nextSub, NextReq: c.nextReq}
	for _, sub := range c.subs {
		snap.Subscriptions = append(snap.Subscriptions, sub.copy())
	}
	for _, r := range c.requests {
		cp := *r
		snap.Requests = append(snap.Requests, &cp)
	}
	sort.Slice(snap.Subscriptions, func(i, j int) bool {
		return snap.Subscriptions[i].ID < snap.Subscriptions[j].ID
	})
	sort.Slice(snap.Requests, func(i, j int) bool {
		return snap.Requests[i].ID < snap.Requests[j].ID
	})
	return snap
}

// Restore replaces the subscriptions and pending requests. Registered
// consumers are kept.
func (c *Coordinator) Restore(snap *Snapshot) error {
	if snap == nil {
		return xerrors.New("nil snapshot")
	}
	c.Lock()
	defer c.Unlock()
	subs := make(map[uint64]*Subscription)
	for _, sub := range snap.Subscriptions {
		if sub.ID == 0 || sub.ID > snap.NextSub {
			return xerrors.Errorf("subscription %d out of range: %w", sub.ID, ErrInvalidSubscription)
		}
		subs[sub.ID] = sub.copy()
	}
	requests := make(map[uint64]*Request)
	for _, r := range snap.Requests {
		if r.ID == 0 || r.ID > snap.NextReq {
			return xerrors.Errorf("request %d out of range: %w", r.ID, ErrInvalidRequest)
		}
		cp := *r
		requests[r.ID] = &cp
	}
	c.nextSub, c.nextReq = snap.NextSub, snap.NextReq
	c.subs, c.requests = subs, requests
	return nil
}

// RegisterConsumer tells the coordinator where to deliver the words of the
// requests made by addr.
func (c *Coordinator) RegisterConsumer(addr rbase.Address, consumer Consumer) {
	c.Lock()
	defer c.Unlock()
	c.consumers[addr] = consumer
}

// Bind returns a view of the coordinator that makes requests on behalf of
// consumer.
func (c *Coordinator) Bind(consumer rbase.Address) rbase.Coordinator {
	return &boundCoordinator{c: c, consumer: consumer}
}

type boundCoordinator struct {
	c        *Coordinator
	consumer rbase.Address
}

func (b *boundCoordinator) RequestRandomWords(req *rbase.RandomnessRequest) (uint64, error) {
	return b.c.RequestRandomWords(b.consumer, req)
}

// RequestRandomWords records a request and returns its id. Ids are
// sequential and never reused.
func (c *Coordinator) RequestRandomWords(consumer rbase.Address, req *rbase.RandomnessRequest) (uint64, error) {
	if req == nil {
		return 0, ErrInvalidRequest
	}
	if req.NumWords == 0 || req.NumWords > MaxNumWords {
		return 0, xerrors.Errorf("%d words requested: %w", req.NumWords, ErrInvalidRequest)
	}
	if req.CallbackGasLimit > MaxGasLimit {
		return 0, xerrors.Errorf("gas limit %d too big: %w", req.CallbackGasLimit, ErrInvalidRequest)
	}
	if req.Confirmations > MaxConfirmations {
		return 0, xerrors.Errorf("%d confirmations: %w", req.Confirmations, ErrInvalidRequest)
	}

	defer c.changed()
	c.Lock()
	defer c.Unlock()
	sub, ok := c.subs[req.SubscriptionID]
	if !ok {
		return 0, ErrInvalidSubscription
	}
	if !sub.hasConsumer(consumer) {
		return 0, ErrInvalidConsumer
	}
	c.nextReq++
	r := &Request{
		ID:               c.nextReq,
		Consumer:         consumer,
		SubscriptionID:   req.SubscriptionID,
		KeyHash:          append([]byte(nil), req.KeyHash...),
		Confirmations:    uint32(req.Confirmations),
		CallbackGasLimit: req.CallbackGasLimit,
		NumWords:         req.NumWords,
		PreSeed:          random.Bits(256, false, random.New()),
		Created:          time.Now().UnixNano(),
	}
	c.requests[r.ID] = r
	sub.ReqCount++
	log.Lvlf2("request %d from %s on subscription %d", r.ID, consumer.Short(), sub.ID)

	if c.queue != nil {
		select {
		case c.queue <- r.ID:
		default:
			log.Warn("fulfilment queue is full, request", r.ID, "stays pending")
		}
	}
	return r.ID, nil
}

// Pending returns the ids of the requests that have not been delivered yet,
// in increasing order.
func (c *Coordinator) Pending() []uint64 {
	c.Lock()
	defer c.Unlock()
	ids := make([]uint64, 0, len(c.requests))
	for id := range c.requests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetRequest returns a copy of a pending request.
func (c *Coordinator) GetRequest(id uint64) (*Request, error) {
	c.Lock()
	defer c.Unlock()
	r, ok := c.requests[id]
	if !ok {
		return nil, ErrNonexistentRequest
	}
	cp := *r
	return &cp, nil
}

// Fulfill computes the output of a pending request and delivers it to the
// consumer. The subscription is charged and the request deleted only if the
// consumer accepts the words; otherwise the request can be fulfilled again
// and yields the same output.
func (c *Coordinator) Fulfill(id uint64) (*Output, error) {
	c.Lock()
	r, ok := c.requests[id]
	if !ok {
		c.Unlock()
		return nil, ErrNonexistentRequest
	}
	if c.inflight[id] {
		c.Unlock()
		return nil, ErrRequestInFlight
	}
	sub, ok := c.subs[r.SubscriptionID]
	if !ok {
		c.Unlock()
		return nil, ErrInvalidSubscription
	}
	payment := c.fees.Payment(r.CallbackGasLimit)

	if sub.Balance < payment {
		c.Unlock()
		return nil, xerrors.Errorf("need %d, have %d: %w", payment, sub.Balance, ErrInsufficientBalance)
	}
	consumer, ok := c.consumers[r.Consumer]
	if !ok {
		c.Unlock()
		return nil, xerrors.Errorf("no callback for %s: %w", r.Consumer.Short(), ErrInvalidConsumer)
	}
	c.inflight[id] = true
	c.Unlock()

	// The consumer takes its own lock, so it is called without ours.
	out, err := c.compute(r)
	if err == nil {
		err = consumer.FulfillRandomWords(c.addr, id, out.BigWords())
	}

	defer c.changed()
	c.Lock()
	defer c.Unlock()
	delete(c.inflight, id)
	if err != nil {
		log.Lvlf2("request %d not fulfilled: %v", id, err)
		return nil, err
	}
	delete(c.requests, id)
	if sub, ok := c.subs[r.SubscriptionID]; ok {
		if sub.Balance >= payment {
			sub.Balance -= payment
		} else {
			sub.Balance = 0
		}
	}
	log.Lvlf2("request %d fulfilled, charged %d", id, payment)
	return out, nil
}

func (c *Coordinator) compute(r *Request) (*Output, error) {
	seed := r.Seed()
	proof, err := bls.Sign(Suite, c.private, seed)
	if err != nil {
		return nil, xerrors.Errorf("couldn't sign seed: %v", err)
	}
	return &Output{
		RequestID: r.ID,
		Public:    c.public,
		Seed:      seed,
		Proof:     proof,
		Words:     deriveWords(proof, r.NumWords),
	}, nil
}

// due returns the pending requests that are at least delay old and not
// being fulfilled.
func (c *Coordinator) due(delay time.Duration) []uint64 {
	c.Lock()
	defer c.Unlock()
	cutoff := time.Now().Add(-delay).UnixNano()
	var ids []uint64
	for id, r := range c.requests {
		if !c.inflight[id] && r.Created <= cutoff {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Coordinator) fulfilQuietly(id uint64) {
	_, err := c.Fulfill(id)
	switch {
	case err == nil:
	case xerrors.Is(err, ErrNonexistentRequest), xerrors.Is(err, ErrRequestInFlight):
		log.Lvl3("request", id, "already handled")
	default:
		log.Errorf("couldn't fulfil request %d: %v", id, err)
	}
}

// Start fulfils requests in the background until Stop is called. New
// requests are answered after delay. Every retry interval, and once at
// start, the pending requests older than delay are fulfilled too: the ones
// restored from a snapshot, dropped from a full queue or whose delivery
// failed. A zero retry disables the periodic scan.
func (c *Coordinator) Start(delay, retry time.Duration) {
	c.Lock()
	if c.queue != nil {
		c.Unlock()
		return
	}
	c.queue = make(chan uint64, queueSize)
	c.closing = make(chan struct{})
	queue, closing := c.queue, c.closing
	c.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		var tick <-chan time.Time
		if retry > 0 {
			ticker := time.NewTicker(retry)
			defer ticker.Stop()
			tick = ticker.C
		}
		scan := time.After(delay)
		for {
			select {
			case id := <-queue:
				select {
				case <-time.After(delay):
				case <-closing:
					return
				}
				c.fulfilQuietly(id)
			case <-scan:
				for _, id := range c.due(delay) {
					c.fulfilQuietly(id)
				}
			case <-tick:
				for _, id := range c.due(delay) {
					c.fulfilQuietly(id)
				}
			case <-closing:
				return
			}
		}
	}()
}

// Stop ends the background fulfilment. Queued requests stay pending.
func (c *Coordinator) Stop() {
	c.Lock()
	if c.queue == nil {
		c.Unlock()
		return
	}
	close(c.closing)
	c.queue = nil
	c.Unlock()
	c.wg.Wait()
}
