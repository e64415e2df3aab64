package vrf

import (
	rbase "github.com/dedis/raffle/raffle/base"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/onet/v3"
)

type Client struct {
	*onet.Client
	roster *onet.Roster
}

// NewClient talks to the oracle of the first node of the roster.
func NewClient(r *onet.Roster) *Client {
	return &Client{Client: onet.NewClient(cothority.Suite, ServiceName), roster: r}
}

// InitUnit sets the fees and the fulfilment worker, nil for none.
func (c *Client) InitUnit(baseFee, gasPrice uint64, w *Worker) (*InitUnitReply, error) {
	req := &InitUnitRequest{BaseFee: baseFee, GasPrice: gasPrice, Worker: w}
	reply := &InitUnitReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

func (c *Client) CreateSubscription() (*CreateSubscriptionReply, error) {
	reply := &CreateSubscriptionReply{}
	err := c.SendProtobuf(c.roster.List[0], &CreateSubscriptionRequest{}, reply)
	return reply, err
}

func (c *Client) FundSubscription(id, amount uint64) (*FundSubscriptionReply, error) {
	req := &FundSubscriptionRequest{SubscriptionID: id, Amount: amount}
	reply := &FundSubscriptionReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

func (c *Client) AddConsumer(id uint64, consumer rbase.Address) (*AddConsumerReply, error) {
	req := &AddConsumerRequest{SubscriptionID: id, Consumer: consumer}
	reply := &AddConsumerReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

func (c *Client) GetSubscription(id uint64) (*GetSubscriptionReply, error) {
	reply := &GetSubscriptionReply{}
	err := c.SendProtobuf(c.roster.List[0], &GetSubscriptionRequest{SubscriptionID: id}, reply)
	return reply, err
}

func (c *Client) GetPublic() (*GetPublicReply, error) {
	reply := &GetPublicReply{}
	err := c.SendProtobuf(c.roster.List[0], &GetPublicRequest{}, reply)
	return reply, err
}

func (c *Client) Fulfill(id uint64) (*FulfillReply, error) {
	reply := &FulfillReply{}
	err := c.SendProtobuf(c.roster.List[0], &FulfillRequest{RequestID: id}, reply)
	return reply, err
}

func (c *Client) PendingRequests() (*PendingRequestsReply, error) {
	reply := &PendingRequestsReply{}
	err := c.SendProtobuf(c.roster.List[0], &PendingRequestsRequest{}, reply)
	return reply, err
}
