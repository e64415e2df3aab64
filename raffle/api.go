package raffle

import (
	rbase "github.com/dedis/raffle/raffle/base"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3"
)

// Client talks to the raffle of the first node of the roster. Errors keep
// their kind: compare them with xerrors.Is against the raffle/base errors.
type Client struct {
	*onet.Client
	roster *onet.Roster
}

func NewClient(r *onet.Roster) *Client {
	return &Client{Client: onet.NewClient(cothority.Suite, ServiceName), roster: r}
}

func (c *Client) send(req, reply interface{}) error {
	return rbase.Classify(c.SendProtobuf(c.roster.List[0], req, reply))
}

func (c *Client) Deploy(req *DeployRequest) (*DeployReply, error) {
	if req.Roster == nil {
		req.Roster = c.roster
	}
	reply := &DeployReply{}
	err := c.send(req, reply)
	return reply, err
}

// Enter signs a ticket with sk and enters the current round with it.
func (c *Client) Enter(sk kyber.Scalar, amount, nonce uint64) (*EnterReply, error) {
	ticket, err := NewTicket(sk, amount, nonce)
	if err != nil {
		return nil, err
	}
	reply := &EnterReply{}
	err = c.send(&EnterRequest{Ticket: ticket}, reply)
	return reply, err
}

func (c *Client) CheckUpkeep() (*CheckUpkeepReply, error) {
	reply := &CheckUpkeepReply{}
	err := c.send(&CheckUpkeepRequest{}, reply)
	return reply, err
}

func (c *Client) PerformUpkeep() (*PerformUpkeepReply, error) {
	reply := &PerformUpkeepReply{}
	err := c.send(&PerformUpkeepRequest{}, reply)
	return reply, err
}

func (c *Client) GetState() (*GetStateReply, error) {
	reply := &GetStateReply{}
	err := c.send(&GetStateRequest{}, reply)
	return reply, err
}

func (c *Client) GetPlayer(index int) (*GetPlayerReply, error) {
	reply := &GetPlayerReply{}
	err := c.send(&GetPlayerRequest{Index: index}, reply)
	return reply, err
}

func (c *Client) GetBalance(addr rbase.Address) (*GetBalanceReply, error) {
	reply := &GetBalanceReply{}
	err := c.send(&GetBalanceRequest{Address: addr}, reply)
	return reply, err
}

func (c *Client) GetSettlements() (*GetSettlementsReply, error) {
	reply := &GetSettlementsReply{}
	err := c.send(&GetSettlementsRequest{}, reply)
	return reply, err
}

func (c *Client) Deposit(addr rbase.Address, amount uint64) (*DepositReply, error) {
	reply := &DepositReply{}
	err := c.send(&DepositRequest{Address: addr, Amount: amount}, reply)
	return reply, err
}

// Upkeeper adapts the client to what the keeper polls.
func (c *Client) Upkeeper() *Upkeeper {
	return &Upkeeper{c: c}
}

type Upkeeper struct {
	c *Client
}

func (u *Upkeeper) CheckUpkeep() (bool, error) {
	reply, err := u.c.CheckUpkeep()
	if err != nil {
		return false, err
	}
	return reply.Needed, nil
}

func (u *Upkeeper) PerformUpkeep() (uint64, error) {
	reply, err := u.c.PerformUpkeep()
	if err != nil {
		return 0, err
	}
	return reply.RequestID, nil
}
