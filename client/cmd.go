package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dedis/raffle/config"
	"github.com/dedis/raffle/gateway"
	"github.com/dedis/raffle/keeper"
	"github.com/dedis/raffle/raffle"
	rbase "github.com/dedis/raffle/raffle/base"
	"github.com/dedis/raffle/utils"
	"github.com/dedis/raffle/vrf"
	vbase "github.com/dedis/raffle/vrf/base"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
	"gopkg.in/urfave/cli.v1"
)

func roster(c *cli.Context) (*onet.Roster, error) {
	return utils.ReadRoster(c.GlobalString("roster"))
}

func raffleClient(c *cli.Context) (*raffle.Client, error) {
	r, err := roster(c)
	if err != nil {
		return nil, err
	}
	return raffle.NewClient(r), nil
}

func keygen(c *cli.Context) error {
	kp := key.NewKeyPair(cothority.Suite)
	sk, err := encoding.ScalarToStringHex(cothority.Suite, kp.Private)
	if err != nil {
		return err
	}
	addr, err := rbase.NewAddress(kp.Public)
	if err != nil {
		return err
	}
	fmt.Println("private:", sk)
	fmt.Println("address:", addr)
	return nil
}

func deploy(c *cli.Context) error {
	f := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		f, err = config.Load(path)
		if err != nil {
			return err
		}
	}
	r, err := roster(c)
	if err != nil {
		return err
	}
	req, err := raffle.NewDeployRequest(f, c.String("network"), r)
	if err != nil {
		return err
	}
	reply, err := raffle.NewClient(r).Deploy(req)
	if err != nil {
		return err
	}
	fmt.Printf("genesis: %x\n", reply.Genesis)
	fmt.Println("raffle:", reply.Raffle)
	fmt.Println("oracle:", reply.Oracle)
	fmt.Println("subscription:", reply.SubscriptionID)
	return nil
}

func deposit(c *cli.Context) error {
	addr, err := parseAddress(c.String("address"))
	if err != nil {
		return err
	}
	cl, err := raffleClient(c)
	if err != nil {
		return err
	}
	reply, err := cl.Deposit(addr, c.Uint64("amount"))
	if err != nil {
		return err
	}
	fmt.Println("balance:", reply.Balance)
	return nil
}

func enter(c *cli.Context) error {
	sk, addr, err := parseKey(c.String("key"))
	if err != nil {
		return err
	}
	cl, err := raffleClient(c)
	if err != nil {
		return err
	}
	amount := c.Uint64("amount")
	if amount == 0 {
		st, err := cl.GetState()
		if err != nil {
			return err
		}
		amount = st.EntranceFee
	}
	nonce := c.Uint64("nonce")
	if nonce == 0 {
		acc, err := cl.GetBalance(addr)
		if err != nil {
			return err
		}
		nonce = acc.Nonce + 1
	}
	reply, err := cl.Enter(sk, amount, nonce)
	if err != nil {
		return err
	}
	fmt.Printf("entered round %d: %d players, pot %d\n", reply.Round, reply.NumPlayers, reply.Pot)
	return nil
}

func check(c *cli.Context) error {
	cl, err := raffleClient(c)
	if err != nil {
		return err
	}
	reply, err := cl.CheckUpkeep()
	if err != nil {
		return err
	}
	s := reply.Status
	fmt.Printf("upkeep needed: %t (open=%t players=%t balance=%t time=%t)\n",
		reply.Needed, s.IsOpen, s.HasPlayers, s.HasBalance, s.TimePassed)
	return nil
}

func perform(c *cli.Context) error {
	cl, err := raffleClient(c)
	if err != nil {
		return err
	}
	reply, err := cl.PerformUpkeep()
	if err != nil {
		return err
	}
	fmt.Println("request:", reply.RequestID)
	return nil
}

func oracle(c *cli.Context) error {
	r, err := roster(c)
	if err != nil {
		return err
	}
	var w *vrf.Worker
	if !c.Bool("manual") {
		w = &vrf.Worker{FulfillDelay: c.Duration("delay"), RetryInterval: c.Duration("retry")}
	}
	reply, err := vrf.NewClient(r).InitUnit(c.Uint64("base-fee"), c.Uint64("gas-price"), w)
	if err != nil {
		return err
	}
	fmt.Println("oracle:", reply.Address)
	if w == nil {
		fmt.Println("requests wait for `fulfill`")
	}
	return nil
}

func fulfill(c *cli.Context) error {
	r, err := roster(c)
	if err != nil {
		return err
	}
	cl := vrf.NewClient(r)
	pub, err := cl.GetPublic()
	if err != nil {
		return err
	}
	point, err := pub.Point()
	if err != nil {
		return err
	}
	ids := []uint64{c.Uint64("request")}
	if ids[0] == 0 {
		pending, err := cl.PendingRequests()
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, req := range pending.Requests {
			ids = append(ids, req.ID)
		}
	}
	for _, id := range ids {
		reply, err := cl.Fulfill(id)
		if err != nil {
			return xerrors.Errorf("request %d: %v", id, err)
		}
		if err := vbase.VerifyOutput(point, reply.Output(point)); err != nil {
			return xerrors.Errorf("request %d: %v", id, err)
		}
		fmt.Printf("request %d fulfilled, proof %x\n", id, reply.Proof)
	}
	return nil
}

func status(c *cli.Context) error {
	cl, err := raffleClient(c)
	if err != nil {
		return err
	}
	st, err := cl.GetState()
	if err != nil {
		return err
	}
	fmt.Println("network:", st.Network)
	fmt.Println("raffle:", st.Raffle)
	fmt.Println("entrance fee:", st.EntranceFee)
	fmt.Println("interval:", st.Interval)
	fmt.Println("state:", st.Status)
	fmt.Println("round:", st.Round)
	fmt.Println("players:", st.NumPlayers)
	fmt.Println("pot:", st.Pot)
	if st.PendingRequest != 0 {
		fmt.Println("pending request:", st.PendingRequest)
	}
	if !st.RecentWinner.IsZero() {
		fmt.Println("recent winner:", st.RecentWinner)
	}
	fmt.Println("last settlement:", time.Unix(0, st.LastSettlement).Format(time.RFC3339))
	return nil
}

func player(c *cli.Context) error {
	cl, err := raffleClient(c)
	if err != nil {
		return err
	}
	reply, err := cl.GetPlayer(c.Int("index"))
	if err != nil {
		return err
	}
	fmt.Println(reply.Player)
	return nil
}

func balance(c *cli.Context) error {
	addr, err := parseAddress(c.String("address"))
	if err != nil {
		return err
	}
	cl, err := raffleClient(c)
	if err != nil {
		return err
	}
	reply, err := cl.GetBalance(addr)
	if err != nil {
		return err
	}
	fmt.Printf("balance: %d nonce: %d frozen: %t\n", reply.Balance, reply.Nonce, reply.Frozen)
	return nil
}

func history(c *cli.Context) error {
	cl, err := raffleClient(c)
	if err != nil {
		return err
	}
	reply, err := cl.GetSettlements()
	if err != nil {
		return err
	}
	for _, s := range reply.Settlements {
		fmt.Printf("round %d: %s won %d (%d/%d, request %d)\n", s.Round,
			s.Winner, s.Prize, s.Index, s.NumPlayers, s.RequestID)
	}
	return nil
}

func waitInterrupt() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

func runKeeper(c *cli.Context) error {
	cl, err := raffleClient(c)
	if err != nil {
		return err
	}
	k := keeper.New(cl.Upkeeper(), c.String("schedule"))
	if err := k.Start(); err != nil {
		return err
	}
	waitInterrupt()
	k.Stop()
	log.Info("keeper triggered", len(k.Performed()), "draws")
	return nil
}

func serve(c *cli.Context) error {
	cl, err := raffleClient(c)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: c.String("listen"), Handler: gateway.Router(cl)}
	go func() {
		waitInterrupt()
		srv.Close()
	}()
	log.Info("serving on", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
