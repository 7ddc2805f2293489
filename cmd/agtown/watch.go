package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/haricheung/agent-town/internal/bus"
	"github.com/haricheung/agent-town/internal/types"
	"github.com/haricheung/agent-town/internal/ui"
)

var watchedTypes = append([]types.MessageType{
	types.MsgOperationStarted,
	types.MsgLeaseExpired,
	types.MsgPlanCreated,
}, types.FinishTypes...)

// WatchCmd follows a running world's finish inputs from another process.
type WatchCmd struct {
	URL string `help:"NATS server URL (default: bus.nats_url)"`
}

// Run blocks until interrupted.
func (c *WatchCmd) Run(cli *CLI) error {
	a, err := load(cli)
	if err != nil {
		return err
	}
	defer a.close()

	url := c.URL
	if url == "" {
		url = a.cfg.Bus.NATSURL
	}
	if url == "" {
		return fmt.Errorf("no NATS url: set bus.nats_url or pass --url")
	}
	br, err := bus.Dial(url, a.cfg.Bus.SubjectPrefix, a.cfg.World.ID, "watch-"+uuid.NewString()[:8], a.bus)
	if err != nil {
		return err
	}
	defer br.Close()

	names := make(map[string]string)
	for _, ag := range a.world.Agents() {
		names[ag.ID] = ag.Name
	}
	ctx, cancel := signalContext()
	defer cancel()

	disp := ui.New(a.bus.SubscribeMany(watchedTypes...), os.Stdout, names)
	if err := br.Start(); err != nil {
		return err
	}
	fmt.Printf("watching %s\n", bus.Subject(a.cfg.Bus.SubjectPrefix, a.cfg.World.ID))
	disp.Run(ctx)
	return nil
}
