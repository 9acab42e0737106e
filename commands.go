package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Readm/memcoh/channel"
	"github.com/Readm/memcoh/config"
	"github.com/Readm/memcoh/controller"
	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/logging"
	"github.com/Readm/memcoh/payload"
	"github.com/Readm/memcoh/server"
)

func cmdServe(ctx context.Context, cfg config.Config, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("%w: serve takes no arguments", errUsage)
	}
	if cfg.Channel.Kind == config.KindRemote {
		return errors.New("serve needs a local channel, not a remote one")
	}
	b, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	srv, err := server.New(server.Options{
		Name:    fmt.Sprintf("memcoh-%s", cfg.Channel.Kind),
		Channel: b.ch,
		Payload: b.store,
		Logger:  logging.GetLogger(),
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, cfg.Server.Listen)
}

func cmdRead(ctx context.Context, cfg config.Config, block string, out io.Writer) error {
	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	res, err := n.Read(ctx, block)
	if err != nil {
		return err
	}
	outcome := "miss"
	if res.Hit {
		outcome = "hit"
	}
	fmt.Fprintf(out, "%s %q\n", outcome, res.Value)
	return nil
}

func cmdWrite(ctx context.Context, cfg config.Config, block, data string, out io.Writer) error {
	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	if err := n.Write(ctx, block, []byte(data)); err != nil {
		return err
	}
	entry, err := n.GetState(ctx, block)
	if err != nil {
		return err
	}
	b, _ := core.ParseBlock(block)
	fmt.Fprintln(out, formatEntry(b, entry))
	return nil
}

func cmdState(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	b, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	snap, err := b.ch.Fetch(ctx)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		block, err := core.ParseBlock(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, formatEntry(block, snap.Get(block)))
		return nil
	}
	printSnapshot(out, snap)
	return nil
}

func cmdCache(cfg config.Config, out io.Writer) error {
	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	lines := n.Cache()
	fmt.Fprintf(out, "node %d cache: %d/%d lines\n", n.ID(), len(lines), cfg.Node.CacheCapacity)
	for _, line := range lines {
		fmt.Fprintf(out, "  %-10s %q\n", line.Block, line.Value)
	}
	return nil
}

func cmdWatch(ctx context.Context, cfg config.Config, out io.Writer) error {
	b, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	updates, err := channel.Watch(ctx, b.ch, 0)
	if err != nil {
		return err
	}
	for snap := range updates {
		printSnapshot(out, snap)
	}
	return nil
}

func printSnapshot(out io.Writer, snap core.Snapshot) {
	fmt.Fprintf(out, "version %d\n", snap.Version)
	for _, block := range snap.Blocks() {
		fmt.Fprintf(out, "  %s\n", formatEntry(block, snap.Entries[block]))
	}
}

type scenarioStep struct {
	node  int
	write bool
	block string
	data  string
}

// The two-node walkthrough: both nodes read the block, node 2 overwrites it
// and invalidates node 1, then node 1 reads the new value twice.
var scenarioSteps = []scenarioStep{
	{node: 1, block: "0xABC"},
	{node: 2, block: "0xABC"},
	{node: 2, write: true, block: "0xABC", data: "v2"},
	{node: 1, block: "0xABC"},
	{node: 1, block: "0xABC"},
}

// cmdScenario replays scenarioSteps on in-memory backends, seeding the
// block's backing value with "init".
func cmdScenario(ctx context.Context, cfg config.Config, out io.Writer) error {
	mem := cfg
	mem.Channel.Kind = config.KindMemory
	mem.Payload.Kind = config.KindMemory
	b, err := openBackends(mem)
	if err != nil {
		return err
	}
	defer b.Close()

	seed := core.MustBlock(scenarioSteps[0].block)
	if _, err := b.store.Put(ctx, payload.BackingKey(seed), []byte("init"), 0); err != nil {
		return err
	}

	group := controller.NewGroup(controllerOptions(mem, b), pluginSetup(mem.Node.Plugins))
	defer group.Close()

	fmt.Fprintf(out, "protocol %s, writeback %s\n", mem.Node.Protocol, mem.Node.Writeback)
	for i, step := range scenarioSteps {
		node, err := group.Node(step.node)
		if err != nil {
			return err
		}
		if step.write {
			if err := node.Write(ctx, step.block, []byte(step.data)); err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
			fmt.Fprintf(out, "%d. node %d write %s %q\n", i+1, step.node, step.block, step.data)
		} else {
			res, err := node.Read(ctx, step.block)
			if err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
			outcome := "miss"
			if res.Hit {
				outcome = "hit"
			}
			fmt.Fprintf(out, "%d. node %d read  %s %q (%s)\n", i+1, step.node, step.block, res.Value, outcome)
		}
		entry, err := node.GetState(ctx, step.block)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "   %s\n", formatEntry(seed, entry))
	}
	for _, id := range group.IDs() {
		node, _ := group.Node(id)
		st := node.Stats()
		fmt.Fprintf(out, "node %d: %d accesses, %d misses, hit rate %.2f\n", id, st.Accesses, st.Misses, st.HitRate)
	}
	return nil
}
