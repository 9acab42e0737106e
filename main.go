package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Readm/memcoh/config"
	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/logging"
)

const usage = `usage: memcoh [flags] <command> [args]

commands:
  serve                 run the directory server
  read <block>          read a block as this node
  write <block> <data>  write data to a block as this node
  state [block]         show one directory entry, or the whole directory
  cache                 show this node's local cache, least recently used first
  watch                 print every published directory version
  scenario              replay the two-node walkthrough in memory

flags:
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("memcoh", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "TOML configuration file (built-in defaults when empty)")
	nodeID := fs.Int("node", -1, "node id, overrides [node] id")
	protocol := fs.String("protocol", "", "protocol variant (mesi or moesi), overrides [node] protocol")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(*configPath, *nodeID, *protocol)
	if err != nil {
		fmt.Fprintf(stderr, "memcoh: %v\n", err)
		return 1
	}
	logging.ConfigureSettings(logging.ProfileRuntime, logging.Settings{
		Level:   cfg.Log.Level,
		JSON:    cfg.Log.JSON,
		NoColor: cfg.Log.NoColor,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if err := dispatch(ctx, cfg, cmd, rest, stdout); err != nil {
		fmt.Fprintf(stderr, "memcoh %s: %v\n", cmd, err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

func loadConfig(path string, nodeID int, protocol string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if nodeID >= 0 {
		cfg.Node.ID = nodeID
	}
	if protocol != "" {
		cfg.Node.Protocol = protocol
	}
	if err := config.Validate(&cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

var errUsage = errors.New("bad arguments")

func dispatch(ctx context.Context, cfg config.Config, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "serve":
		return cmdServe(ctx, cfg, args)
	case "read":
		if len(args) != 1 {
			return fmt.Errorf("%w: read <block>", errUsage)
		}
		return cmdRead(ctx, cfg, args[0], out)
	case "write":
		if len(args) != 2 {
			return fmt.Errorf("%w: write <block> <data>", errUsage)
		}
		return cmdWrite(ctx, cfg, args[0], args[1], out)
	case "state":
		if len(args) > 1 {
			return fmt.Errorf("%w: state [block]", errUsage)
		}
		return cmdState(ctx, cfg, args, out)
	case "cache":
		return cmdCache(cfg, out)
	case "watch":
		return cmdWatch(ctx, cfg, out)
	case "scenario":
		return cmdScenario(ctx, cfg, out)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func formatEntry(block core.Block, e core.Entry) string {
	return fmt.Sprintf("%-10s %s", block, e)
}
