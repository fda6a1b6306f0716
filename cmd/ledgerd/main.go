// ledgerd is one roster peer's full process: it loads the static address
// book, wires the chain store / Paxos instance / messenger / recovery
// syncer together, and runs the stdin command loop of spec §6.
//
// Usage:
//
//	ledgerd <node-id> [--config=config.json] [--log-level=info] [--log-json]
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/JohnKim04/blockchain-paxos/config"
	"github.com/JohnKim04/blockchain-paxos/internal/ledger"
	"github.com/JohnKim04/blockchain-paxos/internal/log"
	"github.com/JohnKim04/blockchain-paxos/internal/peer"
	"github.com/JohnKim04/blockchain-paxos/internal/storage"
)

func main() {
	os.Exit(run())
}

// run wires up one peer and drives its command loop, returning the process
// exit code (spec §6: 0 on clean exit/SIGINT, non-zero if the listen socket
// cannot be bound or the config is missing).
func run() int {
	flagSet := flag.NewFlagSet("ledgerd", flag.ContinueOnError)
	configPath := flagSet.String("config", "config.json", "path to the roster address book")
	logLevel := flagSet.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flagSet.Bool("log-json", false, "emit structured JSON logs instead of colored console output")
	dataDir := flagSet.String("data-dir", ".", "directory for the state snapshot and badger index")
	// The node id may come before the flags (as in the usage line) or
	// after them.
	argv := os.Args[1:]
	var nodeID string
	if len(argv) > 0 && !strings.HasPrefix(argv[0], "-") {
		nodeID, argv = argv[0], argv[1:]
	}
	if err := flagSet.Parse(argv); err != nil {
		return 2
	}

	args := flagSet.Args()
	if nodeID == "" && len(args) == 1 {
		nodeID, args = args[0], nil
	}
	if nodeID == "" || len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: ledgerd <node-id> [flags]")
		return 2
	}

	if err := log.Init(*logLevel, *logJSON, ""); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 1
	}

	roster, err := config.LoadRoster(*configPath)
	if err != nil {
		log.Node.Error().Err(err).Str("path", *configPath).Msg("failed to load roster")
		return 1
	}
	if err := config.ValidateRoster(roster); err != nil {
		log.Node.Error().Err(err).Msg("invalid roster")
		return 1
	}
	if err := config.ValidSelf(roster, nodeID); err != nil {
		log.Node.Error().Err(err).Msg("unknown node id")
		return 1
	}

	statePath := fmt.Sprintf("%s/state_node_%s.json", strings.TrimSuffix(*dataDir, "/"), nodeID)
	dbPath := fmt.Sprintf("%s/badger_node_%s", strings.TrimSuffix(*dataDir, "/"), nodeID)
	var dbIface storage.DB
	if badgerDB, err := storage.NewBadger(dbPath); err != nil {
		log.Node.Warn().Err(err).Msg("badger index unavailable, falling back to an in-memory fast-path index")
		dbIface = storage.NewMemory()
	} else {
		defer badgerDB.Close()
		dbIface = badgerDB
	}

	p, err := peer.New(nodeID, roster, config.DefaultTiming(), statePath, dbIface)
	if err != nil {
		log.Node.Error().Err(err).Msg("failed to construct peer")
		return 1
	}
	if err := p.Start(); err != nil {
		log.Node.Error().Err(err).Str("addr", roster[nodeID].Addr()).Msg("failed to bind listener")
		return 1
	}
	defer p.Stop()

	log.Node.Info().Str("id", nodeID).Str("addr", roster[nodeID].Addr()).Msg("ledgerd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go readCommands(lines)

	for {
		select {
		case sig := <-sigCh:
			log.Node.Info().Str("signal", sig.String()).Msg("shutdown signal received")
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			if !dispatchCommand(p, line) {
				return 0
			}
		}
	}
}

// readCommands feeds each stdin line to lines, closing it on EOF.
func readCommands(lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// dispatchCommand executes one line of the command surface (spec §6) and
// reports whether the command loop should keep running.
func dispatchCommand(p *peer.Peer, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	switch fields[0] {
	case "moneyTransfer":
		if len(fields) != 3 {
			fmt.Println("usage: moneyTransfer <dest> <amt>")
			return true
		}
		amt, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || amt <= 0 {
			fmt.Println("moneyTransfer: amount must be a positive integer")
			return true
		}
		dest := fields[1]
		// Runs off the command-loop goroutine: MoneyTransfer blocks on
		// pkg/ledgerhash.Mine, and the loop must keep reading stdin so a
		// concurrent failProcess line can actually reach Peer.FailProcess
		// and cancel an in-flight mine (spec §5's failure simulation).
		go func() {
			if err := p.MoneyTransfer(dest, amt); err != nil {
				if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, peer.ErrPeerFailed) {
					fmt.Printf("moneyTransfer rejected: %v\n", err)
				} else {
					fmt.Printf("moneyTransfer failed: %v\n", err)
				}
			}
		}()
	case "failProcess":
		p.FailProcess()
		fmt.Println("process marked failed")
	case "fixProcess":
		p.FixProcess()
		fmt.Println("process marked live, syncing")
	case "printBlockchain":
		data, err := json.MarshalIndent(p.PrintBlockchain(), "", "  ")
		if err != nil {
			fmt.Printf("printBlockchain failed: %v\n", err)
			return true
		}
		fmt.Println(string(data))
	case "printBalance":
		data, err := json.MarshalIndent(p.PrintBalance(), "", "  ")
		if err != nil {
			fmt.Printf("printBalance failed: %v\n", err)
			return true
		}
		fmt.Println(string(data))
	case "exit":
		return false
	default:
		fmt.Printf("unknown command %q\n", fields[0])
	}
	return true
}
