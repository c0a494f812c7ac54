// henkanctl is the control CLI for the henkand daemon.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"henkand/internal/config"
	"henkand/internal/ipc"
)

const version = "1.0.0"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "control socket path (overrides config)")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	switch cmd := flag.Arg(0); cmd {
	case "status":
		cmdStatus()
	case "metrics":
		cmdMetrics(flag.Args()[1:])
	case "history":
		cmdHistory(flag.Args()[1:])
	case "config":
		cmdConfig(flag.Args()[1:])
	case "convert":
		cmdConvert(flag.Args()[1:])
	case "shutdown":
		cmdShutdown()
	case "version":
		fmt.Printf("henkanctl %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `henkanctl - control utility for henkand

Usage: henkanctl [options] <command> [args]

Commands:
  status                 Show daemon status, health, and open documents
  metrics [-format f]    Print daemon metrics (prometheus or json)
  history [-n N] [-doc D]  Print recent committed conversions
  config [show|path]     Show the daemon's effective configuration
  convert <text> [-pick N]  One-shot conversion of the token ending <text>
  shutdown               Stop the daemon
  version                Print version
  help                   Show this help message

Options:
  -config <path>  Path to config file
  -socket <path>  Control socket path (overrides config)`)
}

// connect dials the daemon's control socket, resolving the socket path
// from the flag, the environment, or the config file, in that order.
func connect() *ipc.IPCClient {
	cc := ipc.DefaultClientConfig(config.HenkandDir())
	cc.ClientName = "henkanctl"
	cc.ClientVersion = version
	cc.AutoReconnect = false

	cfg, err := config.Load(*configPath)
	if err == nil && cfg.Daemon.SocketPath != "" {
		cc.SocketPath = cfg.Daemon.SocketPath
	}
	if *socketPath != "" {
		cc.SocketPath = *socketPath
	}

	client := ipc.NewClient(cc)
	if err := client.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "Cannot connect to henkand at %s: %v\n", cc.SocketPath, err)
		fmt.Fprintln(os.Stderr, "Is the daemon running? Start it with 'henkand'.")
		os.Exit(1)
	}
	return client
}

func cmdStatus() {
	client := connect()
	defer client.Close()

	status, err := client.Status(false, true)
	if err != nil {
		fatal("status", err)
	}

	fmt.Println("=== henkand status ===")
	fmt.Println()
	fmt.Printf("Version:   %s\n", status.Version)
	fmt.Printf("Started:   %s\n", status.StartedAt.Format(time.RFC3339))
	fmt.Printf("Uptime:    %s\n", status.Uptime.Round(time.Second))
	if status.Healthy {
		fmt.Println("Health:    OK")
	} else {
		fmt.Println("Health:    DEGRADED")
	}
	for _, check := range status.Checks {
		mark := "ok"
		if !check.OK {
			mark = "FAIL"
		}
		line := fmt.Sprintf("  [%s] %s", mark, check.Name)
		if check.Detail != "" {
			line += ": " + check.Detail
		}
		fmt.Println(line)
	}

	fmt.Println()
	if status.History.Enabled {
		fmt.Printf("History:   %d records", status.History.RecordCount)
		if status.History.DocumentCount > 0 {
			fmt.Printf(" across %d documents", status.History.DocumentCount)
		}
		if !status.History.IntegrityOK {
			fmt.Print("  (INTEGRITY CHECK FAILED)")
		}
		fmt.Println()
	} else {
		fmt.Println("History:   disabled")
	}

	if len(status.Documents) == 0 {
		fmt.Println("Documents: none registered")
		return
	}
	fmt.Printf("Documents: %d registered\n", len(status.Documents))
	for _, doc := range status.Documents {
		fmt.Printf("  %-24s %-10s %d conversions\n", doc.DocID, doc.State, doc.Conversions)
	}
}

func cmdMetrics(args []string) {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	format := fs.String("format", "prometheus", "output format: prometheus or json")
	fs.Parse(args)

	client := connect()
	defer client.Close()

	resp, err := client.Metrics(*format)
	if err != nil {
		fatal("metrics", err)
	}
	fmt.Print(resp.Body)
}

func cmdHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("n", 20, "number of records to show")
	docID := fs.String("doc", "", "only show records for this document")
	fs.Parse(args)

	client := connect()
	defer client.Close()

	resp, err := client.History(*docID, *limit)
	if err != nil {
		fatal("history", err)
	}

	if len(resp.Records) == 0 {
		fmt.Println("No committed conversions recorded.")
		return
	}

	fmt.Printf("%d of %d committed conversions:\n\n", len(resp.Records), resp.Total)
	for _, rec := range resp.Records {
		fmt.Printf("%s  %-16s %q -> %q\n",
			rec.Timestamp.Format("2006-01-02 15:04:05"),
			rec.DocID, rec.Original, rec.Committed)
	}
}

func cmdConfig(args []string) {
	sub := "show"
	if len(args) > 0 {
		sub = args[0]
	}

	client := connect()
	defer client.Close()

	resp, err := client.GetConfig(nil)
	if err != nil {
		fatal("config", err)
	}

	switch sub {
	case "path":
		fmt.Println(resp.Path)
	case "show":
		fmt.Printf("# %s\n", resp.Path)
		sections := make([]string, 0, len(resp.Config))
		for name := range resp.Config {
			sections = append(sections, name)
		}
		sort.Strings(sections)
		for _, name := range sections {
			data, err := json.MarshalIndent(resp.Config[name], "", "  ")
			if err != nil {
				fatal("config", err)
			}
			fmt.Printf("%s = %s\n", name, data)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown config subcommand: %s (want show or path)\n", sub)
		os.Exit(1)
	}
}

// cmdConvert runs one conversion end to end against an ephemeral
// document: register, trigger, pick a candidate, commit, print.
func cmdConvert(args []string) {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	pick := fs.Int("pick", 0, "candidate number to commit (0 = first)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: henkanctl convert <text> [-pick N]")
		os.Exit(1)
	}
	text := fs.Arg(0)

	client := connect()
	defer client.Close()

	docID := fmt.Sprintf("henkanctl-%d", os.Getpid())
	if _, err := client.RegisterDoc(docID, text, len([]rune(text))); err != nil {
		fatal("register", err)
	}
	defer client.ReleaseDoc(docID)

	resp, err := client.Trigger(docID)
	if err != nil {
		fatal("trigger", err)
	}
	if !resp.Success {
		notice := resp.Error
		if resp.Doc != nil && resp.Doc.Notice != "" {
			notice = resp.Doc.Notice
		}
		fmt.Fprintf(os.Stderr, "Cannot convert: %s\n", notice)
		os.Exit(1)
	}
	if resp.Doc == nil || resp.Doc.State != ipc.DocStateConverting {
		fmt.Fprintln(os.Stderr, "Conversion did not open a session")
		os.Exit(1)
	}

	if *pick > 0 {
		fwd, err := client.ForwardEvent(docID, ipc.ForwardKindRune, fmt.Sprintf("%d", *pick))
		if err != nil {
			fatal("select candidate", err)
		}
		if fwd.Doc != nil && fwd.Doc.State != ipc.DocStateConverting {
			fmt.Println(fwd.Doc.Text)
			return
		}
	}

	fwd, err := client.ForwardEvent(docID, ipc.ForwardKindCommit, "")
	if err != nil {
		fatal("commit", err)
	}
	if fwd.Doc == nil {
		fmt.Fprintln(os.Stderr, "No document state in response")
		os.Exit(1)
	}
	fmt.Println(fwd.Doc.Text)
}

func cmdShutdown() {
	client := connect()
	defer client.Close()

	if err := client.Shutdown(); err != nil {
		fatal("shutdown", err)
	}
	fmt.Println("Shutdown requested.")
}

func fatal(op string, err error) {
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", op, err)
	os.Exit(1)
}
