//go:build linux

// henkand-ibus bridges the henkand daemon onto the IBus input-method
// framework.
//
// It registers an IBus engine on the session bus; applications that use
// IBus then get modeless conversion in any text field. Keys pass through
// unchanged until the henkan key (or F2) converts the token before the
// cursor via the daemon.
//
// Installation:
//  1. Copy the binary to /usr/local/bin/henkand-ibus
//  2. Run henkand-ibus -install to register the IBus component
//  3. Restart IBus: ibus restart
//  4. Add "henkand" as an input source
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"henkand/internal/config"
	"henkand/internal/ibus"
	"henkand/internal/ipc"
	"henkand/internal/logging"
)

const version = "1.0.0"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "daemon control socket path (overrides config)")
	logLevel   = flag.String("log-level", "", "log level: debug, info, warn, error")
	replace    = flag.Bool("replace", false, "replace a running henkand-ibus instance")
	install    = flag.Bool("install", false, "register the IBus component and exit")
	uninstall  = flag.Bool("uninstall", false, "remove the IBus component and exit")
)

func main() {
	flag.Parse()

	if *install || *uninstall {
		if err := manageComponent(*install); err != nil {
			fmt.Fprintf(os.Stderr, "henkand-ibus: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "henkand-ibus: %v\n", err)
		os.Exit(1)
	}
}

// manageComponent writes or removes the IBus component description under
// ~/.local/share/ibus/component/, pointing at the current binary. IBus
// must be restarted afterwards to pick the change up.
func manageComponent(install bool) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	componentPath := filepath.Join(home, ".local", "share", "ibus", "component", "henkand.xml")

	if !install {
		if err := os.Remove(componentPath); err != nil {
			return err
		}
		fmt.Println("Removed", componentPath)
		return nil
	}

	binPath, err := os.Executable()
	if err != nil {
		binPath = "/usr/local/bin/henkand-ibus"
	}

	componentXML := `<?xml version="1.0" encoding="utf-8"?>
<component>
    <name>org.freedesktop.IBus.Henkand</name>
    <description>Modeless text conversion</description>
    <exec>` + binPath + `</exec>
    <version>` + version + `</version>
    <author>henkand</author>
    <license>MIT</license>
    <textdomain>henkand</textdomain>
    <engines>
        <engine>
            <name>henkand</name>
            <language>ja</language>
            <license>MIT</license>
            <author>henkand</author>
            <icon>henkand</icon>
            <layout>us</layout>
            <longname>Henkand</longname>
            <description>Modeless conversion: type, then convert the token before the cursor</description>
            <rank>99</rank>
            <symbol>変</symbol>
        </engine>
    </engines>
</component>
`

	if err := os.MkdirAll(filepath.Dir(componentPath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(componentPath, []byte(componentXML), 0644); err != nil {
		return err
	}
	fmt.Println("Wrote", componentPath)
	return nil
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.Output = "stderr"
	logCfg.Component = "henkand-ibus"
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)
	defer logger.Close()

	cc := ipc.DefaultClientConfig(config.HenkandDir())
	cc.ClientName = "henkand-ibus"
	cc.ClientVersion = version
	if cfg.Daemon.SocketPath != "" {
		cc.SocketPath = cfg.Daemon.SocketPath
	}
	if *socketPath != "" {
		cc.SocketPath = *socketPath
	}

	client := ipc.NewClient(cc)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect to daemon at %s: %w (is henkand running?)", cc.SocketPath, err)
	}
	defer client.Close()

	svc, err := ibus.NewService(ibus.ServiceConfig{
		Client:  client,
		Logger:  logger.WithComponent("ibus"),
		Replace: *replace,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		return err
	}
	logger.Info("ibus bridge running", "daemon", cc.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	return svc.Stop()
}
