package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lanportal/config"
	"lanportal/discovery"
	"lanportal/network"
	"lanportal/protocol"
	"lanportal/storage"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:           "lanportal",
		Short:         "LAN peer-to-peer file transfer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCommand(),
		newSendCommand(),
		newScanCommand(),
		newPingCommand(),
		newHistoryCommand(),
		newPeersCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// appEnv is everything a command needs from the local installation.
type appEnv struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	store   *storage.Store
}

func loadEnv() (*appEnv, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	dataDir := filepath.Dir(cfgPath)
	store, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &appEnv{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		store:   store,
	}, nil
}

func (e *appEnv) close() {
	if err := e.store.Close(); err != nil {
		slog.Error("database close", "err", err)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Receive files: listen for transfers and announce this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv()
			if err != nil {
				return err
			}
			defer env.close()

			listenAddr := ":0"
			if env.cfg.PortMode == config.PortModeFixed {
				listenAddr = fmt.Sprintf(":%d", env.cfg.ServicePort)
			}

			server, err := network.Listen(listenAddr, network.SlaveOptions{
				ReceiveDir: env.cfg.ReceiveDir,
				Store:      env.store,
			})
			if err != nil {
				return err
			}
			defer func() {
				_ = server.Close()
			}()

			go func() {
				for err := range server.Errors() {
					slog.Error("transfer connection", "err", err)
				}
			}()

			announcer, err := discovery.StartAnnouncer(discovery.BroadcastConfig{
				ServicePort:   server.Port(),
				BroadcastPort: env.cfg.BroadcastPort,
			})
			if err != nil {
				slog.Warn("broadcast announcer unavailable", "err", err)
			} else {
				defer announcer.Stop()
			}

			advertiser, err := discovery.StartAdvertiser(discovery.Config{
				SelfDeviceID: env.cfg.DeviceID,
				DeviceName:   env.cfg.DeviceName,
				ServicePort:  server.Port(),
			})
			if err != nil {
				slog.Warn("mDNS advertiser unavailable", "err", err)
			} else {
				defer advertiser.Stop()
			}

			fmt.Printf("Device ID:       %s\n", env.cfg.DeviceID)
			fmt.Printf("Device Name:     %s\n", env.cfg.DeviceName)
			fmt.Printf("Service Port:    %d\n", server.Port())
			fmt.Printf("Broadcast Port:  %d\n", env.cfg.BroadcastPort)
			fmt.Printf("Receive Dir:     %s\n", env.cfg.ReceiveDir)
			fmt.Printf("Config File:     %s\n", env.cfgPath)
			fmt.Println("Status:          running (press Ctrl+C to stop)")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			fmt.Println("Status:          shutting down")
			return nil
		},
	}
}

func newSendCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "send <file>...",
		Short: "Send files to a receiving peer, with interactive task control",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv()
			if err != nil {
				return err
			}
			defer env.close()

			master, err := network.Dial(addr, network.MasterOptions{})
			if err != nil {
				return err
			}
			defer func() {
				_ = master.Close()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			responses := make(chan protocol.Response, 64)
			go func() {
				if err := master.RecvResponses(ctx, responses); err != nil {
					slog.Error("response loop", "err", err)
				}
			}()
			go func() {
				for response := range responses {
					slog.Debug("peer response", "response", fmt.Sprintf("%#v", response))
				}
			}()

			outcomes := make(chan network.TransferResult, len(args))
			for _, path := range args {
				ctrl, results := master.SendFile(path)
				fmt.Printf("Task %s  %s -> %s\n", ctrl.ID(), path, addr)
				go func() {
					outcomes <- <-results
				}()
			}

			fmt.Println("Commands: tasks | pause <id> | resume <id> | abort <id>")
			go controlLoop(master)

			failures := 0
			interrupt := ctx.Done()
			for remaining := len(args); remaining > 0; {
				select {
				case result := <-outcomes:
					remaining--
					recordSendOutcome(env.store, addr, result)
					switch {
					case result.Err != nil:
						failures++
						fmt.Printf("Task %s failed: %v\n", result.TaskID, result.Err)
					case result.Aborted:
						fmt.Printf("Task %s aborted\n", result.TaskID)
					default:
						fmt.Printf("Task %s sent %d bytes as %q (file id %#x)\n",
							result.TaskID, result.BytesSent, result.FileName, result.FileID)
					}
				case <-interrupt:
					// Ctrl+C aborts every running transfer cleanly, with
					// DropFile on the wire, before we leave.
					fmt.Println("Interrupt received, aborting transfers")
					for _, ctrl := range master.Tasks() {
						if _, done := ctrl.Status(); !done {
							ctrl.Abort()
						}
					}
					interrupt = nil
				}
			}

			if failures > 0 {
				return fmt.Errorf("%d of %d transfers failed", failures, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "receiver address (host:port)")
	_ = cmd.MarkFlagRequired("addr")
	return cmd
}

// controlLoop drives in-flight tasks from stdin lines until input ends.
func controlLoop(master *network.Master) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "tasks":
			for _, ctrl := range master.Tasks() {
				status, done := ctrl.Status()
				state := status.String()
				if done {
					state = "done"
				}
				fmt.Printf("  %s  %-8s %s\n", ctrl.ID(), state, ctrl.Path())
			}
		case "pause", "resume", "abort":
			if len(fields) < 2 {
				fmt.Printf("usage: %s <task-id>\n", fields[0])
				continue
			}
			ctrl, ok := findTask(master, fields[1])
			if !ok {
				fmt.Printf("no task matches %q\n", fields[1])
				continue
			}
			switch fields[0] {
			case "pause":
				ctrl.Pause()
			case "resume":
				ctrl.Resume()
			case "abort":
				ctrl.Abort()
			}
			fmt.Printf("%s %s\n", fields[0], ctrl.ID())
		default:
			fmt.Println("Commands: tasks | pause <id> | resume <id> | abort <id>")
		}
	}
}

// findTask resolves a full or prefix task id to a unique handle.
func findTask(master *network.Master, idPrefix string) (*network.TaskControl, bool) {
	var match *network.TaskControl
	for _, ctrl := range master.Tasks() {
		if strings.HasPrefix(ctrl.ID().String(), idPrefix) {
			if match != nil {
				return nil, false
			}
			match = ctrl
		}
	}
	return match, match != nil
}

func recordSendOutcome(store *storage.Store, addr string, result network.TransferResult) {
	status := storage.TransferStatusComplete
	switch {
	case result.Err != nil:
		status = storage.TransferStatusFailed
	case result.Aborted:
		status = storage.TransferStatusAborted
	}

	_, err := store.SaveTransfer(storage.TransferRecord{
		Direction: storage.TransferDirectionSend,
		FileName:  result.FileName,
		SizeBytes: result.BytesSent,
		PeerAddr:  addr,
		Status:    status,
	})
	if err != nil {
		slog.Error("record send outcome", "file", result.FileName, "err", err)
	}
}

func newScanCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the local network for receiving peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv()
			if err != nil {
				return err
			}
			defer env.close()

			listener, err := discovery.StartBroadcastListener(discovery.BroadcastConfig{
				BroadcastPort: env.cfg.BroadcastPort,
				Store:         env.store,
			})
			if err != nil {
				return err
			}
			defer listener.Stop()

			scanner, err := discovery.NewPeerScanner(discovery.Config{
				SelfDeviceID: env.cfg.DeviceID,
				ScanTimeout:  timeout,
				Store:        env.store,
			})
			if err != nil {
				return err
			}
			if err := scanner.Start(); err != nil {
				return err
			}
			defer scanner.Stop()

			fmt.Printf("Scanning for %s...\n", timeout)
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			<-ctx.Done()

			addresses := listener.Addresses()
			fmt.Printf("Broadcast peers (%d):\n", len(addresses))
			for _, address := range addresses {
				fmt.Printf("  %s\n", address)
			}

			peers := scanner.ListPeers()
			fmt.Printf("mDNS peers (%d):\n", len(peers))
			for _, peer := range peers {
				fmt.Printf("  %-24s %s %v port=%d\n", peer.DeviceName, peer.DeviceID, peer.Addresses, peer.Port)
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "how long to scan")
	return cmd
}

func newPingCommand() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Probe a receiving peer for liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			master, err := network.Dial(addr, network.MasterOptions{DialTimeout: timeout})
			if err != nil {
				return err
			}
			defer func() {
				_ = master.Close()
			}()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			responses := make(chan protocol.Response, 1)
			go func() {
				_ = master.RecvResponses(ctx, responses)
			}()

			start := time.Now()
			if err := master.Ping(); err != nil {
				return err
			}

			select {
			case <-responses:
				fmt.Printf("Pong from %s in %s\n", addr, time.Since(start).Round(time.Millisecond))
				return nil
			case <-ctx.Done():
				return errors.New("ping timed out")
			}
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "receiver address (host:port)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "ping timeout")
	_ = cmd.MarkFlagRequired("addr")
	return cmd
}

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded transfers, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv()
			if err != nil {
				return err
			}
			defer env.close()

			records, err := env.store.ListTransfers(limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No transfers recorded yet.")
				return nil
			}

			for _, record := range records {
				when := time.UnixMilli(record.CompletedAt).Format(time.RFC3339)
				fmt.Printf("%s  %-7s %-18s %10d bytes  %-12s %s\n",
					when, record.Direction, record.Status, record.SizeBytes, record.PeerAddr, record.FileName)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries to show")
	return cmd
}

func newPeersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List peers recorded by past discovery runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv()
			if err != nil {
				return err
			}
			defer env.close()

			sightings, err := env.store.ListPeerSightings()
			if err != nil {
				return err
			}
			if len(sightings) == 0 {
				fmt.Println("No peers recorded yet.")
				return nil
			}

			for _, sighting := range sightings {
				lastSeen := time.UnixMilli(sighting.LastSeen).Format(time.RFC3339)
				fmt.Printf("%-24s %-10s last seen %s\n", sighting.Address, sighting.Source, lastSeen)
			}
			return nil
		},
	}
}
