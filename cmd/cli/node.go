package cli

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cmdconfig "github.com/teapotnet/teapotnet/cmd/config"
	"github.com/teapotnet/teapotnet/core"
)

var (
	coreMu  sync.Mutex
	coreCtx *core.CoreContext
)

// nodeInit builds the in-process engine shared by the command families.
func nodeInit(cmd *cobra.Command, _ []string) error {
	coreMu.Lock()
	defer coreMu.Unlock()
	if coreCtx != nil {
		return nil
	}
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = "teapotnet.yaml"
	}
	cmdconfig.LoadConfig(path)
	cfg := cmdconfig.AppConfig

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Runtime.LogLevel); err == nil {
		log.SetLevel(level)
	}
	ctx, err := core.NewCoreContext(log, core.Options{
		Port:          cfg.Network.Port,
		Directory:     cfg.Storage.Directory,
		SharedDirs:    cfg.Storage.SharedDirs,
		Trackers:      cfg.Network.Trackers,
		Peers:         cfg.Network.BootstrapPeers,
		TunnelTimeout: cfg.TunnelTimeout(),
		Workers:       cfg.Runtime.Workers,
	})
	if err != nil {
		return err
	}
	coreCtx = ctx
	return nil
}

func nodeStart(cmd *cobra.Command, _ []string) error {
	if err := coreCtx.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "node %s listening on port %d\n",
		coreCtx.Overlay.LocalNode().Hex(), coreCtx.Options.Port)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	coreCtx.Close()
	return nil
}

func nodeInfo(cmd *cobra.Command, _ []string) error {
	fmt.Fprintf(cmd.OutOrStdout(), "node:     %s\n", coreCtx.Overlay.LocalNode().Hex())
	fmt.Fprintf(cmd.OutOrStdout(), "identity: %s\n", coreCtx.Identity.ID.Hex())
	for _, addr := range coreCtx.Overlay.Addresses() {
		fmt.Fprintf(cmd.OutOrStdout(), "address:  %s\n", addr)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "links:    %d\n", coreCtx.Overlay.ConnectionsCount())
	return nil
}

func nodeConnect(cmd *cobra.Command, args []string) error {
	if err := coreCtx.Start(); err != nil {
		return err
	}
	return coreCtx.Overlay.Connect(args)
}

func nodePair(cmd *cobra.Command, args []string) error {
	remote, err := core.IdentifierFromHex(args[0])
	if err != nil {
		return err
	}
	if err := coreCtx.Start(); err != nil {
		return err
	}
	if err := coreCtx.Network.OpenPairing(cmd.Context(), remote, args[1], []byte(args[2])); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "paired with %s under %q\n", remote.Hex(), args[1])
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	coreCtx.Close()
	return nil
}

func nodeAllowPair(cmd *cobra.Command, args []string) error {
	coreCtx.Network.RegisterPairingSecret(args[0], []byte(args[1]))
	if err := coreCtx.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "accepting pairing under %q\n", args[0])
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	coreCtx.Close()
	return nil
}

var nodeCmd = &cobra.Command{Use: "node", Short: "Node control", PersistentPreRunE: nodeInit}
var nodeStartCmd = &cobra.Command{Use: "start", Short: "Run the node until interrupted", RunE: nodeStart}
var nodeInfoCmd = &cobra.Command{Use: "info", Short: "Show node identity and addresses", RunE: nodeInfo}
var nodeConnectCmd = &cobra.Command{Use: "connect <addr>...", Short: "Connect to peer addresses", Args: cobra.MinimumNArgs(1), RunE: nodeConnect}
var nodePairCmd = &cobra.Command{Use: "pair <node> <name> <secret>", Short: "Open a pre-shared-key pairing session", Args: cobra.ExactArgs(3), RunE: nodePair}
var nodeAllowPairCmd = &cobra.Command{Use: "allow-pair <name> <secret>", Short: "Accept pairing sessions under a name", Args: cobra.ExactArgs(2), RunE: nodeAllowPair}

func init() {
	nodeCmd.AddCommand(nodeStartCmd)
	nodeCmd.AddCommand(nodeInfoCmd)
	nodeCmd.AddCommand(nodeConnectCmd)
	nodeCmd.AddCommand(nodePairCmd)
	nodeCmd.AddCommand(nodeAllowPairCmd)
}

var NodeCmd = nodeCmd
