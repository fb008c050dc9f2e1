package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teapotnet/teapotnet/core"
)

// staticPublisher announces a fixed set of targets under a prefix.
type staticPublisher struct {
	mu      sync.Mutex
	targets []core.Target
}

func (p *staticPublisher) Announce(_ core.Identifier, _, _ string) ([]core.Target, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.Target(nil), p.targets...), nil
}

// printSubscriber prints discovered targets.
type printSubscriber struct {
	out func(format string, a ...interface{})
}

func (s *printSubscriber) Incoming(peer core.Identifier, prefix, path string, target core.Identifier) {
	s.out("%s %s %s\n", peer.Hex(), path, target.Hex())
}

func (s *printSubscriber) Remote() core.Identifier { return core.NilIdentifier }
func (s *printSubscriber) PublicOnly() bool        { return false }

func publishRun(cmd *cobra.Command, args []string) error {
	prefix := args[0]
	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	digest, err := coreCtx.Store.Put(data)
	if err != nil {
		return err
	}
	pub := &staticPublisher{targets: []core.Target{{Digest: digest, Public: true}}}
	coreCtx.Network.Publish(prefix, pub)

	if err := coreCtx.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s under %s\n", digest.Hex(), prefix)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	coreCtx.Close()
	return nil
}

func subscribeRun(cmd *cobra.Command, args []string) error {
	if err := coreCtx.Start(); err != nil {
		return err
	}
	sub := &printSubscriber{out: func(format string, a ...interface{}) {
		fmt.Fprintf(cmd.OutOrStdout(), format, a...)
	}}
	if err := coreCtx.Network.Subscribe(args[0], sub); err != nil {
		return err
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	coreCtx.Network.Unsubscribe(args[0], sub)
	coreCtx.Close()
	return nil
}

func fetchRun(cmd *cobra.Command, args []string) error {
	digest, err := core.IdentifierFromHex(args[0])
	if err != nil {
		return err
	}
	if err := coreCtx.Start(); err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	start := time.Now()
	if err := coreCtx.Network.Fetch(context.Background(), digest, timeout); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "fetched %s in %s\n", digest.Hex(), time.Since(start).Round(time.Millisecond))
	return nil
}

var publishCmd = &cobra.Command{Use: "publish <prefix> <file>", Short: "Publish a file under a prefix", Args: cobra.ExactArgs(2), PersistentPreRunE: nodeInit, RunE: publishRun}
var subscribeCmd = &cobra.Command{Use: "subscribe <prefix>", Short: "Print targets discovered under a prefix", Args: cobra.ExactArgs(1), PersistentPreRunE: nodeInit, RunE: subscribeRun}
var fetchCmd = &cobra.Command{Use: "fetch <digest>", Short: "Retrieve a content from the network", Args: cobra.ExactArgs(1), PersistentPreRunE: nodeInit, RunE: fetchRun}

func init() {
	fetchCmd.Flags().Duration("timeout", time.Minute, "retrieval deadline")
}

var PublishCmd = publishCmd
var SubscribeCmd = subscribeCmd
var FetchCmd = fetchCmd
