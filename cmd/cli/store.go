package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/teapotnet/teapotnet/core"
)

func storePut(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	digest, err := coreCtx.Store.Put(data)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), digest.Hex())
	return nil
}

func storeGet(cmd *cobra.Command, args []string) error {
	digest, err := core.IdentifierFromHex(args[0])
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	r, _, err := coreCtx.Store.GetBlock(context.Background(), digest, timeout)
	if err != nil {
		return err
	}
	defer r.Close()
	out := cmd.OutOrStdout()
	if len(args) > 1 {
		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	_, err = io.Copy(out, r)
	return err
}

func storeHas(cmd *cobra.Command, args []string) error {
	digest, err := core.IdentifierFromHex(args[0])
	if err != nil {
		return err
	}
	if coreCtx.Store.HasBlock(digest) {
		fmt.Fprintln(cmd.OutOrStdout(), "present")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "absent")
	return nil
}

var storeCmd = &cobra.Command{Use: "store", Short: "Block store operations", PersistentPreRunE: nodeInit}
var storePutCmd = &cobra.Command{Use: "put <file>", Short: "Store a file and print its digest", Args: cobra.ExactArgs(1), RunE: storePut}
var storeGetCmd = &cobra.Command{Use: "get <digest> [out]", Short: "Read a content by digest", Args: cobra.RangeArgs(1, 2), RunE: storeGet}
var storeHasCmd = &cobra.Command{Use: "has <digest>", Short: "Check whether a digest is present", Args: cobra.ExactArgs(1), RunE: storeHas}

func init() {
	storeGetCmd.Flags().Duration("timeout", 30*time.Second, "wait limit for absent contents")
	storeCmd.AddCommand(storePutCmd)
	storeCmd.AddCommand(storeGetCmd)
	storeCmd.AddCommand(storeHasCmd)
}

var StoreCmd = storeCmd
