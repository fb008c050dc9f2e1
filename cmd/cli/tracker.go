package cli

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/teapotnet/teapotnet/core"
)

func trackerServe(cmd *cobra.Command, _ []string) error {
	port, _ := cmd.Flags().GetInt("port")
	log := logrus.New()
	tracker := core.NewTracker(log)
	addr := net.JoinHostPort("", strconv.Itoa(port))
	fmt.Fprintf(cmd.OutOrStdout(), "tracker listening on %s\n", addr)
	return http.ListenAndServe(addr, tracker.Router())
}

var trackerCmd = &cobra.Command{Use: "tracker", Short: "Rendezvous tracker"}
var trackerServeCmd = &cobra.Command{Use: "serve", Short: "Run a standalone tracker", RunE: trackerServe}

func init() {
	trackerServeCmd.Flags().Int("port", 8080, "listen port")
	trackerCmd.AddCommand(trackerServeCmd)
}

var TrackerCmd = trackerCmd
