// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/packetd/hyperd/gateway"
)

var (
	connsAdmin   string
	connsTimeout time.Duration
)

func listConns(addr string, timeout time.Duration) ([]gateway.ConnStats, error) {
	client := &http.Client{Timeout: timeout}
	rsp, err := client.Get("http://" + addr + "/connections")
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", rsp.Status)
	}

	var stats []gateway.ConnStats
	if err := json.NewDecoder(rsp.Body).Decode(&stats); err != nil {
		return nil, err
	}
	return stats, nil
}

var connsCmd = &cobra.Command{
	Use:   "conns",
	Short: "List active connections of a running hyperd",
	Run: func(cmd *cobra.Command, args []string) {
		stats, err := listConns(connsAdmin, connsTimeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list connections: %v\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPROTOCOL\tTLS\tCLIENT\tIDLE\tRECV\tSENT\tAPPS\tPENDING")
		for _, s := range stats {
			idle := time.Since(time.Unix(s.ActiveAt, 0)).Truncate(time.Second)
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%d\t%d\t%d\t%d\n", s.ID, s.Protocol, s.TLS, s.Client, idle, s.ReceivedBytes, s.SentBytes, s.Apps, s.Pending)
		}
		w.Flush()
	},
	Example: "# hyperd conns --admin 127.0.0.1:9091",
}

func init() {
	connsCmd.Flags().StringVar(&connsAdmin, "admin", "127.0.0.1:9091", "Admin server address")
	connsCmd.Flags().DurationVar(&connsTimeout, "timeout", 5*time.Second, "Request timeout")
	rootCmd.AddCommand(connsCmd)
}
