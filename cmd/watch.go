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
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

type watchCmdConfig struct {
	Admin      string
	MaxMessage int
	Timeout    time.Duration
}

func (c *watchCmdConfig) URL() string {
	q := url.Values{}
	q.Set("max_message", strconv.Itoa(c.MaxMessage))
	q.Set("timeout", c.Timeout.String())
	return "http://" + c.Admin + "/watch?" + q.Encode()
}

var watchConfig watchCmdConfig

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch connection events of a running hyperd",
	Run: func(cmd *cobra.Command, args []string) {
		rsp, err := http.Get(watchConfig.URL())
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to watch: %v\n", err)
			os.Exit(1)
		}
		defer rsp.Body.Close()

		if rsp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "failed to watch: unexpected status %s\n", rsp.Status)
			os.Exit(1)
		}

		scanner := bufio.NewScanner(rsp.Body)
		for scanner.Scan() {
			fmt.Println(scanner.Text())
		}
	},
	Example: "# hyperd watch --admin 127.0.0.1:9091 --max-message 10",
}

func init() {
	watchCmd.Flags().StringVar(&watchConfig.Admin, "admin", "127.0.0.1:9091", "Admin server address")
	watchCmd.Flags().IntVar(&watchConfig.MaxMessage, "max-message", 100, "Maximum number of events to receive")
	watchCmd.Flags().DurationVar(&watchConfig.Timeout, "timeout", 30*time.Second, "Maximum time to wait for the next event")
	rootCmd.AddCommand(watchCmd)
}
