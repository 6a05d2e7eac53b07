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
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/packetd/hyperd/app/inspect"
	"github.com/packetd/hyperd/confengine"
	"github.com/packetd/hyperd/gateway"
	"github.com/packetd/hyperd/internal/sigs"
	"github.com/packetd/hyperd/logger"
)

// serveGateway 启动 gateway 并阻塞直至收到终止信号 期间响应 SIGHUP 重载
func serveGateway(cfg *confengine.Config, reload func() (*confengine.Config, error)) {
	gw, err := gateway.New(cfg, buildInfo(), inspect.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create gateway: %v\n", err)
		os.Exit(1)
	}
	if err := gw.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start gateway: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := sigs.TerminateContext(context.Background())
	defer stop()

	reloadCh := sigs.Reload()
	for {
		select {
		case <-ctx.Done():
			gw.Stop()
			return

		case <-reloadCh:
			newCfg, err := reload()
			if err != nil {
				logger.Errorf("failed to reload config: %v", err)
				continue
			}
			if err := gw.Reload(newCfg); err != nil {
				logger.Errorf("failed to reload gateway: %v", err)
				continue
			}
			logger.Infof("gateway reloaded")
		}
	}
}

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run hyperd gateway with a configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		load := func() (*confengine.Config, error) {
			return confengine.LoadConfigPath(configPath)
		}

		cfg, err := load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		serveGateway(cfg, load)
	},
	Example: "# hyperd serve --config hyperd.yaml",
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "hyperd.yaml", "Configuration file path")
	rootCmd.AddCommand(serveCmd)
}
