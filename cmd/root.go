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
	"os"

	"github.com/spf13/cobra"

	"github.com/packetd/hyperd/common"
)

var rootCmd = &cobra.Command{
	Use:   common.App,
	Short: "hyperd is an application server gateway speaking HTTP/1.1",
	Version: func() string {
		bi := common.GetBuildInfo()
		return fmt.Sprintf("%s (git: %s, built: %s)", common.Version, bi.GitHash, bi.Time)
	}(),
}

// Execute 执行命令行入口
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildInfo() common.BuildInfo {
	bi := common.GetBuildInfo()
	if bi.Version == "" {
		bi.Version = common.Version
	}
	return bi
}
