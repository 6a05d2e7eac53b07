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
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/spf13/cobra"

	"github.com/packetd/hyperd/confengine"
)

type runCmdConfig struct {
	Listen           string
	Admin            string
	KeepAliveTimeout time.Duration
	MaxQueueSize     int
	MaxConns         int
	CertFile         string
	KeyFile          string
	LogLevel         string
	Decoder          []string
}

type decoderOption struct {
	Key   string
	Value string
}

// decodeOptions 解析 'key=value' 形式的 decoder 参数
func (c *runCmdConfig) decodeOptions() []decoderOption {
	var opts []decoderOption
	for _, kv := range c.Decoder {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		opts = append(opts, decoderOption{Key: parts[0], Value: parts[1]})
	}
	return opts
}

func (c *runCmdConfig) Yaml() []byte {
	text := `
logger:
  stdout: true
  level: {{ .LogLevel }}

server:
  enabled: {{ ne .Admin "" }}
  address: "{{ .Admin }}"

gateway:
  listen: {{ .Listen }}
  maxConns: {{ .MaxConns }}
  tls:
    enabled: {{ ne .CertFile "" }}
    certFile: "{{ .CertFile }}"
    keyFile: "{{ .KeyFile }}"

driver:
  keepAliveTimeout: {{ .KeepAliveTimeout }}
  decoder:{{ if not .Decoder }} {}{{ end }}
{{- range .Decoder }}
    {{ .Key }}: {{ .Value }}
{{- end }}

app:
  maxQueueSize: {{ .MaxQueueSize }}
`
	tpl, err := template.New("Config").Parse(text)
	if err != nil {
		return nil
	}

	var buf bytes.Buffer
	err = tpl.Execute(&buf, map[string]any{
		"Listen":           c.Listen,
		"Admin":            c.Admin,
		"KeepAliveTimeout": c.KeepAliveTimeout.String(),
		"MaxQueueSize":     c.MaxQueueSize,
		"MaxConns":         c.MaxConns,
		"CertFile":         c.CertFile,
		"KeyFile":          c.KeyFile,
		"LogLevel":         c.LogLevel,
		"Decoder":          c.decodeOptions(),
	})
	if err != nil {
		return nil
	}
	return buf.Bytes()
}

var runConfig runCmdConfig

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run hyperd gateway configured by command line flags",
	Run: func(cmd *cobra.Command, args []string) {
		load := func() (*confengine.Config, error) {
			return confengine.LoadContent(runConfig.Yaml())
		}

		cfg, err := load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		serveGateway(cfg, load)
	},
	Example: "# hyperd run --listen 127.0.0.1:8000 --keepalive 5s --decoder maxBodySize=1048576",
}

func init() {
	runCmd.Flags().StringVar(&runConfig.Listen, "listen", "127.0.0.1:8000", "Address to listen on")
	runCmd.Flags().StringVar(&runConfig.Admin, "admin", "", "Admin server address, empty to disable")
	runCmd.Flags().DurationVar(&runConfig.KeepAliveTimeout, "keepalive", 5*time.Second, "Idle keep-alive timeout, negative to disable")
	runCmd.Flags().IntVar(&runConfig.MaxQueueSize, "queue-size", 10, "Maximum number of messages queued for the application")
	runCmd.Flags().IntVar(&runConfig.MaxConns, "max-conns", 0, "Maximum concurrent connections, 0 for unlimited")
	runCmd.Flags().StringVar(&runConfig.CertFile, "tls.cert", "", "TLS certificate file, enables TLS when set")
	runCmd.Flags().StringVar(&runConfig.KeyFile, "tls.key", "", "TLS private key file")
	runCmd.Flags().StringVar(&runConfig.LogLevel, "log.level", "info", "Logger level [debug|info|warn|error]")
	runCmd.Flags().StringSliceVar(&runConfig.Decoder, "decoder", nil, "Decoder options in 'key=value' format")
	rootCmd.AddCommand(runCmd)
}
