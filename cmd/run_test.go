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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/hyperd/app"
	"github.com/packetd/hyperd/confengine"
	"github.com/packetd/hyperd/driver"
)

func TestRunConfigYaml(t *testing.T) {
	tests := []struct {
		name     string
		input    runCmdConfig
		admin    bool
		tls      bool
		maxBody  any
		keepWant time.Duration
	}{
		{
			name: "Defaults",
			input: runCmdConfig{
				Listen:           "127.0.0.1:8000",
				KeepAliveTimeout: 5 * time.Second,
				MaxQueueSize:     10,
				LogLevel:         "info",
			},
			keepWant: 5 * time.Second,
		},
		{
			name: "Full",
			input: runCmdConfig{
				Listen:           "0.0.0.0:8443",
				Admin:            "127.0.0.1:9091",
				KeepAliveTimeout: -time.Second,
				MaxQueueSize:     3,
				CertFile:         "cert.pem",
				KeyFile:          "key.pem",
				LogLevel:         "debug",
				Decoder:          []string{"maxBodySize=1024", "invalid", "=x"},
			},
			admin:    true,
			tls:      true,
			maxBody:  1024,
			keepWant: -time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.input.Yaml()
			require.NotNil(t, b)

			conf, err := confengine.LoadContent(b)
			require.NoError(t, err)
			assert.Equal(t, tt.admin, conf.Enabled("server"))
			assert.Equal(t, tt.tls, conf.Enabled("gateway.tls"))

			driverConf := driver.DefaultConfig()
			require.NoError(t, conf.UnpackChildIfExists("driver", &driverConf))
			assert.Equal(t, tt.keepWant, driverConf.KeepAliveTimeout)
			if tt.maxBody != nil {
				assert.EqualValues(t, tt.maxBody, driverConf.Decoder["maxBodySize"])
				assert.Len(t, driverConf.Decoder, 1)
			} else {
				assert.Empty(t, driverConf.Decoder)
			}

			var appConf app.Config
			require.NoError(t, conf.UnpackChildIfExists("app", &appConf))
			assert.Equal(t, tt.input.MaxQueueSize, appConf.MaxQueueSize)
		})
	}
}

func TestDecodeOptions(t *testing.T) {
	c := runCmdConfig{Decoder: []string{"a=1", "b=x=y", "c", "=d"}}
	assert.Equal(t, []decoderOption{
		{Key: "a", Value: "1"},
		{Key: "b", Value: "x=y"},
	}, c.decodeOptions())
}

func TestWatchURL(t *testing.T) {
	c := watchCmdConfig{Admin: "127.0.0.1:9091", MaxMessage: 5, Timeout: 3 * time.Second}
	assert.Equal(t, "http://127.0.0.1:9091/watch?max_message=5&timeout=3s", c.URL())
}
