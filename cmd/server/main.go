// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/livekit/meshrelay/pkg/config"
	"github.com/livekit/meshrelay/pkg/logger"
	"github.com/livekit/meshrelay/pkg/service"
	"github.com/livekit/meshrelay/pkg/telemetry/prometheus"
	"github.com/livekit/meshrelay/pkg/utils"
	"github.com/livekit/meshrelay/version"
)

var baseFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:  "bind",
		Usage: "IP address to listen on, use flag multiple times to specify multiple addresses",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to meshrelay config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "meshrelay config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"MESHRELAY_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "secret",
		Usage:   "secret used to sign room tokens",
		EnvVars: []string{"JWT_SECRET"},
	},
	&cli.StringFlag{
		Name:  "secret-file",
		Usage: "path to file that contains the token secret",
	},
	&cli.UintFlag{
		Name:    "port",
		Usage:   "port to serve HTTP and the relay on",
		EnvVars: []string{"PORT"},
	},
	&cli.StringFlag{
		Name:    "redis-host",
		Usage:   "host (incl. port) to redis server",
		EnvVars: []string{"REDIS_HOST"},
	},
	&cli.StringFlag{
		Name:    "redis-password",
		Usage:   "password to redis",
		EnvVars: []string{"REDIS_PASSWORD"},
	},
	&cli.StringFlag{
		Name:    "allowed-origins",
		Usage:   "comma separated origins allowed by CORS, all when empty",
		EnvVars: []string{"ALLOWED_ORIGINS"},
	},
	&cli.StringFlag{
		Name:    "serve-client",
		Usage:   "directory with the browser client to serve at /",
		EnvVars: []string{"MESHRELAY_CLIENT_DIR"},
	},
	&cli.StringFlag{
		Name:    "ice-servers",
		Usage:   "ICE servers handed to participants, as a JSON list",
		EnvVars: []string{"ICE_SERVERS"},
	},
	&cli.StringFlag{
		Name:    "turn-key-id",
		Usage:   "Cloudflare Calls TURN key id, enables per-room TURN credentials",
		EnvVars: []string{"CLOUDFLARE_TURN_KEY_ID"},
	},
	&cli.StringFlag{
		Name:    "turn-api-token",
		Usage:   "Cloudflare Calls TURN API token",
		EnvVars: []string{"CLOUDFLARE_TURN_API_TOKEN"},
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug, console formatter and a placeholder secret. insecure for production",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("meshrelay panicked", fmt.Errorf("%v", r))
			os.Exit(1)
		}
	}()

	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "meshrelay",
		Usage:       "Signaling relay for mesh WebRTC rooms",
		Description: "run without subcommands to start the server",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      startServer,
		Commands: []*cli.Command{
			{
				Name:   "generate-keys",
				Usage:  "generates a token signing secret",
				Action: generateKeys,
			},
			{
				Name:   "create-join-token",
				Usage:  "create a room join token for development use",
				Action: createToken,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "room",
						Usage:    "id of room to join",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "identity",
						Usage: "user id of the participant that holds the token, generated when empty",
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "display name of the participant",
						Value: "Guest",
					},
				},
			},
			{
				Name:   "list-rooms",
				Usage:  "list rooms and their participants from the configured store",
				Action: listRooms,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(conf)

	if conf.Development && conf.Auth.Secret == "" && conf.Auth.SecretFile == "" {
		logger.Infow("starting in development mode")
		// with the shared placeholder secret, only bind to localhost
		if conf.BindAddresses == nil {
			conf.BindAddresses = []string{
				"127.0.0.1",
				"[::1]",
			}
		}
	}
	return conf, nil
}

func startServer(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	if err = conf.ValidateSecret(); err != nil {
		return err
	}

	prometheus.Init(utils.NewGuid(utils.NodePrefix))

	server, err := service.InitializeServer(conf)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		logger.Infow("exit requested, shutting down", "signal", sig)
		go server.Stop(false)

		sig = <-sigChan
		logger.Infow("second exit requested, forcing shutdown", "signal", sig)
		server.Stop(true)
	}()

	return server.Start()
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
