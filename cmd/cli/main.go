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

	"github.com/urfave/cli/v2"

	"github.com/livekit/meshrelay/cmd/cli/commands"
	"github.com/livekit/meshrelay/pkg/logger"
	"github.com/livekit/meshrelay/version"
)

func main() {
	app := &cli.App{
		Name:    "meshrelay-cli",
		Usage:   "talk to a meshrelay server from the command line",
		Version: version.Version,
	}

	app.Commands = append(app.Commands, commands.RoomCommands...)
	app.Commands = append(app.Commands, commands.RTCCommands...)
	app.Commands = append(app.Commands, commands.TokenCommands...)

	logger.InitDevelopment(logger.Config{Level: "info"})
	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
	}
}
