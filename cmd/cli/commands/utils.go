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

package commands

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli/v2"
)

var (
	roomFlag = &cli.StringFlag{
		Name:     "room-id",
		Required: true,
	}
	roomHostFlag = &cli.StringFlag{
		Name:    "host",
		Value:   "http://localhost:4000",
		EnvVars: []string{"MESHRELAY_HOST"},
	}
	rtcHostFlag = &cli.StringFlag{
		Name:    "ws-host",
		Value:   "ws://localhost:4000/ws",
		EnvVars: []string{"MESHRELAY_WS_HOST"},
	}
	secretFlag = &cli.StringFlag{
		Name:    "secret",
		Usage:   "token signing secret of the server",
		EnvVars: []string{"JWT_SECRET"},
	}
)

func PrintJSON(obj interface{}) {
	txt, _ := json.MarshalIndent(obj, "", "  ")
	fmt.Println(string(txt))
}

// ExpandUser expands a leading ~ and returns the path unchanged when it
// cannot.
func ExpandUser(p string) string {
	expanded, err := homedir.Expand(p)
	if err != nil {
		return p
	}
	return expanded
}
