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
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/livekit/meshrelay/pkg/auth"
)

var (
	TokenCommands = []*cli.Command{
		{
			Name:   "create-token",
			Usage:  "sign a room token locally with the server secret",
			Action: createToken,
			Flags: []cli.Flag{
				roomFlag,
				secretFlag,
				&cli.StringFlag{
					Name:    "participant",
					Aliases: []string{"p"},
					Usage:   "user id of the participant, generated when empty",
				},
				&cli.StringFlag{
					Name:  "name",
					Usage: "display name of the participant",
					Value: "Guest",
				},
				&cli.DurationFlag{
					Name:  "valid-for",
					Value: auth.DefaultValidDuration,
				},
			},
		},
	}
)

func createToken(c *cli.Context) error {
	if !c.IsSet("secret") {
		return fmt.Errorf("secret is required")
	}

	issuer := auth.NewIssuer(c.String("secret"), c.Duration("valid-for"))
	token, err := issuer.Issue(c.String("room-id"), c.String("participant"), c.String("name"))
	if err != nil {
		return err
	}

	fmt.Println("access token: ", token)
	fmt.Println("expires at: ", time.Now().Add(issuer.ValidFor()).Format(time.RFC3339))
	return nil
}
