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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/livekit/meshrelay/cmd/cli/client"
	"github.com/livekit/meshrelay/pkg/service"
)

var (
	RoomCommands = []*cli.Command{
		{
			Name:   "create-room",
			Before: createClient,
			Action: createRoom,
			Flags: []cli.Flag{
				roomHostFlag,
				&cli.StringFlag{
					Name:  "room-id",
					Usage: "id of the room, generated when empty",
				},
				&cli.StringFlag{
					Name:  "meta",
					Usage: "room metadata as a JSON object",
				},
			},
		},
		{
			Name:   "get-room",
			Before: createClient,
			Action: getRoom,
			Flags: []cli.Flag{
				roomFlag,
				roomHostFlag,
			},
		},
		{
			Name:   "room-stats",
			Before: createClient,
			Action: roomStats,
			Flags: []cli.Flag{
				roomFlag,
				roomHostFlag,
			},
		},
		{
			Name:   "join-token",
			Usage:  "register a participant and print its relay token",
			Before: createClient,
			Action: joinToken,
			Flags: []cli.Flag{
				roomFlag,
				roomHostFlag,
				&cli.StringFlag{
					Name:  "name",
					Usage: "display name of the participant",
				},
			},
		},
	}

	roomClient *client.RoomClient
)

func createClient(c *cli.Context) error {
	roomClient = client.NewRoomClient(c.String("host"))
	return nil
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func createRoom(c *cli.Context) error {
	req := &service.CreateRoomRequest{
		RoomID: c.String("room-id"),
	}
	if meta := c.String("meta"); meta != "" {
		if err := json.Unmarshal([]byte(meta), &req.Meta); err != nil {
			return fmt.Errorf("invalid meta: %v", err)
		}
	}

	ctx, cancel := requestContext()
	defer cancel()
	room, err := roomClient.CreateRoom(ctx, req)
	if err != nil {
		return err
	}

	PrintJSON(room)
	return nil
}

func getRoom(c *cli.Context) error {
	ctx, cancel := requestContext()
	defer cancel()
	room, err := roomClient.GetRoom(ctx, c.String("room-id"))
	if err != nil {
		return err
	}

	PrintJSON(room)
	return nil
}

func roomStats(c *cli.Context) error {
	ctx, cancel := requestContext()
	defer cancel()
	records, err := roomClient.RoomStats(ctx, c.String("room-id"))
	if err != nil {
		return err
	}

	PrintJSON(records)
	return nil
}

func joinToken(c *cli.Context) error {
	ctx, cancel := requestContext()
	defer cancel()
	res, err := roomClient.JoinRoom(ctx, c.String("room-id"), &service.JoinRoomRequest{
		DisplayName: c.String("name"),
	})
	if err != nil {
		return err
	}

	PrintJSON(res)
	return nil
}
