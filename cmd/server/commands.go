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
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/livekit/meshrelay/pkg/auth"
	"github.com/livekit/meshrelay/pkg/config"
	"github.com/livekit/meshrelay/pkg/service"
	"github.com/livekit/meshrelay/pkg/utils"
)

func generateKeys(_ *cli.Context) error {
	fmt.Println("Secret: ", utils.RandomSecret())
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}

func createToken(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	if err = conf.ValidateSecret(); err != nil {
		return err
	}

	issuer := auth.NewIssuer(conf.Auth.Secret, conf.Auth.TokenTTL)
	token, err := issuer.Issue(c.String("room"), c.String("identity"), c.String("name"))
	if err != nil {
		return err
	}

	fmt.Println("Token:", token)
	fmt.Println("Valid for:", issuer.ValidFor())
	return nil
}

func listRooms(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	if !conf.Redis.IsConfigured() {
		return errors.New("rooms are only listed from redis, set redis-host")
	}

	store, err := service.InitializeObjectStore(conf)
	if err != nil {
		return errors.Wrap(err, "connect store")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rooms, err := store.ListRooms(ctx)
	if err != nil {
		return errors.Wrap(err, "list rooms")
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})

	table := tablewriter.NewWriter(os.Stdout)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"ID",
		"Participants\nActive/Total",
		"Clients",
		"Stats",
		"Created",
	})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_CENTER,
	})

	for _, room := range rooms {
		participants, err := store.ListParticipants(ctx, room.RoomID)
		if err != nil {
			return errors.Wrapf(err, "list participants of %s", room.RoomID)
		}
		stats, err := store.ListStats(ctx, room.RoomID)
		if err != nil {
			return errors.Wrapf(err, "list stats of %s", room.RoomID)
		}

		active := 0
		clients := make([]string, 0, len(participants))
		for _, p := range participants {
			if p.LeftAt == nil {
				active++
				clients = append(clients, fmt.Sprintf("%s (%s/%s)", p.DisplayName, p.Browser, p.OS))
			}
		}

		table.Append([]string{
			room.RoomID,
			fmt.Sprintf("%d / %d", active, len(participants)),
			strings.Join(clients, "\n"),
			humanize.Comma(int64(len(stats))),
			fmt.Sprintf("%s\n%s", room.CreatedAt.UTC().Format("2006-01-02 15:04:05"), humanize.Time(room.CreatedAt)),
		})
	}
	table.Render()
	return nil
}
