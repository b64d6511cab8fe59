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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pion/webrtc/v3"
	"github.com/urfave/cli/v2"

	"github.com/livekit/meshrelay/cmd/cli/client"
	meshclient "github.com/livekit/meshrelay/pkg/client"
	"github.com/livekit/meshrelay/pkg/logger"
	"github.com/livekit/meshrelay/pkg/service"
	"github.com/livekit/meshrelay/pkg/signalling"
)

var (
	RTCCommands = []*cli.Command{
		{
			Name:   "join",
			Usage:  "join a room as a headless participant",
			Before: createClient,
			Action: joinRoom,
			Flags: []cli.Flag{
				roomFlag,
				roomHostFlag,
				rtcHostFlag,
				&cli.StringFlag{
					Name:  "token",
					Usage: "relay token, requested from the server when empty",
				},
				&cli.StringFlag{
					Name:  "name",
					Usage: "display name of participant",
					Value: "meshrelay-cli",
				},
				&cli.StringFlag{
					Name:  "video",
					Usage: "an ivf file to send as camera",
				},
				&cli.DurationFlag{
					Name:  "stats-interval",
					Usage: "how often stats are reported to the relay, 0 disables",
					Value: 10 * time.Second,
				},
			},
		},
	}
)

const commandHelp = `commands:
  a          toggle audio
  v          toggle video
  s          start or stop screen share
  r          restart ICE
  b <kbps>   cap video bitrate, 0 removes the cap
  m <text>   broadcast a chat message
  p          print stats
  q          leave`

func joinRoom(c *cli.Context) error {
	log := logger.GetLogger()
	roomID := c.String("room-id")
	token := c.String("token")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if token == "" {
		rctx, rcancel := requestContext()
		res, err := roomClient.JoinRoom(rctx, roomID, &service.JoinRoomRequest{
			DisplayName: c.String("name"),
		})
		rcancel()
		if err != nil {
			return err
		}
		token = res.Token
		log.Infow("registered participant", "userID", res.UserID)
	}

	media := meshclient.NewStaticMedia()
	if err := media.Acquire(); err != nil {
		return err
	}
	if videoFile := c.String("video"); videoFile != "" {
		if err := client.NewTrackWriter(ctx, media, ExpandUser(videoFile)).Start(); err != nil {
			return err
		}
	}

	o := meshclient.NewOrchestrator(meshclient.OrchestratorParams{
		URL:    c.String("ws-host"),
		Token:  token,
		Media:  media,
		Logger: log,
	})
	o.OnPeerJoined(func(peer signalling.PeerInfo) {
		fmt.Printf("+ %s (%s) joined\n", peer.DisplayName, peer.ConnectionID)
	})
	o.OnPeerLeft(func(peer signalling.PeerInfo) {
		fmt.Printf("- %s left\n", peer.ConnectionID)
	})
	o.OnRemoteTrack(func(connectionID string, track *webrtc.TrackRemote) {
		fmt.Printf("  receiving %s from %s\n", track.Kind(), connectionID)
	})
	o.OnSpeakingChanged(func(id string, speaking bool) {
		if speaking {
			fmt.Printf("  %s is speaking\n", id)
		}
	})
	o.OnSignal(func(from string, payload json.RawMessage) {
		fmt.Printf("  %s: %s\n", from, string(payload))
	})
	o.OnError(func(err error) {
		log.Warnw("participant error", err)
	})

	log.Infow("connecting to relay", "host", c.String("ws-host"), "roomID", roomID)
	if err := o.Connect(ctx); err != nil {
		media.Release()
		return err
	}
	fmt.Println(commandHelp)

	done := make(chan struct{})
	handleSignals(done)
	go readCommands(o, done)
	if interval := c.Duration("stats-interval"); interval > 0 {
		go statsWorker(o, interval, done)
	}

	<-done
	o.Leave()
	lctx, lcancel := requestContext()
	defer lcancel()
	if err := roomClient.LeaveRoom(lctx, roomID, token); err != nil {
		log.Debugw("could not mark participant left", "error", err)
	}
	return nil
}

func handleSignals(done chan struct{}) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Infow("exit requested, leaving", "signal", sig)
			closeDone(done)
		case <-done:
		}
	}()
}

func closeDone(done chan struct{}) {
	select {
	case <-done:
	default:
		close(done)
	}
}

func readCommands(o *meshclient.Orchestrator, done chan struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "q" {
			closeDone(done)
			return
		}
		if err := handleCommand(o, line); err != nil {
			logger.Warnw("could not handle command", err, "command", line)
		}
	}
}

func handleCommand(o *meshclient.Orchestrator, line string) error {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "a":
		enabled, err := o.ToggleAudio()
		if err == nil {
			fmt.Println("audio enabled:", enabled)
		}
		return err
	case "v":
		enabled, err := o.ToggleVideo()
		if err == nil {
			fmt.Println("video enabled:", enabled)
		}
		return err
	case "s":
		if o.MediaState().VideoSource == meshclient.VideoSourceScreen {
			return o.StopShare()
		}
		return o.ShareScreen()
	case "r":
		return o.RestartICE()
	case "b":
		kbps, err := strconv.ParseUint(strings.TrimSpace(arg), 10, 32)
		if err != nil {
			return err
		}
		return o.SetBitrate(uint32(kbps))
	case "m":
		payload, err := json.Marshal(map[string]string{"message": arg})
		if err != nil {
			return err
		}
		return o.Broadcast(payload)
	case "p":
		printStats(o.CollectStats())
		return nil
	default:
		fmt.Println(commandHelp)
		return nil
	}
}

func statsWorker(o *meshclient.Orchestrator, interval time.Duration, done chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := o.SendStats(o.CollectStats()); err != nil {
				logger.Debugw("could not send stats", "error", err)
			}
		}
	}
}

func printStats(metrics map[string]interface{}) {
	sent, _ := metrics["bytesSent"].(uint64)
	received, _ := metrics["bytesReceived"].(uint64)
	fmt.Printf("peers: %v, sent: %s, received: %s", metrics["peers"], humanize.Bytes(sent), humanize.Bytes(received))
	if rtt, ok := metrics["roundTripTime"].(float64); ok {
		fmt.Printf(", rtt: %s", time.Duration(rtt*float64(time.Second)).Round(time.Millisecond))
	}
	fmt.Println()
}
