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

//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/livekit/mageutil"
	"github.com/magefile/mage/mg"

	"github.com/livekit/meshrelay/version"
)

const goChecksumFile = ".checksumgo"

var (
	Default     = Build
	checksummer = mageutil.NewChecksummer(".", goChecksumFile, ".go", ".mod")
)

// binary name by main package directory
var binaries = map[string]string{
	"cmd/server": "meshrelay-server",
	"cmd/cli":    "meshrelay-cli",
}

func init() {
	checksummer.IgnoredPaths = []string{
		"pkg/service/wire_gen.go",
	}
}

// explicitly reinstall all deps
func Deps() error {
	return installTools(true)
}

// builds meshrelay-server and meshrelay-cli for the host
func Build() error {
	return buildAll("", "", "")
}

// builds binaries that run on linux amd64
func BuildLinux() error {
	return buildAll("linux", "amd64", "-amd64")
}

func buildAll(goos, goarch, suffix string) error {
	mg.Deps(Wire)
	if !checksummer.IsChanged() {
		fmt.Println("up to date")
		return nil
	}
	if err := os.MkdirAll("bin", 0755); err != nil {
		return err
	}

	dirs := make([]string, 0, len(binaries))
	for dir := range binaries {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		out := filepath.Join("..", "..", "bin", binaries[dir]+suffix)
		fmt.Printf("building %s %s...\n", binaries[dir], version.Version)

		cmd := mageutil.CommandDir(context.Background(), dir, "go build -buildvcs=false -o "+out)
		cmd.Env = os.Environ()
		if goos != "" {
			cmd.Env = append(cmd.Env, "GOOS="+goos, "GOARCH="+goarch)
		}
		if err := cmd.Run(); err != nil {
			return err
		}
	}

	checksummer.WriteChecksum()
	return nil
}

// run unit tests, redis backed tests skip themselves without a local redis
func Test() error {
	mg.Deps(Wire, setULimit)
	return mageutil.Run(context.Background(), "go test -short ./... -count=1")
}

// run all tests with the race detector
func TestRace() error {
	mg.Deps(Wire, setULimit)
	return mageutil.Run(context.Background(), "go test -race ./... -count=1 -timeout=4m")
}

// cleans up builds
func Clean() {
	fmt.Println("cleaning...")
	os.RemoveAll("bin")
	os.Remove(goChecksumFile)
}

// regenerates pkg/service/wire_gen.go when sources changed
func Wire() error {
	mg.Deps(installDeps)
	if !checksummer.IsChanged() {
		return nil
	}

	fmt.Println("wiring...")
	wire, err := mageutil.GetToolPath("wire")
	if err != nil {
		return err
	}
	cmd := exec.Command(wire)
	cmd.Dir = "pkg/service"
	mageutil.ConnectStd(cmd)
	return cmd.Run()
}

func installDeps() error {
	return installTools(false)
}

func installTools(force bool) error {
	tools := map[string]string{
		"github.com/google/wire/cmd/wire": "latest",
	}
	for t, v := range tools {
		if err := mageutil.InstallTool(t, v, force); err != nil {
			return err
		}
	}
	return nil
}
