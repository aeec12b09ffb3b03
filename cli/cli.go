// Copyright 2026 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/urfave/cli"

	"github.com/payloadpack/imgpack/archiver"
)

const (
	errInvalidParameters = iota + 1
	errConfig
	errPartition
	errSystemError
)

var Version = "unknown"

var imgpackAppHelpTemplate = `NAME:
   {{.Name}}{{if .Usage}} - {{.Usage}}{{end}}

USAGE:
   {{if .UsageText}}{{.UsageText}}{{else}}{{.HelpName}} {{if .VisibleFlags}}[global options]{{end}}{{if .Commands}} command [command options]{{end}} {{if .ArgsUsage}}{{.ArgsUsage}}{{else}}[arguments...]{{end}}{{end}}{{if .Version}}{{if not .HideVersion}}

VERSION:
   {{.Version}}{{end}}{{end}}{{if .Description}}

DESCRIPTION:
   {{.Description}}{{end}}{{if .VisibleCommands}}

COMMANDS:{{range .VisibleCategories}}{{if .Name}}

   {{.Name}}:{{range .VisibleCommands}}
     {{join .Names ", "}}{{"\t"}}{{.Usage}}{{end}}{{else}}{{range .VisibleCommands}}
   {{join .Names ", "}}{{"\t"}}{{.Usage}}{{end}}{{end}}{{end}}{{end}}{{if .VisibleFlags}}

GLOBAL OPTIONS:
   {{range $index, $option := .VisibleFlags}}{{if $index}}
   {{end}}{{$option}}{{end}}{{end}}
   NOTE:
       Partition images are named after their file, <project>/<name>.img is
       extracted to <project>/extracted/<name> and rebuilt into
       <project>/repacked.
`

func Run(args []string) error {
	return getCliContext().Run(args)
}

func getCliContext() *cli.App {
	app := cli.NewApp()
	app.Name = "imgpack"
	app.Usage = "extract and repack Android partition images"
	app.UsageText = "imgpack [--version][--help] <command> [<args>]"
	app.Version = Version

	app.Author = "Northern.tech AS"
	app.Email = "contact@northern.tech"

	app.EnableBashCompletion = true

	compressors := archiver.GetRegisteredCompressorIds()

	globalFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "YAML configuration `FILE`.",
		},
		cli.StringFlag{
			Name:  "tool-dir",
			Usage: "Directory holding the bundled extraction and image tools.",
		},
		cli.StringFlag{
			Name: "loop-dir",
			Usage: "Directory where scratch images are loop mounted. " +
				"It must allow loop mounting regular files.",
		},
		cli.StringFlag{
			Name:  "elevation",
			Usage: "How to gain privileges: auto, su, sudo or none.",
		},
		cli.StringFlag{
			Name: "compression",
			Usage: fmt.Sprintf("Compression of the archive written when an image can not be "+
				"rebuilt, currently supports: %v.", strings.Join(compressors, ", ")),
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "Log debug output.",
		},
	}

	detectCommand := cli.Command{
		Name:      "detect",
		Usage:     "Detects the format of partition images",
		ArgsUsage: "<image|project>...",
		Category:  "Inspection",
		Action:    Detect,
	}

	configCommand := cli.Command{
		Name:     "config",
		Usage:    "Prints the configuration in effect after applying the global flags",
		Category: "Inspection",
		Action:   ShowConfig,
	}

	statusCommand := cli.Command{
		Name:      "status",
		Usage:     "Shows which partitions of a project are extracted and repacked",
		ArgsUsage: "<project>",
		Category:  "Inspection",
		Action:    Status,
	}

	extractCommand := cli.Command{
		Name:      "extract",
		Usage:     "Extracts partition images into the project's extracted directory",
		ArgsUsage: "<image|project>...",
		Description: "Every image is extracted concurrently. The original ownership and " +
			"modes are recorded in <name>.perms next to the tree before the tree is " +
			"made writable.",
		Category: "Partitions",
		Action:   Extract,
	}

	repackCommand := cli.Command{
		Name:      "repack",
		Usage:     "Rebuilds partition images from their extracted trees",
		ArgsUsage: "<image|project>...",
		Description: "The recorded ownership and modes are restored first. When no image " +
			"can be built because loop mounting is refused, the tree is archived instead.",
		Category: "Partitions",
		Action:   Repack,
	}

	captureCommand := cli.Command{
		Name:      "capture",
		Usage:     "Records the ownership and modes of a directory tree",
		ArgsUsage: "<dir>",
		Category:  "Permissions",
		Action:    Capture,
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "partition, p",
				Usage: "Partition name stored in the manifest, defaults to the directory name.",
			},
			cli.BoolFlag{
				Name:  "relax",
				Usage: "Make the tree world writable after recording it.",
			},
		},
	}

	restoreCommand := cli.Command{
		Name:      "restore",
		Usage:     "Re-applies recorded ownership and modes to a directory tree",
		ArgsUsage: "<dir>",
		Category:  "Permissions",
		Action:    Restore,
	}

	payloadCommand := cli.Command{
		Name:     "payload",
		Usage:    "Works with OTA payload files through the external decoder",
		Category: "Payload",
		Subcommands: []cli.Command{
			{
				Name:      "inspect",
				Usage:     "Lists the partitions of a payload",
				ArgsUsage: "<payload.bin>",
				Action:    PayloadInspect,
				Flags: []cli.Flag{
					cli.BoolFlag{
						Name:  "json",
						Usage: "Print the decoder output as JSON.",
					},
				},
			},
			{
				Name:      "extract",
				Usage:     "Extracts every partition image of a payload",
				ArgsUsage: "<payload.bin> <project>",
				Action:    PayloadExtract,
				Flags: []cli.Flag{
					cli.BoolFlag{
						Name:  "no-progress",
						Usage: "Do not draw a progress bar.",
					},
				},
			},
		},
	}

	app.Commands = []cli.Command{
		configCommand,
		detectCommand,
		statusCommand,
		extractCommand,
		repackCommand,
		captureCommand,
		restoreCommand,
		payloadCommand,
	}
	app.Flags = append([]cli.Flag{}, globalFlags...)

	// Display all flags and commands alphabetically
	for _, cmd := range app.Commands {
		sortFlags(cmd)
	}

	app.CustomAppHelpTemplate = imgpackAppHelpTemplate
	return app
}

func sortFlags(c cli.Command) {
	sort.Sort(cli.FlagsByName(c.Flags))
	sort.Sort(cli.CommandsByName(c.Subcommands))
	for _, cmd := range c.Subcommands {
		sortFlags(cmd)
	}
}
