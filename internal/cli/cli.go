// Package cli defines the command tree: a flat cmds slice of urfave/cli
// commands whose Actions stay thin and delegate to internal/engine and
// the component packages.
package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/erikgeiser/promptkit/confirmation"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/letrecovery/deployengine/internal/engine"
	"github.com/letrecovery/deployengine/pkg/bitlocker"
	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/diskmodel"
	"github.com/letrecovery/deployengine/pkg/events"
	"github.com/letrecovery/deployengine/pkg/imageengine"
	"github.com/letrecovery/deployengine/pkg/orchestrator"
	"github.com/letrecovery/deployengine/pkg/partcopy"
	"github.com/letrecovery/deployengine/pkg/partedit"
	"github.com/letrecovery/deployengine/pkg/types"
)

func newConfig(c *cli.Context) *config.Config {
	return config.NewConfig(config.WithDataRoot(c.String("data-root")))
}

// loadOptions reads the advanced-options toggle file (YAML or JSON) and
// decodes it onto the catalogue struct through mapstructure.
func loadOptions(path string, opts *types.AdvancedOptions) error {
	if path == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading options file: %w", err)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  opts,
		TagName: "json",
	})
	if err != nil {
		return err
	}
	return decoder.Decode(v.AllSettings())
}

func confirmDestructive(prompt string, assumeYes bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	c := confirmation.New(prompt, confirmation.No)
	c.ResultTemplate = ``
	return c.RunPrompt()
}

var cmds = []*cli.Command{
	{
		Name:  "install",
		Usage: "install a Windows image onto a target partition",
		Description: `
Runs the deployment pipeline against the given target. On a full host a
target that is the running system partition stages everything and reboots
into PE; anything else installs in place.
`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "target", Usage: "target partition letter, e.g. D:", Required: true},
			&cli.StringFlag{Name: "image", Usage: "path to the .wim/.esd/.swm/.gho image", Required: true},
			&cli.IntFlag{Name: "index", Usage: "volume index inside the image", Value: 1},
			&cli.BoolFlag{Name: "format", Usage: "format the target before applying"},
			&cli.StringFlag{Name: "driver-action", Usage: "none|save_only|auto_import", Value: "none"},
			&cli.StringFlag{Name: "boot-mode", Usage: "auto|uefi|bios", Value: "auto"},
			&cli.BoolFlag{Name: "auto-reboot", Usage: "reboot automatically when ready"},
			&cli.StringFlag{Name: "options", Usage: "advanced-options toggle file (yaml/json)"},
			&cli.BoolFlag{Name: "yes", Usage: "skip the confirmation prompt"},
		},
		Before: checkAdmin,
		Action: func(c *cli.Context) error {
			cfg := newConfig(c)

			image := c.String("image")
			dir, file := splitImagePath(image)

			ic := &types.InstallConfig{
				TargetPartition: c.String("target"),
				ImageFileName:   file,
				VolumeIndex:     c.Int("index"),
				IsGho:           strings.HasSuffix(strings.ToLower(file), ".gho"),
				Format:          c.Bool("format"),
				DriverAction:    types.DriverAction(c.String("driver-action")),
				AutoReboot:      c.Bool("auto-reboot"),
				BootMode:        c.String("boot-mode"),
			}
			if err := loadOptions(c.String("options"), &ic.Options); err != nil {
				return err
			}

			ok, err := confirmDestructive(
				fmt.Sprintf("Install %s (volume %d) onto %s?", file, ic.VolumeIndex, ic.TargetPartition),
				c.Bool("yes"))
			if err != nil || !ok {
				return err
			}

			o := engine.Build(cfg)
			return engine.RunOperation(cfg, orchestrator.DirectSteps, func() error {
				return o.RunInstall(ic, dir, cfg.DataRoot)
			})
		},
	},
	{
		Name:  "backup",
		Usage: "capture a partition into an image",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "source", Usage: "source partition letter", Required: true},
			&cli.StringFlag{Name: "save", Usage: "output image path", Required: true},
			&cli.StringFlag{Name: "name", Usage: "image volume name", Value: "Backup"},
			&cli.StringFlag{Name: "description", Usage: "image volume description"},
			&cli.StringFlag{Name: "format", Usage: "WIM|ESD|SWM|GHO", Value: "WIM"},
			&cli.BoolFlag{Name: "incremental", Usage: "append to an existing image"},
			&cli.IntFlag{Name: "split-size", Usage: "SWM volume size in MB", Value: 4000},
		},
		Before: checkAdmin,
		Action: func(c *cli.Context) error {
			cfg := newConfig(c)
			bc := &types.BackupConfig{
				SourcePartition: c.String("source"),
				SavePath:        c.String("save"),
				Name:            c.String("name"),
				Description:     c.String("description"),
				Format:          c.String("format"),
				Incremental:     c.Bool("incremental"),
				SWMSplitSizeMB:  c.Int("split-size"),
			}
			o := engine.Build(cfg)
			return engine.RunOperation(cfg, orchestrator.DirectSteps, func() error {
				return o.RunBackup(bc, "")
			})
		},
	},
	{
		Name:  "apply-pe",
		Usage: "run the PE-phase pipeline against the staged configuration",
		Description: `
Executed inside the preinstallation environment after the staged reboot:
finds install.json and the target marker across all fixed drives, applies
the image, repairs boot, applies options, cleans up and reboots.
`,
		Before: checkAdmin,
		Action: func(c *cli.Context) error {
			cfg := newConfig(c)
			o := engine.Build(cfg)
			letters := engine.FixedDriveLetters(cfg)
			return engine.RunOperation(cfg, orchestrator.DirectSteps, func() error {
				return o.RunPEPhase(letters)
			})
		},
	},
	{
		Name:      "images",
		Usage:     "images <path>: list the volumes inside an image",
		ArgsUsage: "<image path>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one image path")
			}
			cfg := newConfig(c)
			eng := imageengine.New(cfg)
			infos, err := eng.Enumerate(c.Args().First())
			if err != nil {
				return err
			}
			for _, info := range infos {
				marker := " "
				if info.Index == imageengine.DefaultSelection(infos) {
					marker = "*"
				}
				fmt.Printf("%s %2d  %-40s %-16s %s\n", marker, info.Index, info.Name, info.Kind, info.Architecture)
				if info.Kind == types.KindUnknown {
					fmt.Printf("     warning: unrecognized volume type; installable but unverified\n")
				}
			}
			return nil
		},
	},
	{
		Name:  "quick-partition",
		Usage: "repartition a whole (non-system) disk",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "disk", Usage: "physical disk index", Required: true},
			&cli.StringFlag{Name: "style", Usage: "gpt|mbr", Value: constants.GPT},
			&cli.Uint64Flag{Name: "esp", Usage: "ESP size in MB (0 = none)"},
			&cli.BoolFlag{Name: "msr", Usage: "create an MSR (GPT only)"},
			&cli.StringSliceFlag{Name: "part", Usage: "sizeMB:label[:fs[:letter]], size 0 = rest"},
			&cli.BoolFlag{Name: "yes", Usage: "skip the confirmation prompt"},
		},
		Before: checkAdmin,
		Action: func(c *cli.Context) error {
			cfg := newConfig(c)
			layout := &partedit.QuickLayout{
				DiskIndex: c.Int("disk"),
				Style:     strings.ToLower(c.String("style")),
				ESPSizeMB: c.Uint64("esp"),
				MSR:       c.Bool("msr"),
			}
			for _, spec := range c.StringSlice("part") {
				p, err := parsePartSpec(spec)
				if err != nil {
					return err
				}
				layout.Parts = append(layout.Parts, p)
			}

			ok, err := confirmDestructive(
				fmt.Sprintf("ERASE disk %d and create %d partitions?", layout.DiskIndex, len(layout.Parts)),
				c.Bool("yes"))
			if err != nil || !ok {
				return err
			}

			model := diskmodel.NewModel(cfg,
				diskmodel.NewEnumerator(diskmodel.WMIDriveLetterResolver{}), diskmodel.WinVolumeStats{})
			return partedit.Execute(cfg, model, layout)
		},
	},
	{
		Name:  "copy-partition",
		Usage: "file-level copy of one partition onto another, resumable",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "source partition letter", Required: true},
			&cli.StringFlag{Name: "to", Usage: "target partition letter", Required: true},
		},
		Before: checkAdmin,
		Action: func(c *cli.Context) error {
			cfg := newConfig(c)
			copier := partcopy.New(cfg)
			copier.Progress = func(path string, pct int) {
				fmt.Printf("\r%3d%% %s", pct, path)
				if pct == 100 {
					fmt.Println()
				}
			}
			if copier.CanResume(c.String("from"), c.String("to")) {
				fmt.Println("resuming previous copy session")
			}
			state, err := copier.Run(c.String("from"), c.String("to"), nil)
			if state != nil {
				fmt.Printf("copied %d, skipped %d, failed %d\n",
					len(state.Copied), state.Skipped, state.Failed)
			}
			return err
		},
	},
	{
		Name:  "boot-entry",
		Usage: "manage the one-shot PE boot entry",
		Subcommands: []*cli.Command{
			{
				Name:  "install",
				Usage: "register the one-shot PE entry for the next reboot",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "pe-image", Usage: `PE wim path relative to the device, e.g. \LetRecovery\winpe.wim`, Required: true},
					&cli.StringFlag{Name: "device", Usage: "partition device holding the wim, e.g. D:", Required: true},
				},
				Before: checkAdmin,
				Action: func(c *cli.Context) error {
					cfg := newConfig(c)
					mgr := newBootManager(cfg)
					guid, err := mgr.InstallPEBootEntry(c.String("pe-image"), c.String("device"))
					if err != nil {
						return err
					}
					fmt.Println(guid)
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "delete <guid>: remove a boot entry",
				ArgsUsage: "<guid>",
				Before:    checkAdmin,
				Action: func(c *cli.Context) error {
					cfg := newConfig(c)
					return newBootManager(cfg).DeletePEBootEntry(c.Args().First())
				},
			},
			{
				Name:   "repair",
				Usage:  "rewrite the boot store for an installed target",
				Before: checkAdmin,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "target", Required: true},
					&cli.StringFlag{Name: "firmware", Usage: "uefi|bios", Value: "uefi"},
				},
				Action: func(c *cli.Context) error {
					cfg := newConfig(c)
					return newBootManager(cfg).RepairBoot(
						c.String("target"), strings.EqualFold(c.String("firmware"), "uefi"))
				},
			},
		},
	},
	{
		Name:  "bitlocker",
		Usage: "query and drive BitLocker on a volume",
		Subcommands: []*cli.Command{
			{
				Name:      "status",
				ArgsUsage: "<letter>",
				Action: func(c *cli.Context) error {
					cfg := newConfig(c)
					svc := bitlocker.NewService(cfg)
					st, pct, err := svc.StatusWithPercent(c.Args().First())
					if err != nil {
						return err
					}
					fmt.Printf("%s %.1f%%\n", st, pct)
					return nil
				},
			},
			{
				Name:      "unlock",
				ArgsUsage: "<letter>",
				Before:    checkAdmin,
				Action: func(c *cli.Context) error {
					cfg := newConfig(c)
					svc := bitlocker.NewService(cfg)
					letter := c.Args().First()
					password, recoveryKey, ok := engine.PromptCredentials(letter)
					if !ok {
						return fmt.Errorf("unlock cancelled")
					}
					var res types.UnlockResult
					if recoveryKey != "" {
						res = svc.UnlockWithRecoveryKey(letter, recoveryKey)
					} else {
						res = svc.UnlockWithPassword(letter, password)
					}
					if !res.Success {
						if res.ErrorCode != nil {
							return fmt.Errorf("unlock failed (0x%08X): %s", *res.ErrorCode, res.Message)
						}
						return fmt.Errorf("unlock failed: %s", res.Message)
					}
					fmt.Println("unlocked")
					return nil
				},
			},
			{
				Name:      "decrypt",
				ArgsUsage: "<letter>",
				Before:    checkAdmin,
				Action: func(c *cli.Context) error {
					cfg := newConfig(c)
					svc := bitlocker.NewService(cfg)
					return svc.Decrypt(c.Args().First())
				},
			},
		},
	},
	{
		Name:  "serve-events",
		Usage: "expose the progress event stream over SSE for a local UI",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: "127.0.0.1:8976"},
		},
		Action: func(c *cli.Context) error {
			cfg := newConfig(c)
			return events.ServeSSE(context.Background(), cfg.Bus, c.String("listen"))
		},
	},
}

func parsePartSpec(spec string) (partedit.PartSpec, error) {
	fields := strings.Split(spec, ":")
	if len(fields) < 2 {
		return partedit.PartSpec{}, fmt.Errorf("part spec %q: want sizeMB:label[:fs[:letter]]", spec)
	}
	size, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return partedit.PartSpec{}, fmt.Errorf("part spec %q: bad size: %w", spec, err)
	}
	p := partedit.PartSpec{SizeMB: size, Label: fields[1]}
	if len(fields) > 2 {
		p.FS = fields[2]
	}
	if len(fields) > 3 {
		p.Letter = fields[3]
	}
	return p, nil
}

// App builds the application. --debug flips the logger through viper.
func App(version string) *cli.App {
	return &cli.App{
		Name:    "deployengine",
		Usage:   "Windows OS deployment and recovery engine",
		Version: version,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
			&cli.StringFlag{Name: "data-root", Usage: "data partition root holding the staging directory", Value: ""},
		},
		Before: func(c *cli.Context) error {
			viper.Set("debug", c.Bool("debug"))
			return nil
		},
		Commands: cmds,
	}
}
