package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ruteri/guardian-switch/cmd/flags"
	"github.com/ruteri/guardian-switch/config"
	"github.com/ruteri/guardian-switch/cryptoutils"
	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/interfaces"
	"github.com/ruteri/guardian-switch/release"
	"github.com/urfave/cli/v2"
)

var switchFlag = &cli.StringFlag{
	Name:     "switch",
	Required: true,
	Usage:    "switch reference <owner>/<switch id>, or a bare switch id",
}

var passphraseFlag = &cli.StringFlag{
	Name:     "passphrase",
	Required: true,
	Usage:    "owner passphrase",
	EnvVars:  []string{"GUARDIAN_SWITCH_PASSPHRASE"},
}

var keyFlag = &cli.StringFlag{
	Name:     flags.KeyFileFlag.Name,
	Required: true,
	Usage:    flags.KeyFileFlag.Usage,
	EnvVars:  flags.KeyFileFlag.EnvVars,
}

// fail turns an error into the message the user acts on.
func fail(err error) error {
	return cli.Exit(fmt.Sprintf("%s: %v", interfaces.UserMessage(err), err), 1)
}

// setup returns the logger, config and a release service over the configured
// channels.
func setup(cCtx *cli.Context) (*slog.Logger, *config.Config, *release.Service, error) {
	logger := flags.SetupLogger(cCtx)
	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		return nil, nil, nil, err
	}
	multi, err := flags.BuildTransport(cCtx.Context, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return logger, cfg, release.NewService(multi, logger), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type statusOutput struct {
	Ref         string    `json:"ref"`
	SwitchID    string    `json:"switch_id"`
	Status      string    `json:"status"`
	Owner       string    `json:"owner"`
	Recipient   string    `json:"recipient"`
	Threshold   int       `json:"threshold"`
	Guardians   int       `json:"guardians"`
	Deadline    time.Time `json:"deadline"`
	Remaining   string    `json:"remaining"`
	Released    []int     `json:"released"`
	Irrevocable bool      `json:"irrevocable"`
}

func newStatusOutput(r *release.StatusReport) statusOutput {
	return statusOutput{
		Ref:         r.Ref,
		SwitchID:    r.Switch.ID,
		Status:      string(r.Switch.Status),
		Owner:       r.Switch.Owner,
		Recipient:   r.Switch.Recipient,
		Threshold:   r.Switch.Threshold,
		Guardians:   r.Switch.TotalShares,
		Deadline:    r.Deadline.UTC(),
		Remaining:   r.Remaining.String(),
		Released:    r.Released,
		Irrevocable: r.Irrevocable,
	}
}

var keygenCommand = &cli.Command{
	Name:  "keygen",
	Usage: "Generate a guardian or recipient key pair",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "out",
			Required: true,
			Usage:    "file to write the hex encoded secret key to",
		},
	},
	Action: func(cCtx *cli.Context) error {
		key, err := events.GenerateKey()
		if err != nil {
			return err
		}
		defer key.Zero()

		f, err := os.OpenFile(cCtx.String("out"), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := fmt.Fprintln(f, key.Hex()); err != nil {
			return err
		}

		fmt.Fprintln(cCtx.App.Writer, key.PublicKeyHex())
		return nil
	},
}

func newMasterKey(kdf, passphrase string) (*cryptoutils.MasterKey, error) {
	if strings.EqualFold(kdf, config.KDFArgon2id) {
		params, err := cryptoutils.Argon2idKDFParams()
		if err != nil {
			return nil, err
		}
		return cryptoutils.DeriveMasterKey(passphrase, params)
	}
	return cryptoutils.NewMasterKey(passphrase)
}

func readMessage(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

var createCommand = &cli.Command{
	Name:  "create",
	Usage: "Encrypt a message and distribute its key to guardians",
	Flags: []cli.Flag{
		passphraseFlag,
		&cli.StringFlag{
			Name:     "message-file",
			Required: true,
			Usage:    "file holding the message, - for stdin",
		},
		&cli.StringSliceFlag{
			Name:     "guardian",
			Required: true,
			Usage:    "guardian public key, repeat for each guardian",
		},
		&cli.IntFlag{
			Name:     "threshold",
			Required: true,
			Usage:    "number of guardians needed to recover the message",
		},
		&cli.StringFlag{
			Name:     "recipient",
			Required: true,
			Usage:    "recipient public key",
		},
		&cli.DurationFlag{
			Name:  "interval",
			Value: 7 * 24 * time.Hour,
			Usage: "check-in interval",
		},
	},
	Action: func(cCtx *cli.Context) error {
		logger, cfg, svc, err := setup(cCtx)
		if err != nil {
			return fail(err)
		}

		message, err := readMessage(cCtx.String("message-file"))
		if err != nil {
			return err
		}
		defer cryptoutils.Wipe(message)

		master, err := newMasterKey(cfg.KDF, cCtx.String(passphraseFlag.Name))
		if err != nil {
			return fail(err)
		}
		defer master.Wipe()

		result, err := svc.CreateSwitch(cCtx.Context, master, release.CreateSwitchRequest{
			Message:         message,
			Threshold:       cCtx.Int("threshold"),
			Guardians:       cCtx.StringSlice("guardian"),
			Recipient:       cCtx.String("recipient"),
			CheckInInterval: cCtx.Duration("interval"),
		})
		if err != nil {
			return fail(err)
		}

		logger.Info("Switch created", "switch", result.SwitchID, "owner", result.Owner)
		fmt.Fprintln(cCtx.App.Writer, result.Ref)
		return nil
	},
}

type ownerAction func(ctx context.Context, svc *release.Service, master *cryptoutils.MasterKey, switchID string) (*release.StatusReport, error)

func checkIn(ctx context.Context, svc *release.Service, master *cryptoutils.MasterKey, switchID string) (*release.StatusReport, error) {
	return svc.CheckIn(ctx, master, switchID)
}

func cancel(ctx context.Context, svc *release.Service, master *cryptoutils.MasterKey, switchID string) (*release.StatusReport, error) {
	return svc.Cancel(ctx, master, switchID)
}

func revive(ctx context.Context, svc *release.Service, master *cryptoutils.MasterKey, switchID string) (*release.StatusReport, error) {
	return svc.Revive(ctx, master, switchID)
}

func ownerCommand(name, usage string, action ownerAction) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: []cli.Flag{switchFlag, passphraseFlag},
		Action: func(cCtx *cli.Context) error {
			_, _, svc, err := setup(cCtx)
			if err != nil {
				return fail(err)
			}

			switchID := cCtx.String(switchFlag.Name)
			master, err := svc.Unlock(cCtx.Context, cCtx.String(passphraseFlag.Name), switchID)
			if err != nil {
				return fail(err)
			}
			defer master.Wipe()

			report, err := action(cCtx.Context, svc, master, switchID)
			if err != nil {
				return fail(err)
			}
			return printJSON(cCtx.App.Writer, newStatusOutput(report))
		},
	}
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "Show the state of a switch as seen by an independent observer",
	Flags: []cli.Flag{
		switchFlag,
		&cli.StringFlag{
			Name:  "owner",
			Usage: "owner public key, selects among conflicting records",
		},
	},
	Action: func(cCtx *cli.Context) error {
		_, _, svc, err := setup(cCtx)
		if err != nil {
			return fail(err)
		}

		var report *release.StatusReport
		if owner := cCtx.String("owner"); owner != "" {
			report, err = svc.GetOwnerStatus(cCtx.Context, cCtx.String(switchFlag.Name), owner)
		} else {
			report, err = svc.GetStatus(cCtx.Context, cCtx.String(switchFlag.Name))
		}
		if err != nil {
			return fail(err)
		}
		return printJSON(cCtx.App.Writer, newStatusOutput(report))
	},
}

var acceptCommand = &cli.Command{
	Name:  "accept",
	Usage: "Acknowledge every share assigned to a guardian",
	Flags: []cli.Flag{keyFlag},
	Action: func(cCtx *cli.Context) error {
		_, _, svc, err := setup(cCtx)
		if err != nil {
			return fail(err)
		}
		guardian, err := flags.ReadKey(cCtx.String(keyFlag.Name))
		if err != nil {
			return fail(err)
		}
		defer guardian.Zero()

		assignments, err := svc.AcceptAssignments(cCtx.Context, guardian)
		if err != nil {
			return fail(err)
		}
		for _, a := range assignments {
			fmt.Fprintf(cCtx.App.Writer, "%s\tshare %d\towner %s\n", a.SwitchID, a.Share.Index, a.Owner)
		}
		return nil
	},
}

var releaseCommand = &cli.Command{
	Name:  "release",
	Usage: "Release a guardian's share of a triggered switch to its recipient",
	Flags: []cli.Flag{switchFlag, keyFlag},
	Action: func(cCtx *cli.Context) error {
		_, _, svc, err := setup(cCtx)
		if err != nil {
			return fail(err)
		}
		guardian, err := flags.ReadKey(cCtx.String(keyFlag.Name))
		if err != nil {
			return fail(err)
		}
		defer guardian.Zero()

		ev, err := svc.ReleaseGuardianShare(cCtx.Context, guardian, cCtx.String(switchFlag.Name))
		if err != nil {
			return fail(err)
		}
		fmt.Fprintln(cCtx.App.Writer, ev.ID)
		return nil
	},
}

var recoverCommand = &cli.Command{
	Name:  "recover",
	Usage: "Reconstruct a released message with the recipient key",
	Flags: []cli.Flag{
		switchFlag,
		keyFlag,
		&cli.StringFlag{
			Name:  "out",
			Usage: "file to write the message to, stdout when empty",
		},
	},
	Action: func(cCtx *cli.Context) error {
		_, _, svc, err := setup(cCtx)
		if err != nil {
			return fail(err)
		}
		recipient, err := flags.ReadKey(cCtx.String(keyFlag.Name))
		if err != nil {
			return fail(err)
		}
		defer recipient.Zero()

		message, err := svc.RecoverMessage(cCtx.Context, recipient, cCtx.String(switchFlag.Name))
		if err != nil {
			return fail(err)
		}
		defer cryptoutils.Wipe(message)

		if out := cCtx.String("out"); out != "" {
			return os.WriteFile(out, message, 0o600)
		}
		_, err = cCtx.App.Writer.Write(message)
		return err
	},
}

var registerCommand = &cli.Command{
	Name:  "register",
	Usage: "Publish a guardian profile",
	Flags: []cli.Flag{
		keyFlag,
		&cli.StringFlag{
			Name:     "name",
			Required: true,
			Usage:    "display name",
		},
		&cli.StringFlag{
			Name:  "about",
			Usage: "short description",
		},
		&cli.StringSliceFlag{
			Name:  "contact-channel",
			Usage: "channel URI the guardian reads from, repeat for each",
		},
	},
	Action: func(cCtx *cli.Context) error {
		_, _, svc, err := setup(cCtx)
		if err != nil {
			return fail(err)
		}
		guardian, err := flags.ReadKey(cCtx.String(keyFlag.Name))
		if err != nil {
			return fail(err)
		}
		defer guardian.Zero()

		ev, err := svc.RegisterGuardian(cCtx.Context, guardian, release.GuardianProfile{
			Name:     cCtx.String("name"),
			About:    cCtx.String("about"),
			Channels: cCtx.StringSlice("contact-channel"),
		})
		if err != nil {
			return fail(err)
		}
		fmt.Fprintln(cCtx.App.Writer, ev.PubKey)
		return nil
	},
}

var guardiansCommand = &cli.Command{
	Name:  "guardians",
	Usage: "List registered guardians",
	Action: func(cCtx *cli.Context) error {
		_, _, svc, err := setup(cCtx)
		if err != nil {
			return fail(err)
		}
		profiles, err := svc.ListGuardians(cCtx.Context)
		if err != nil {
			return fail(err)
		}
		for _, p := range profiles {
			fmt.Fprintf(cCtx.App.Writer, "%s\t%s\t%s\n", p.PubKey, p.Name, p.Registered.UTC().Format(time.RFC3339))
		}
		return nil
	},
}
