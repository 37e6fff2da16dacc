// Command dirauthd operates a consensus directory cache/relay: it serves
// the scheduler loop against a data directory, inspects the on-disk
// caches, and forces microdescriptor compaction.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/torrelay/dirauth"
)

var app *cli.App

func init() {
	app = &cli.App{
		Name:  "dirauthd",
		Usage: "consensus directory subsystem operator CLI",
		Commands: []*cli.Command{
			commandServe,
			commandInspect,
			commandCompact,
		},
	}
}

var dataDirFlag = &cli.StringFlag{
	Name:     "datadir",
	Usage:    "data directory holding cached-consensus, cached-microdescs, cached-status/",
	Required: true,
}

var commandServe = &cli.Command{
	Name:  "serve",
	Usage: "run the scheduler loop against a data directory",
	Flags: []cli.Flag{
		dataDirFlag,
		&cli.DurationFlag{Name: "tick", Usage: "scheduler tick interval", Value: 5 * time.Second},
		&cli.BoolFlag{Name: "cache", Usage: "operate as a directory cache (fetches every flavor, serves v2 status)"},
	},
	Action: func(ctx *cli.Context) error {
		cfg := &dirauth.Config{
			DataDirectory:    ctx.String("datadir"),
			IsDirectoryCache: ctx.Bool("cache"),
		}
		state, err := dirauth.NewDirectoryState(cfg, dirauth.Options{}, dirauth.RoleClient)
		if err != nil {
			return err
		}
		state.Store.LoadStartup("")
		state.V2.LoadStartup()

		tick := ctx.Duration("tick")
		fmt.Fprintf(ctx.App.Writer, "dirauthd: serving %s, tick=%s\n", cfg.DataDirectory, tick)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for range ticker.C {
			state.Tick(time.Now())
		}
		return nil
	},
}

var commandInspect = &cli.Command{
	Name:  "inspect",
	Usage: "print GETINFO-style summaries of the on-disk cache",
	Flags: []cli.Flag{dataDirFlag},
	Action: func(ctx *cli.Context) error {
		cfg := &dirauth.Config{DataDirectory: ctx.String("datadir")}
		state, err := dirauth.NewDirectoryState(cfg, dirauth.Options{}, dirauth.RoleClient)
		if err != nil {
			return err
		}
		state.Store.LoadStartup("")
		state.V2.LoadStartup()

		out := state.Store.GetInfoAll()
		if out == "" {
			fmt.Fprintln(ctx.App.Writer, "no current consensus")
		} else {
			fmt.Fprint(ctx.App.Writer, out)
		}
		totalLen, nSeen, dropped, journalLen, cacheLen := state.Microdescs.Stats()
		fmt.Fprintf(ctx.App.Writer, "microdescs: %d cached, %d seen (%d bytes), %d bytes dropped, journal=%d cache=%d\n",
			state.Microdescs.Len(), nSeen, totalLen, dropped, journalLen, cacheLen)
		fmt.Fprintf(ctx.App.Writer, "v2 statuses: %d\n", state.V2.Len())
		return nil
	},
}

var commandCompact = &cli.Command{
	Name:  "compact",
	Usage: "force a microdescriptor-cache rebuild",
	Flags: []cli.Flag{dataDirFlag},
	Action: func(ctx *cli.Context) error {
		cfg := &dirauth.Config{DataDirectory: ctx.String("datadir")}
		state, err := dirauth.NewDirectoryState(cfg, dirauth.Options{}, dirauth.RoleClient)
		if err != nil {
			return err
		}
		now := time.Now()
		if err := state.Microdescs.Rebuild(now, now.Add(-dirauth.TolerateMicrodescAge), true); err != nil {
			return err
		}
		fmt.Fprintln(ctx.App.Writer, "compaction complete")
		return nil
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
