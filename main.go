/*
 * Project: ice-lite
 * ---------------------
 * Authors:
 *   Minjian Chen 813534
 *   Shijie Liu   813277
 *   Weizhi Xu    752454
 *   Wenqing Xue  813044
 *   Zijun Chen   813190
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PwzXxm/ice-lite/config"
	"github.com/PwzXxm/ice-lite/functests"
	"github.com/PwzXxm/ice-lite/shell"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var (
	flagConfig = &cli.PathFlag{Name: "config", Aliases: []string{"c"}, Usage: "properties file path"}
	flagProps  = &cli.StringSliceFlag{Name: "prop", Aliases: []string{"p"}, Usage: "property override `Name=Value`"}
)

func main() {
	// proxy string tools
	cmdParse := &cli.Command{
		Name:      "parse",
		Usage:     "print the canonical form of a proxy",
		ArgsUsage: "<proxy>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("please provide exactly one proxy")
			}
			s, err := parseProxy(c.Args().First())
			if err != nil {
				fmt.Fprintln(os.Stderr, color.RedString("%v", err))
				return cli.Exit("", 1)
			}
			fmt.Println(s)
			return nil
		},
	}
	cmdPing := &cli.Command{
		Name:      "ping",
		Usage:     "ping an object",
		ArgsUsage: "<proxy>",
		Flags:     []cli.Flag{flagConfig, flagProps},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("please provide exactly one proxy")
			}
			props, err := loadProperties(c.Path("config"), c.StringSlice("prop"))
			if err != nil {
				return err
			}
			return ping(props, c.Args().First())
		},
	}
	// run servers
	cmdRegistry := &cli.Command{
		Name:  "registry",
		Usage: "start a locator registry",
		Flags: []cli.Flag{
			&cli.PathFlag{Name: "config", Aliases: []string{"c"}, Usage: "properties file path", Required: true},
			flagProps,
			&cli.StringFlag{Name: "metrics", Usage: "serve prometheus metrics on `addr`"},
		},
		Action: func(c *cli.Context) error {
			props, err := loadProperties(c.Path("config"), c.StringSlice("prop"))
			if err != nil {
				return err
			}
			return startRegistry(props, c.String("metrics"))
		},
	}
	cmdServe := &cli.Command{
		Name:  "serve",
		Usage: "start an echo server",
		Flags: []cli.Flag{
			&cli.PathFlag{Name: "config", Aliases: []string{"c"}, Usage: "properties file path", Required: true},
			flagProps,
			&cli.StringFlag{Name: "metrics", Usage: "serve prometheus metrics on `addr`"},
		},
		Action: func(c *cli.Context) error {
			props, err := loadProperties(c.Path("config"), c.StringSlice("prop"))
			if err != nil {
				return err
			}
			return startEchoServer(props, c.String("metrics"))
		},
	}
	// interactive shell
	cmdShell := &cli.Command{
		Name:  "shell",
		Usage: "read proxy commands from STDIN",
		Flags: []cli.Flag{
			flagConfig,
			flagProps,
			&cli.IntFlag{Name: "local", Aliases: []string{"n"}, Usage: "start a local deployment with `n` echo servers"},
		},
		Action: func(c *cli.Context) error {
			if c.Int("local") > 0 {
				return localShell(c.Int("local"))
			}
			props, err := loadProperties(c.Path("config"), c.StringSlice("prop"))
			if err != nil {
				return err
			}
			return remoteShell(props)
		},
	}
	// run functional test
	cmdFunctional := &cli.Command{
		Name:  "functionaltest",
		Usage: "commands for running functional tests",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list all avaliable tests",
				Action: func(c *cli.Context) error {
					functests.List()
					return nil
				},
			},
			{
				Name:  "count",
				Usage: "count all avaliable tests",
				Action: func(c *cli.Context) error {
					functests.Count()
					return nil
				},
			},
			{
				Name:  "run",
				Usage: "run a specific tests",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "n", Usage: "test id", Required: true},
				},
				Action: func(c *cli.Context) error {
					return functests.Run(c.Int("n"))
				},
			},
		},
	}
	// run complex testcases where events are generated randomly
	cmdIntegrationTest := &cli.Command{
		Name:  "integrationtest",
		Usage: "run complex testcases where events are generated randomly",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "t", Usage: "time in minutes", Required: true},
		},
		Action: func(c *cli.Context) error {
			return functests.RunComplex(c.Int64("t"))
		},
	}
	app := &cli.App{
		Name:  "ice-lite",
		Usage: "object RPC middleware tools",
		Commands: []*cli.Command{
			cmdParse,
			cmdPing,
			cmdRegistry,
			cmdServe,
			cmdShell,
			cmdFunctional,
			cmdIntegrationTest,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func localShell(n int) error {
	l, err := shell.RunLocally(n)
	if err != nil {
		return err
	}
	defer l.StopAll()

	fmt.Printf("Local deployment ready, locator is %q\n", shell.LocatorProxy)
	return shell.New(l.Client(), l).Run(os.Stdin)
}

func remoteShell(props *config.Properties) error {
	comm, err := newCommunicator(props, nil)
	if err != nil {
		return err
	}
	defer destroy(comm)
	return shell.New(comm, nil).Run(os.Stdin)
}

// waitForSignal blocks until the process is interrupted.
func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
