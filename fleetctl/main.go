// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command fleetctl talks to a fleetvisord daemon.  It uses subcommands.
//
// The global flags are
//
//	--addr <url>	daemon address, default http://127.0.0.1:8321
//	--token <jwt>	bearer token, when the daemon requires one
//
// Subcommands are
//
//	list                 - list all servers
//	info <id>            - show one server in detail
//	create               - register a new server
//	delete <id>          - remove a server, optionally with its files
//	start|stop|kill <id> - drive a server's lifecycle
//	init <id>            - download a server's assets
//	send <id> <line>     - write a line to a server's console
//	console <id>         - print a server's recent console lines
//	history <id>         - print a server's lifecycle history
//	token                - mint a token from the daemon's secret
//	top                  - live view of the fleet
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gdamore/fleetvisor"
	"github.com/gdamore/fleetvisor/bus"
	"github.com/gdamore/fleetvisor/rest"
)

type cli struct {
	addr  string
	token string
}

func (c *cli) client() *rest.Client {
	client := rest.NewClient(nil, c.addr)
	if c.token != "" {
		client.SetToken(c.token)
	}
	return client
}

// oneID wraps a client call on a single server id.
func (c *cli) oneID(use, short string, fn func(*rest.Client, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := c.client()
			defer client.Close()
			return fn(client, args[0])
		},
	}
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "fleetctl",
		Short:        "Manage the servers of a fleetvisord daemon",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&c.addr, "addr", "a", "http://127.0.0.1:8321", "daemon address")
	root.PersistentFlags().StringVar(&c.token, "token", os.Getenv("FLEETVISOR_TOKEN"), "bearer token")

	root.AddCommand(
		c.listCommand(),
		c.infoCommand(),
		c.createCommand(),
		c.deleteCommand(),
		c.oneID("start", "Start a server", (*rest.Client).StartInstance),
		c.oneID("stop", "Ask a server to stop", (*rest.Client).StopInstance),
		c.oneID("kill", "Kill a server immediately", (*rest.Client).KillInstance),
		c.oneID("init", "Download a server's assets", func(client *rest.Client, id string) error {
			started, e := client.Initialize(id)
			if e != nil {
				return e
			}
			if !started {
				fmt.Println("Initialization already in progress")
			}
			return nil
		}),
		c.sendCommand(),
		c.consoleCommand(),
		c.historyCommand(),
		tokenCommand(),
		c.topCommand(),
	)
	return root
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

func (c *cli) listCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := c.client()
			defer client.Close()
			infos, e := client.Instances()
			if e != nil {
				return e
			}
			f := newFleet()
			for i := range infos {
				f.servers[infos[i].ID] = &infos[i]
			}
			t := newTable()
			t.AppendHeader(table.Row{"Name", "ID", "Status", "Players", "Uptime", "Type", "Version"})
			now := time.Now()
			for _, info := range f.items() {
				if info.Archived && !all {
					continue
				}
				t.AppendRow(table.Row{info.Name, info.ID, info.Status, info.PlayerCount,
					uptime(info, now), info.Type, info.Version})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include archived servers")
	return cmd
}

func (c *cli) infoCommand() *cobra.Command {
	return c.oneID("info", "Show a server", func(client *rest.Client, id string) error {
		info, e := client.GetInstance(id)
		if e != nil {
			return e
		}
		t := newTable()
		t.AppendRows([]table.Row{
			{"Name", info.Name},
			{"ID", info.ID},
			{"Type", info.Type},
			{"Version", info.Version},
			{"Status", info.Status},
			{"Uptime", uptime(info, time.Now())},
			{"Players", strings.Join(info.Players, ", ")},
			{"Command", info.Launch.Command},
			{"Archived", info.Archived},
		})
		if info.Pid != 0 {
			t.AppendRow(table.Row{"Pid", info.Pid})
		}
		if info.LastExit != "" {
			t.AppendRow(table.Row{"Last exit", info.LastExit})
		}
		if info.Init != nil {
			t.AppendRow(table.Row{"Init", initSummary(info.Init)})
		}
		t.Render()
		return nil
	})
}

func (c *cli) createCommand() *cobra.Command {
	var meta fleetvisor.Metadata
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := c.client()
			defer client.Close()
			info, e := client.CreateInstance(meta)
			if e != nil {
				return e
			}
			fmt.Println(info.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&meta.Name, "name", "", "display name")
	cmd.Flags().StringVar(&meta.Type, "type", "", "server type")
	cmd.Flags().StringVar(&meta.Version, "version", fleetvisor.LatestVersion, "server version")
	cmd.Flags().StringVar(&meta.Launch.Command, "command", "", "launch command line")
	cmd.Flags().StringSliceVar(&meta.Launch.Env, "env", nil, "extra environment, as NAME=value")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("type")
	return cmd
}

func (c *cli) deleteCommand() *cobra.Command {
	var files bool
	cmd := c.oneID("delete", "Remove a server", func(client *rest.Client, id string) error {
		return client.DeleteInstance(id, files)
	})
	cmd.Flags().BoolVar(&files, "files", false, "also remove the server's directory")
	return cmd
}

func (c *cli) sendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <id> <line>...",
		Short: "Write a line to a server's console",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := c.client()
			defer client.Close()
			return client.SendLine(args[0], strings.Join(args[1:], " "))
		},
	}
}

func (c *cli) consoleCommand() *cobra.Command {
	var since int64
	cmd := c.oneID("console", "Print a server's console", func(client *rest.Client, id string) error {
		con, e := client.Console(id, since)
		if e != nil {
			return e
		}
		for _, l := range con.Lines {
			fmt.Printf("%s %s\n", l.Time.Local().Format(time.DateTime), l.Text)
		}
		return nil
	})
	cmd.Flags().Int64Var(&since, "since", 0, "only lines after this id")
	return cmd
}

func (c *cli) historyCommand() *cobra.Command {
	var limit int
	cmd := c.oneID("history", "Print a server's lifecycle history", func(client *rest.Client, id string) error {
		entries, e := client.History(id, limit)
		if e != nil {
			return e
		}
		t := newTable()
		t.AppendHeader(table.Row{"Time", "Event", "Detail"})
		for _, en := range entries {
			t.AppendRow(table.Row{en.Time.Local().Format(time.DateTime), en.Kind, en.Detail})
		}
		t.Render()
		return nil
	})
	cmd.Flags().IntVar(&limit, "limit", 50, "most entries to show")
	return cmd
}

func tokenCommand() *cobra.Command {
	var secret, subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token from the daemon's secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				fmt.Fprint(os.Stderr, "Secret: ")
				b, e := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if e != nil {
					return e
				}
				secret = string(b)
			}
			tok, e := rest.IssueToken([]byte(secret), subject, ttl)
			if e != nil {
				return e
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "shared secret (prompted for when not given)")
	cmd.Flags().StringVar(&subject, "subject", "fleetctl", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	return cmd
}

func (c *cli) topCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "top",
		Short: "Live view of the fleet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := c.client()
			defer client.Close()
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				return streamEvents(client)
			}
			return newTopApp(client, c.addr).run()
		},
	}
}

// streamEvents prints a line per change, for when there is no terminal
// to draw on.  It runs until interrupted.
func streamEvents(client *rest.Client) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f := newFleet()
	var lastID *int64
	follow(ctx, client,
		func() []string { return []string{bus.TopicServers} },
		func() *int64 { return lastID },
		func(_ *rest.Watcher, ev bus.Event) {
			id := ev.ID
			lastID = &id
			msg, e := f.apply(ev)
			if e != nil {
				msg = e.Error()
			}
			if msg != "" {
				fmt.Printf("%s %s\n", ev.Time.Local().Format(time.DateTime), msg)
			}
		},
		func(e error) {
			if e != nil {
				fmt.Fprintf(os.Stderr, "Disconnected: %v\n", e)
			}
		})
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
