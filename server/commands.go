package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

const helpText = "Available commands: help, users, online, kick <user>, broadcast <msg>, welcome <msg>, stop"

// Console is the operator prompt read from stdin.
type Console struct {
	hub    *Hub
	store  *Store
	config *Config
	out    io.Writer
}

func NewConsole(hub *Hub, store *Store, config *Config, out io.Writer) *Console {
	return &Console{hub: hub, store: store, config: config, out: out}
}

// Run reads commands until stop, EOF or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, "Server console ready. Type 'help' for commands.")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || c.Execute(ctx, line) {
				return
			}
		}
	}
}

// Execute runs one command line and reports whether the server should stop.
func (c *Console) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case "help":
		fmt.Fprintln(c.out, helpText)
	case "stop":
		fmt.Fprintln(c.out, color.Yellow.Sprint("Stopping server..."))
		return true
	case "users":
		c.listUsers(ctx)
	case "online":
		online := c.hub.Online()
		if len(online) == 0 {
			fmt.Fprintln(c.out, "Nobody is online.")
			return false
		}
		fmt.Fprintf(c.out, "Online (%d): %s\n", len(online), strings.Join(online, ", "))
	case "kick":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: kick <user>")
			return false
		}
		if c.hub.KickUser(args[0]) {
			fmt.Fprintln(c.out, color.Green.Sprint("User kicked."))
		} else {
			fmt.Fprintln(c.out, color.Red.Sprint("User not found."))
		}
	case "broadcast":
		if len(args) < 1 {
			fmt.Fprintln(c.out, "Usage: broadcast <message>")
			return false
		}
		c.hub.BroadcastSystemMessage("[Admin] " + strings.Join(args, " "))
		fmt.Fprintln(c.out, color.Green.Sprint("Broadcast sent."))
	case "welcome":
		if len(args) < 1 {
			fmt.Fprintln(c.out, "Usage: welcome <message>")
			return false
		}
		if err := c.config.SetWelcome(strings.Join(args, " ")); err != nil {
			fmt.Fprintln(c.out, color.Red.Sprintf("Error saving config: %v", err))
		} else {
			fmt.Fprintln(c.out, color.Green.Sprint("Welcome message updated."))
		}
	default:
		fmt.Fprintln(c.out, color.Red.Sprint("Unknown command."))
	}
	return false
}

func (c *Console) listUsers(ctx context.Context) {
	users, err := c.store.ListUsers(ctx)
	if err != nil {
		fmt.Fprintln(c.out, color.Red.Sprintf("Error listing users: %v", err))
		return
	}
	online := lo.SliceToMap(c.hub.Online(), func(name string) (string, bool) { return name, true })

	table := tablewriter.NewWriter(c.out)
	table.SetHeader([]string{"ID", "Username", "Online"})
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, u := range users {
		table.Append([]string{strconv.FormatInt(u.ID, 10), u.Username, lo.Ternary(online[u.Username], "yes", "")})
	}
	table.Render()
	fmt.Fprintf(c.out, "%d registered, %d online\n", len(users), len(online))
}
