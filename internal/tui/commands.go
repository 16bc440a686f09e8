package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/fentz26/xqserver/internal/client"
)

// Command is a parsed monitor command line.
type Command struct {
	Name string
	Args []string
}

type commandSpec struct {
	usage       string
	description string
	minArgs     int
	maxArgs     int
}

var commandSpecs = map[string]commandSpec{
	"backup":  {"backup <library|*> <path>", "Back up one library or all of them", 2, 2},
	"reindex": {"reindex [library]", "Rebuild the indexes of a library", 0, 1},
	"cancel":  {"cancel [id]", "Abort a running action", 0, 1},
	"mklib":   {"mklib <name>", "Create a library", 1, 1},
	"dellib":  {"dellib <name>", "Delete a library", 1, 1},
	"reload":  {"reload", "Reread the server configuration", 0, 0},
	"quit":    {"quit", "Leave the monitor", 0, 0},
}

// ParseCommand splits a command line. A leading "/" is accepted.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(line), "/"))
	if len(fields) == 0 {
		return Command{}, errors.New("empty command")
	}
	name := strings.ToLower(fields[0])
	switch name {
	case "q", "exit":
		name = "quit"
	}
	spec, ok := commandSpecs[name]
	if !ok {
		return Command{}, errors.Errorf("unknown command %s (try: backup, reindex, cancel, mklib, dellib, reload)", fields[0])
	}
	args := fields[1:]
	for i, a := range args {
		args[i] = strings.TrimPrefix(a, "@")
	}
	if len(args) < spec.minArgs || len(args) > spec.maxArgs {
		return Command{}, errors.Errorf("usage: %s", spec.usage)
	}
	return Command{Name: name, Args: args}, nil
}

func (c Command) arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

// Run sends the command and describes the outcome.
func (c Command) Run(ctx context.Context, cl *client.Client) (string, error) {
	switch c.Name {
	case "backup":
		id, err := cl.Backup(ctx, c.arg(0), c.arg(1))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Backup started: %s", id), nil
	case "reindex":
		id, err := cl.Reindex(ctx, c.arg(0))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Reindex started: %s", id), nil
	case "cancel":
		if c.arg(0) == "" {
			return "", errors.New("no action selected")
		}
		if err := cl.Cancel(ctx, c.arg(0)); err != nil {
			return "", err
		}
		return fmt.Sprintf("Cancelled %s", c.arg(0)), nil
	case "mklib":
		if err := cl.CreateLibrary(ctx, c.arg(0)); err != nil {
			return "", err
		}
		return fmt.Sprintf("Created library %s", c.arg(0)), nil
	case "dellib":
		if err := cl.DeleteLibrary(ctx, c.arg(0)); err != nil {
			return "", err
		}
		return fmt.Sprintf("Deleted library %s", c.arg(0)), nil
	case "reload":
		if err := cl.Reload(ctx); err != nil {
			return "", err
		}
		return "Configuration reloaded", nil
	}
	return "", errors.Errorf("command %s cannot be sent", c.Name)
}
