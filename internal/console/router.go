package console

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrUnknownCommand is returned by [Router.Handle] for an unregistered
// slash command.
var ErrUnknownCommand = errors.New("console: unknown command")

// HandlerFunc handles one input line. For commands args is the trimmed text
// after the command name; for plain text it is the whole line.
type HandlerFunc func(ctx context.Context, args string) error

// commandEntry stores a command's help text along with its handler.
type commandEntry struct {
	usage   string
	help    string
	handler HandlerFunc
}

// Router dispatches console input: lines starting with "/" go to the
// registered command, everything else to the text handler.
type Router struct {
	mu       sync.RWMutex
	commands map[string]commandEntry // name without slash → entry
	text     HandlerFunc
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{commands: make(map[string]commandEntry)}
}

// Register registers a handler for "/name". usage and help are shown by
// [Router.Help].
func (r *Router) Register(name, usage, help string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[strings.ToLower(name)] = commandEntry{usage: usage, help: help, handler: handler}
}

// HandleText registers the handler for lines that are not commands.
func (r *Router) HandleText(handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text = handler
}

// Handle dispatches one input line. Blank lines are ignored.
func (r *Router) Handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "/") {
		r.mu.RLock()
		text := r.text
		r.mu.RUnlock()
		if text == nil {
			return nil
		}
		return text(ctx, line)
	}

	name, args, _ := strings.Cut(line[1:], " ")
	name = strings.ToLower(name)
	r.mu.RLock()
	entry, ok := r.commands[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: /%s", ErrUnknownCommand, name)
	}
	return entry.handler(ctx, strings.TrimSpace(args))
}

// Help returns one line per registered command, sorted by name.
func (r *Router) Help() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	slices.Sort(names)

	width := 0
	for _, n := range names {
		width = max(width, len(r.commands[n].usage))
	}
	lines := make([]string, 0, len(names))
	for _, n := range names {
		e := r.commands[n]
		lines = append(lines, fmt.Sprintf("  %-*s  %s", width, e.usage, e.help))
	}
	return lines
}
