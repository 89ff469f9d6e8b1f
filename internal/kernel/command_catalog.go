package kernel

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"forcesub-bot/pkg/forcesub"
)

// commandCatalog exposes registered slash commands through the service registry.
type commandCatalog struct {
	kernel *Kernel
}

// ListCommands returns all registered commands sorted by name.
func (c *commandCatalog) ListCommands(ctx context.Context) ([]forcesub.RegisteredCommand, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	if c == nil || c.kernel == nil {
		return nil, fmt.Errorf("list commands: nil catalog")
	}

	c.kernel.mu.RLock()
	commands := make([]forcesub.RegisteredCommand, 0)
	for _, name := range c.kernel.moduleOrder {
		record := c.kernel.modules[name]
		for _, command := range record.spec.Commands {
			commands = append(commands, forcesub.RegisteredCommand{
				ModuleName:  record.name,
				Name:        strings.ToLower(strings.TrimPrefix(command.Name, "/")),
				Description: command.Description,
			})
		}
	}
	c.kernel.mu.RUnlock()

	sort.SliceStable(commands, func(i, j int) bool {
		return commands[i].Name < commands[j].Name
	})

	return commands, nil
}

var _ forcesub.CommandCatalog = (*commandCatalog)(nil)
