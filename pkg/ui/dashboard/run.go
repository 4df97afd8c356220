package dashboard

import (
	"context"
	"errors"

	"binsys/pkg/bus"
	"binsys/pkg/coordinator"

	tea "github.com/charmbracelet/bubbletea"
)

// StatusFunc fetches the current system status snapshot.
type StatusFunc func(ctx context.Context) (coordinator.SystemStatus, error)

// Options configures the dashboard. Bus is optional; without it the event
// panel stays empty and only status polling runs.
type Options struct {
	Status StatusFunc
	Bus    *bus.Bus
}

// Run drives the dashboard until the user quits or ctx is canceled.
func Run(ctx context.Context, opts Options) error {
	if opts.Status == nil {
		return errors.New("status function is required")
	}

	model := newModel(ctx, opts.Status)
	program := tea.NewProgram(model, tea.WithContext(ctx))

	var subs []*bus.Subscription
	if opts.Bus != nil {
		forward := func(msg bus.Message) {
			program.Send(eventMsg{line: formatEvent(msg)})
		}
		for _, channel := range watchedChannels() {
			subs = append(subs, opts.Bus.Subscribe(channel, forward))
		}
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	_, err := program.Run()
	if err != nil && errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// watchedChannels lists the bus channels mirrored into the event panel.
func watchedChannels() []string {
	return []string{
		bus.ChannelModuleRegistered,
		bus.ChannelModuleReloaded,
		bus.ChannelModuleLoaded,
		bus.ChannelModuleUnloaded,
		bus.ChannelModuleLoadError,
		bus.ChannelModuleGroupLoaded,
		bus.ChannelSystemEvent,
		bus.ChannelSystemError,
		bus.ChannelSystemInitialized,
	}
}
