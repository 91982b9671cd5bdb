package agent

import (
	"context"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/cuemby/assettracker/pkg/events"
	"github.com/cuemby/assettracker/pkg/log"
	"github.com/cuemby/assettracker/pkg/types"
)

// Command response codes
const (
	StatusOK             = 200
	StatusUnknownCommand = 404
)

// OnCommand dispatches a direct method. It returns immediately; the work a
// command triggers runs in the background.
func (a *Agent) OnCommand(_ context.Context, req *types.CommandRequest) *types.CommandResponse {
	logger := log.WithComponent("commands")

	var resp *types.CommandResponse
	switch req.Name {
	case types.CommandReboot:
		logger.Info().Msg("Reboot requested")
		a.requestReboot()
		resp = &types.CommandResponse{Status: StatusOK}
	default:
		logger.Warn().Str("command", req.Name).Msg("Unknown command")
		body, _ := json.Marshal(map[string]string{"error": "unknown command " + req.Name})
		resp = &types.CommandResponse{Status: StatusUnknownCommand, Payload: body}
	}

	a.emit(events.EventCommandReceived, req.Name, map[string]string{
		"command": req.Name,
		"status":  strconv.Itoa(resp.Status),
	})
	return resp
}

// requestReboot starts a reboot cycle unless one is already running
func (a *Agent) requestReboot() {
	if !a.rebooting.CompareAndSwap(false, true) {
		logger := log.WithComponent("commands")
		logger.Info().Msg("Reboot already in progress")
		return
	}

	a.mu.RLock()
	ctx, stopped := a.runCtx, a.stopped
	a.mu.RUnlock()
	if ctx == nil || stopped {
		a.rebooting.Store(false)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.rebooting.Store(false)
		a.reboot(ctx)
	}()
}

// reboot closes the session, waits the mandatory delay and starts again
func (a *Agent) reboot(ctx context.Context) {
	logger := log.WithComponent("agent")
	a.emit(events.EventRebootStarted, "closing session", nil)

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	err := a.closeSession(closeCtx)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("Session did not close cleanly before reboot")
	}

	logger.Info().Dur("delay", a.opts.RebootDelay).Msg("Waiting before reconnecting")
	timer := time.NewTimer(a.opts.RebootDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		logger.Info().Msg("Reboot cancelled")
		return
	}

	if err := a.start(ctx); err != nil {
		// start has already raised the failure signal
		return
	}
	a.emit(events.EventRebootCompleted, "session re-established", nil)
	logger.Info().Msg("Reboot completed")
}
