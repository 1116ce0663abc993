package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/openrack/metalagent/pkg/agent"
	"github.com/openrack/metalagent/pkg/hardware"
	"github.com/openrack/metalagent/pkg/protocol"
)

// Channel serves the line-delimited JSON control protocol on a Unix
// socket. It exists for controllers driving the agent over a forwarded
// serial console or from a provisioning shim that cannot speak HTTP.
type Channel struct {
	core     *agent.Core
	path     string
	logger   zerolog.Logger
	listener net.Listener
	commands atomic.Int64
}

// NewChannel creates a control channel bound to the socket path.
func NewChannel(core *agent.Core, path string, logger zerolog.Logger) *Channel {
	return &Channel{
		core:   core,
		path:   path,
		logger: logger.With().Str("component", "control-channel").Logger(),
	}
}

// ListenAndServe accepts connections until the context is cancelled.
func (c *Channel) ListenAndServe(ctx context.Context) error {
	// A previous ramdisk run may have left a stale socket behind.
	_ = os.Remove(c.path)

	listener, err := net.Listen("unix", c.path)
	if err != nil {
		return err
	}
	c.listener = listener
	c.logger.Info().Str("socket", c.path).Msg("Control channel listening")

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go c.serve(ctx, conn)
	}
}

func (c *Channel) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	enc := protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)

	status := c.core.Status()
	if err := enc.EncodeHello(&protocol.HelloMessage{
		AgentVersion: status.Version,
		Hostname:     status.Hostname,
		PID:          os.Getpid(),
		Providers:    status.Providers,
	}); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to greet control connection")
		return
	}

	for {
		cmd, err := dec.DecodeCommand()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn().Err(err).Msg("Control channel framing error, closing")
				_ = enc.EncodeError(&protocol.ErrorMessage{
					Code:    hardware.CodeInvalidStep,
					Message: err.Error(),
				})
			}
			_ = enc.EncodeBye(&protocol.ByeMessage{
				Reason:        "connection closed",
				CommandsTotal: int(c.commands.Load()),
			})
			return
		}
		c.handleCommand(ctx, enc, cmd)
	}
}

func (c *Channel) handleCommand(ctx context.Context, enc *protocol.Encoder, cmd *protocol.CommandMessage) {
	c.commands.Add(1)

	var params hardware.Params
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			_ = enc.EncodeError(&protocol.ErrorMessage{
				RequestID: cmd.ID,
				Code:      hardware.CodeInvalidStep,
				Message:   "malformed params: " + err.Error(),
			})
			return
		}
	}

	submit := c.core.SubmitCommand
	if cmd.Wait {
		submit = c.core.WaitCommand
	}
	view, err := submit(ctx, cmd.Name, params)
	if err != nil {
		_ = enc.EncodeError(&protocol.ErrorMessage{
			RequestID: cmd.ID,
			Code:      hardware.CodeOf(err),
			Message:   err.Error(),
			Retryable: hardware.IsAgentBusy(err),
		})
		return
	}

	result := &protocol.ResultMessage{
		RequestID:    cmd.ID,
		CommandID:    view.ID,
		Status:       string(view.Status),
		ErrorCode:    view.ErrorCode,
		ErrorMessage: view.ErrorMessage,
	}
	if view.CompletedAt != nil {
		result.Duration = view.CompletedAt.Sub(view.StartedAt).Seconds()
	}
	if view.Result != nil {
		if raw, err := json.Marshal(view.Result); err == nil {
			result.Result = raw
		}
	}
	if err := enc.EncodeResult(result); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to write command result")
	}
}
