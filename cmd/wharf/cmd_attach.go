package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"wharf/pkg/protocol"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// detachKey is Ctrl-], the byte that ends an attach without killing the
// session.
const detachKey = 0x1d

// newAttachCmd creates the "wharf attach" subcommand: a raw-mode bridge
// between the local terminal and a session's pty.
func newAttachCmd() *cobra.Command {
	var autoApprove bool
	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach the terminal to a session",
		Long:  "Attaches the current terminal to a session's pty. Buffered scrollback\nis replayed first, then the live stream. Detach with Ctrl-].",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isatty.IsTerminal(os.Stdin.Fd()) || !isatty.IsTerminal(os.Stdout.Fd()) {
				return fmt.Errorf("attach needs an interactive terminal")
			}
			return runAttach(args[0], autoApprove)
		},
	}
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "automatically answer agent confirmation prompts")
	return cmd
}

func runAttach(sessionID string, autoApprove bool) error {
	c, err := dialDaemon()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	stdinFd := int(os.Stdin.Fd())
	cols, rows, err := term.GetSize(stdinFd)
	if err != nil {
		return fmt.Errorf("get terminal size: %w", err)
	}

	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	defer func() { _ = term.Restore(stdinFd, oldState) }()

	err = c.send(protocol.Frame{
		Type:   protocol.FrameAttach,
		Attach: &protocol.AttachPayload{SessionID: sessionID, Cols: cols, Rows: rows},
	})
	if err != nil {
		return fmt.Errorf("send attach: %w", err)
	}
	if autoApprove {
		_ = c.send(protocol.Frame{
			Type:        protocol.FrameAutoApprove,
			AutoApprove: &protocol.AutoApprovePayload{SessionID: sessionID, Enabled: true},
		})
	}

	// Window size changes propagate to the remote pty.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if w, h, err := term.GetSize(stdinFd); err == nil {
				_ = c.send(protocol.Frame{
					Type:   protocol.FrameResize,
					Resize: &protocol.ResizePayload{SessionID: sessionID, Cols: w, Rows: h},
				})
			}
		}
	}()

	// Keystrokes to the daemon until the detach key.
	detached := make(chan struct{})
	go func() {
		defer close(detached)
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				for _, b := range chunk {
					if b == detachKey {
						return
					}
				}
				data := make([]byte, n)
				copy(data, chunk)
				err := c.send(protocol.Frame{
					Type:  protocol.FrameInput,
					Input: &protocol.InputPayload{SessionID: sessionID, Data: data},
				})
				if err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Stream frames to the terminal until detach or session end.
	frames := make(chan protocol.Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			var f protocol.Frame
			if err := c.dec.Decode(&f); err != nil {
				readErr <- err
				return
			}
			frames <- f
		}
	}()

	for {
		select {
		case <-detached:
			return nil
		case err := <-readErr:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		case f := <-frames:
			switch f.Type {
			case protocol.FrameOutput:
				_, _ = os.Stdout.Write(f.Output.Data)
			case protocol.FrameSessionStatus:
				if f.SessionStatus.Status.Terminal() {
					_ = term.Restore(stdinFd, oldState)
					fmt.Printf("\nsession %s: %s\n", shortID(sessionID), f.SessionStatus.Status)
					return nil
				}
			case protocol.FrameError:
				if !f.Error.Recoverable {
					_ = term.Restore(stdinFd, oldState)
					return fmt.Errorf("%s", f.Error.Message)
				}
			default:
				// Structured frames the dashboard cares about; a raw
				// terminal has nowhere to put them.
			}
		}
	}
}
