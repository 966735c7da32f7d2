package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/RichardoC/deepchat/internal/chat"
	"github.com/RichardoC/deepchat/internal/db"
	"github.com/RichardoC/deepchat/internal/llm"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	chatThread string
	chatModel  string
	chatSystem string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start a conversational session. Replies stream in as they are
generated; press Ctrl-C to stop a reply early.

Commands inside the session:
  /model NAME     switch model for later messages
  /system TEXT    set the thread's system prompt
  exit            leave the session`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		return runChat(cmd, a, os.Stdin, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatThread, "thread", "", "Continue an existing thread")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model for new threads")
	chatCmd.Flags().StringVar(&chatSystem, "system", "", "System prompt for the thread")
}

func runChat(cmd *cobra.Command, a *app, in io.Reader, out, errOut io.Writer) error {
	ctx := cmd.Context()
	cyan := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	threadID := chatThread
	model := chatModel
	var controller *chat.Controller
	release := func() {}
	defer func() { release() }()
	if threadID != "" {
		c, done, err := a.manager.Acquire(ctx, a.cfg.UserID, threadID)
		if err != nil {
			return fmt.Errorf("failed to open thread %s: %w", threadID, err)
		}
		controller, release = c, done
		if model != "" {
			if err := controller.SetModel(ctx, model); err != nil {
				return err
			}
		}
		if chatSystem != "" {
			if err := controller.SetSystemPrompt(ctx, chatSystem); err != nil {
				return err
			}
		}
	}

	fmt.Fprintln(errOut)
	cyan.Fprintln(errOut, "  deepchat")
	dim.Fprintf(errOut, "  Type 'exit' to quit. Ctrl-C stops a reply.\n\n")

	scanner := bufio.NewScanner(in)
	for {
		green.Fprint(errOut, "  you → ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			return nil
		case strings.HasPrefix(input, "/model "):
			model = strings.TrimSpace(strings.TrimPrefix(input, "/model "))
			if controller != nil {
				if err := controller.SetModel(ctx, model); err != nil {
					red.Fprintf(errOut, "  Error: %v\n\n", err)
					continue
				}
			}
			dim.Fprintf(errOut, "  model set to %s\n\n", model)
			continue
		case strings.HasPrefix(input, "/system "):
			chatSystem = strings.TrimSpace(strings.TrimPrefix(input, "/system "))
			if controller != nil {
				if err := controller.SetSystemPrompt(ctx, chatSystem); err != nil {
					red.Fprintf(errOut, "  Error: %v\n\n", err)
					continue
				}
			}
			dim.Fprintf(errOut, "  system prompt updated\n\n")
			continue
		}

		if controller == nil && chatSystem != "" {
			c, done, err := startThread(cmd, a, model, input)
			if err != nil {
				red.Fprintf(errOut, "  Error: %v\n\n", describe(err))
				continue
			}
			controller, release, threadID = c, done, c.ThreadID()
		}

		c, err := sendTurn(cmd, a, threadID, model, input, out, errOut)
		if c != nil && controller == nil {
			threadID = c.ThreadID()
			if held, done, err := a.manager.Acquire(ctx, a.cfg.UserID, threadID); err == nil {
				controller, release = held, done
			}
		}
		if err != nil {
			red.Fprintf(errOut, "  Error: %v\n\n", describe(err))
		}
	}
	return scanner.Err()
}

// startThread creates a thread carrying the system prompt before its first
// message is sent.
func startThread(cmd *cobra.Command, a *app, model, firstMessage string) (*chat.Controller, func(), error) {
	ctx := cmd.Context()
	if err := llm.ValidateCredential(a.cfg.APIKey); err != nil {
		return nil, nil, err
	}
	thread, err := a.manager.StartThread(ctx, a.cfg.UserID, model, a.cfg.APIKey, firstMessage)
	if err != nil {
		return nil, nil, err
	}
	c, done, err := a.manager.Acquire(ctx, a.cfg.UserID, thread.ID)
	if err != nil {
		return nil, nil, err
	}
	if err := c.SetSystemPrompt(ctx, chatSystem); err != nil {
		done()
		return nil, nil, err
	}
	return c, done, nil
}

// sendTurn sends input and renders the reply until the turn ends. Ctrl-C
// while the reply streams stops it.
func sendTurn(cmd *cobra.Command, a *app, threadID, model, input string, out, errOut io.Writer) (*chat.Controller, error) {
	ctx := cmd.Context()
	controller, turn, err := a.manager.Send(ctx, a.cfg.UserID, threadID, model, a.cfg.APIKey, input)
	if err != nil {
		return controller, err
	}

	// The first message creates the thread, so the renderer can only attach
	// once Send has returned. It catches up from the current view.
	r := newRenderer(out, "  ", newSpinner(errOut, "Thinking..."))
	r.update(controller.Session().Snapshot())
	remove := controller.Session().OnChange(r.update)
	defer remove()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	for {
		select {
		case <-interrupts:
			controller.Stop()
		case <-ctx.Done():
			controller.Stop()
			<-turn.Done()
			r.finish(turn.Content())
			return controller, ctx.Err()
		case <-turn.Done():
			r.finish(turn.Content())
			return controller, turn.Err()
		}
	}
}

func describe(err error) error {
	switch {
	case errors.Is(err, db.ErrQuotaExceeded):
		return errors.New("storage quota exceeded; the last reply was not saved")
	case chat.IsInputError(err):
		return fmt.Errorf("%w (set api_key in the config file or DEEPCHAT_API_KEY)", err)
	}
	return err
}
