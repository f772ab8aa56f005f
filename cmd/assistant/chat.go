package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/assistant/internal/model/chat"
	"github.com/zhouzirui/z-tavern/assistant/internal/service/attachment"
	chatService "github.com/zhouzirui/z-tavern/assistant/internal/service/chat"
)

const chatHelp = `commands:
  /new [id]        start a new session, or load an existing one
  /attach <path>   attach a file to the next message
  /files           list pending attachments
  /system <text>   set the system message
  /quit            exit`

func newChatCommand(opts *rootOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive terminal chat",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			e, err := buildEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer e.shutdown(context.WithoutCancel(ctx))

			r := &repl{
				manager: e.manager,
				out:     cmd.OutOrStdout(),
			}
			unsubscribe := e.manager.Subscribe(r.render)
			defer unsubscribe()

			if err := r.start(ctx, sessionID); err != nil {
				return err
			}
			return r.run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "load an existing session")
	return cmd
}

// repl prints assistant tokens as they arrive.
type repl struct {
	manager *chatService.Manager
	out     io.Writer

	mu      sync.Mutex
	turn    int
	printed int
}

func (r *repl) start(ctx context.Context, id string) error {
	session, err := r.manager.Start(ctx, id)
	if errors.Is(err, chatService.ErrSuperseded) {
		return err
	}
	if err != nil {
		fmt.Fprintf(r.out, "! history unavailable: %v\n", err)
	}

	snap := r.manager.Snapshot()
	r.mu.Lock()
	r.turn, r.printed = len(snap.Messages), 0
	r.mu.Unlock()

	fmt.Fprintf(r.out, "session %s\n", session.ID)
	for _, msg := range snap.Messages {
		fmt.Fprintf(r.out, "%s> %s\n", msg.Role, msg.Content)
	}
	return nil
}

func (r *repl) render(s chat.Snapshot) {
	if s.State != chat.StateSubmitting || len(s.Messages) == 0 {
		return
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Role != chat.RoleAssistant {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(s.Messages) != r.turn {
		r.turn, r.printed = len(s.Messages), 0
		fmt.Fprint(r.out, "assistant> ")
	}
	if len(last.Content) > r.printed {
		fmt.Fprint(r.out, last.Content[r.printed:])
		r.printed = len(last.Content)
	}
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(r.out, chatHelp)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "you> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		quit, err := r.handle(ctx, line)
		if err != nil {
			fmt.Fprintf(r.out, "! %v\n", err)
		}
		if quit || ctx.Err() != nil {
			return nil
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, r.submit(ctx, line)
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		return false, r.start(ctx, arg)
	case "/attach":
		return false, r.attach(arg)
	case "/files":
		for _, up := range r.manager.Tracker().List() {
			fmt.Fprintf(r.out, "  %s (%d bytes) %s\n", up.FileName, up.Size, up.Status)
		}
		return false, nil
	case "/system":
		opts := r.manager.Options()
		opts.SystemMessage = arg
		r.manager.SetOptions(opts)
		return false, nil
	default:
		fmt.Fprintln(r.out, chatHelp)
		return false, nil
	}
}

func (r *repl) submit(ctx context.Context, text string) error {
	turn, err := r.manager.Submit(ctx, text)
	if err != nil {
		return err
	}
	err = turn.Wait(ctx)
	fmt.Fprintln(r.out)
	return err
}

func (r *repl) attach(path string) error {
	if path == "" {
		return errors.New("usage: /attach <path>")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read attachment")
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if err := r.manager.Tracker().Add(attachment.NewFile(filepath.Base(path), contentType, data)); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "attached %s\n", filepath.Base(path))
	return nil
}
