// ABOUTME: CLI subcommands for conversation history management
// ABOUTME: Thin wrappers that parse arguments and call the conversation service

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-history/internal/conversation"
	"github.com/2389/coven-history/internal/store"
	"github.com/2389/coven-history/internal/transcript"
)

type commandFunc func(ctx context.Context, a *app, args []string) error

var commands = map[string]commandFunc{
	"migrate":       cmdMigrate,
	"new":           cmdNew,
	"rename":        cmdRename,
	"touch":         cmdTouch,
	"delete":        cmdDelete,
	"append":        cmdAppend,
	"conversations": cmdConversations,
	"messages":      cmdMessages,
	"usage":         cmdUsage,
	"export":        cmdExport,
	"purge":         cmdPurge,
}

// parseArgs splits args into positionals and --name flags. Flags listed in
// valueFlags consume the following argument; any other flag is boolean.
// Everything after a bare "--" is positional.
func parseArgs(args []string, valueFlags ...string) ([]string, map[string]string, error) {
	takesValue := make(map[string]bool, len(valueFlags))
	for _, f := range valueFlags {
		takesValue[f] = true
	}

	var positional []string
	flags := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "--") {
			positional = append(positional, arg)
			continue
		}

		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if takesValue[name] && !hasValue {
			if i+1 >= len(args) {
				return nil, nil, fmt.Errorf("flag --%s requires a value", name)
			}
			i++
			value = args[i]
		} else if !hasValue {
			value = "true"
		}
		flags[name] = value
	}
	return positional, flags, nil
}

func requireArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: coven-history %s", usage)
	}
	return nil
}

func cmdMigrate(ctx context.Context, a *app, args []string) error {
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	green.Fprint(a.out, "✓ ")
	fmt.Fprintf(a.out, "Schema ready ")
	gray.Fprintf(a.out, "(driver: %s)\n", a.cfg.Database.Driver)
	return nil
}

func cmdNew(ctx context.Context, a *app, args []string) error {
	if err := requireArgs(args, 1, "new <owner> [title]"); err != nil {
		return err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	var title *string
	if len(args) > 1 {
		t := strings.Join(args[1:], " ")
		title = &t
	}

	conv, err := a.svc.CreateConversation(ctx, args[0], title)
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Fprint(a.out, "✓ ")
	fmt.Fprintf(a.out, "Created conversation %s (%q)\n", conv.ID, conv.Title)
	return nil
}

func cmdRename(ctx context.Context, a *app, args []string) error {
	if err := requireArgs(args, 3, "rename <owner> <id> <title>"); err != nil {
		return err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	conv, err := a.svc.UpdateTitle(ctx, args[1], args[0], strings.Join(args[2:], " "))
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Fprint(a.out, "✓ ")
	fmt.Fprintf(a.out, "Renamed %s to %q\n", conv.ID, conv.Title)
	return nil
}

func cmdTouch(ctx context.Context, a *app, args []string) error {
	if err := requireArgs(args, 2, "touch <owner> <id>"); err != nil {
		return err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	conv, err := a.svc.TouchConversation(ctx, args[1], args[0])
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Fprint(a.out, "✓ ")
	fmt.Fprintf(a.out, "Touched %s at %s\n", conv.ID, conv.UpdatedAt.Format(time.RFC3339Nano))
	return nil
}

func cmdDelete(ctx context.Context, a *app, args []string) error {
	if err := requireArgs(args, 2, "delete <owner> <id>"); err != nil {
		return err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	if err := a.svc.DeleteConversation(ctx, args[1], args[0]); err != nil {
		return err
	}

	color.New(color.FgGreen).Fprint(a.out, "✓ ")
	fmt.Fprintf(a.out, "Deleted conversation %s\n", args[1])
	return nil
}

func cmdAppend(ctx context.Context, a *app, args []string) error {
	positional, flags, err := parseArgs(args, "model", "in", "out")
	if err != nil {
		return err
	}
	if err := requireArgs(positional, 4, "append <owner> <id> <role> [--model M] [--in N] [--out N] [--touch] [--] <content>"); err != nil {
		return err
	}

	req := conversation.AppendRequest{
		ConversationID: positional[1],
		Role:           store.Role(positional[2]),
		Content:        strings.Join(positional[3:], " "),
	}
	if m, ok := flags["model"]; ok {
		req.ModelUsed = &m
	}
	if req.TokensInput, err = parseTokens(flags, "in"); err != nil {
		return err
	}
	if req.TokensOutput, err = parseTokens(flags, "out"); err != nil {
		return err
	}

	ctx, cancel := a.opContext(ctx)
	defer cancel()

	owner := positional[0]
	msg, err := a.svc.AppendMessage(ctx, owner, req)
	if err != nil {
		return err
	}

	if flags["touch"] == "true" {
		if _, err := a.svc.TouchConversation(ctx, msg.ConversationID, owner); err != nil {
			return fmt.Errorf("message %s appended but touching conversation failed: %w", msg.ID, err)
		}
	}

	color.New(color.FgGreen).Fprint(a.out, "✓ ")
	fmt.Fprintf(a.out, "Appended %s message %s\n", msg.Role, msg.ID)
	return nil
}

func parseTokens(flags map[string]string, name string) (*int64, error) {
	raw, ok := flags[name]
	if !ok {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("--%s must be an integer: %w", name, err)
	}
	return &n, nil
}

func cmdConversations(ctx context.Context, a *app, args []string) error {
	if err := requireArgs(args, 1, "conversations <owner>"); err != nil {
		return err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	cyan := color.New(color.FgCyan)
	fmt.Fprintln(a.out)
	cyan.Fprintln(a.out, "  Conversations")
	cyan.Fprintln(a.out, "  -------------")

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tTITLE\tUPDATED\tCREATED")
	fmt.Fprintln(w, "  --\t-----\t-------\t-------")

	count := 0
	for conv, err := range a.svc.Conversations(ctx, args[0]) {
		if err != nil {
			return err
		}
		count++
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
			conv.ID,
			truncate(conv.Title, 40),
			conv.UpdatedAt.Local().Format("Jan 02 15:04:05"),
			conv.CreatedAt.Local().Format("Jan 02 15:04"),
		)
	}
	w.Flush()

	if count == 0 {
		fmt.Fprintln(a.out, "  (no conversations)")
	}
	fmt.Fprintln(a.out)
	return nil
}

func cmdMessages(ctx context.Context, a *app, args []string) error {
	if err := requireArgs(args, 2, "messages <owner> <id>"); err != nil {
		return err
	}
	ctx, cancel := a.opContext(ctx)
	defer cancel()

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tROLE\tMODEL\tTOKENS\tCONTENT")
	fmt.Fprintln(w, "  ----\t----\t-----\t------\t-------")

	count := 0
	for msg, err := range a.svc.Messages(ctx, args[1], args[0]) {
		if err != nil {
			return err
		}
		count++
		model := "-"
		if msg.ModelUsed != nil {
			model = *msg.ModelUsed
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			msg.Timestamp.Local().Format("Jan 02 15:04:05.000000"),
			msg.Role,
			model,
			formatTokens(msg),
			truncate(strings.ReplaceAll(msg.Content, "\n", " "), 60),
		)
	}
	w.Flush()

	if count == 0 {
		fmt.Fprintln(a.out, "  (no messages)")
	}
	return nil
}

func formatTokens(msg *store.Message) string {
	if msg.TokensInput == nil && msg.TokensOutput == nil {
		return "-"
	}
	in, out := "?", "?"
	if msg.TokensInput != nil {
		in = strconv.FormatInt(*msg.TokensInput, 10)
	}
	if msg.TokensOutput != nil {
		out = strconv.FormatInt(*msg.TokensOutput, 10)
	}
	return in + "/" + out
}

func cmdUsage(ctx context.Context, a *app, args []string) error {
	positional, flags, err := parseArgs(args, "conversation", "since", "until")
	if err != nil {
		return err
	}
	if err := requireArgs(positional, 1, "usage <owner> [--conversation ID] [--since T] [--until T]"); err != nil {
		return err
	}

	now := time.Now()
	opts := conversation.UsageOptions{ConversationID: flags["conversation"]}
	if opts.Since, err = parseTimeArg(flags["since"], now); err != nil {
		return fmt.Errorf("--since: %w", err)
	}
	if opts.Until, err = parseTimeArg(flags["until"], now); err != nil {
		return fmt.Errorf("--until: %w", err)
	}

	ctx, cancel := a.opContext(ctx)
	defer cancel()

	stats, err := a.svc.Usage(ctx, positional[0], opts)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Fprintln(a.out)
	cyan.Fprintln(a.out, "  Token Usage")
	cyan.Fprintln(a.out, "  -----------")
	fmt.Fprintf(a.out, "  Messages:      %d (%d with token counts)\n", stats.MessageCount, stats.TrackedCount)
	fmt.Fprintf(a.out, "  Input tokens:  %d\n", stats.TokensInput)
	fmt.Fprintf(a.out, "  Output tokens: %d\n", stats.TokensOutput)
	fmt.Fprintf(a.out, "  Total tokens:  %d\n", stats.TotalTokens())

	if len(stats.ByModel) > 0 {
		fmt.Fprintln(a.out)
		w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  MODEL\tMESSAGES\tINPUT\tOUTPUT")
		fmt.Fprintln(w, "  -----\t--------\t-----\t------")
		for _, m := range stats.ByModel {
			fmt.Fprintf(w, "  %s\t%d\t%d\t%d\n", m.Model, m.MessageCount, m.TokensInput, m.TokensOutput)
		}
		w.Flush()
	}
	fmt.Fprintln(a.out)
	return nil
}

// parseTimeArg accepts RFC3339 or a duration meaning "that long before now".
// An empty string yields the zero time.
func parseTimeArg(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor a duration", s)
	}
	return now.Add(-d), nil
}

func cmdExport(ctx context.Context, a *app, args []string) error {
	positional, flags, err := parseArgs(args, "format", "output")
	if err != nil {
		return err
	}
	if err := requireArgs(positional, 2, "export <owner> <id> [--format md|html] [--output FILE]"); err != nil {
		return err
	}
	owner, id := positional[0], positional[1]

	ctx, cancel := a.opContext(ctx)
	defer cancel()

	conv, err := a.svc.GetConversation(ctx, id, owner)
	if err != nil {
		return err
	}
	msgs, err := a.svc.ListMessages(ctx, id, owner)
	if err != nil {
		return err
	}

	var data []byte
	switch format := flags["format"]; format {
	case "", "md", "markdown":
		data = transcript.Markdown(conv, msgs)
	case "html":
		if data, err = transcript.HTML(conv, msgs); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown export format %q (want md or html)", format)
	}

	if out := flags["output"]; out != "" {
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return fmt.Errorf("writing transcript: %w", err)
		}
		a.logger.Info("transcript exported", "conversation_id", id, "path", out, "messages", len(msgs))
		return nil
	}

	_, err = a.out.Write(data)
	return err
}

func cmdPurge(ctx context.Context, a *app, args []string) error {
	positional, flags, err := parseArgs(args)
	if err != nil {
		return err
	}
	if err := requireArgs(positional, 1, "purge <owner> --yes"); err != nil {
		return err
	}
	if flags["yes"] != "true" {
		return fmt.Errorf("purge deletes every conversation of %s; re-run with --yes to confirm", positional[0])
	}

	ctx, cancel := a.opContext(ctx)
	defer cancel()

	res, err := a.svc.DeleteAccountData(ctx, positional[0])
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Fprint(a.out, "✓ ")
	fmt.Fprintf(a.out, "Deleted %d conversations and %d messages\n", res.Conversations, res.Messages)
	return nil
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
