package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/delivery"
	"github.com/tokligence/tokligence-chatstream/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(ctx, os.Args[2:], os.Stdout)
	case "tail":
		err = runTail(ctx, os.Args[2:], os.Stdout)
	case "get":
		err = runGet(ctx, os.Args[2:], os.Stdout)
	case "cancel":
		err = runCancel(ctx, os.Args[2:], os.Stdout)
	case "version", "--version":
		fmt.Println(version.FullInfo())
		return
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return
	default:
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("chatstream %s: %v", os.Args[1], err)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Tokligence ChatStream CLI

Usage:
  chatstream send [flags] <text>     Submit a user turn and stream the reply
  chatstream tail [flags] <message>  Attach to a message stream, resuming on drops
  chatstream get [flags] <message>   Print the current message state
  chatstream cancel [flags] <message>
  chatstream version

Common flags:
  --server string         chatstreamd base URL (default $CHATSTREAM_SERVER or http://localhost:8081)
  --tenant string         tenant id (default $CHATSTREAM_TENANT or 'default')

Flags for send:
  --conversation string   conversation id (default: a new one)
  --model string          model name
  --key string            idempotency key (default: random)
  --detach                print the intake result without streaming

Flags for tail:
  --from int              resume after this event id
  --json                  print raw events instead of text
`)
}

type commonFlags struct {
	server string
	tenant string
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.server, "server", envOr("CHATSTREAM_SERVER", "http://localhost:8081"), "chatstreamd base URL")
	fs.StringVar(&c.tenant, "tenant", envOr("CHATSTREAM_TENANT", "default"), "tenant id")
	return c
}

func (c *commonFlags) client() *client { return newClient(c.server, c.tenant) }

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func runSend(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	common := bindCommon(fs)
	conversation := fs.String("conversation", "", "conversation id")
	model := fs.String("model", "", "model name")
	key := fs.String("key", "", "idempotency key")
	detach := fs.Bool("detach", false, "do not stream the reply")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return errors.New("message text is required")
	}
	if *conversation == "" {
		*conversation = "conv_" + uuid.NewString()
	}
	if *key == "" {
		*key = uuid.NewString()
	}

	c := common.client()
	res, err := c.submit(ctx, submitRequest{ConversationID: *conversation, Content: text, Model: *model, IdempotencyKey: *key})
	if err != nil {
		return err
	}
	if *detach {
		return printJSON(out, res)
	}
	fmt.Fprintf(os.Stderr, "conversation=%s message=%s\n", *conversation, res.MessageID)
	return follow(ctx, c, res.MessageID, nil, false, out)
}

func runTail(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	common := bindCommon(fs)
	from := fs.String("from", "", "resume after this event id")
	raw := fs.Bool("json", false, "print raw events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := messageArg(fs)
	if err != nil {
		return err
	}
	cursor, err := delivery.ParseCursor(*from)
	if err != nil {
		return err
	}
	return follow(ctx, common.client(), id, cursor, *raw, out)
}

func runGet(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	common := bindCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := messageArg(fs)
	if err != nil {
		return err
	}
	m, err := common.client().get(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(out, m)
}

func runCancel(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	common := bindCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := messageArg(fs)
	if err != nil {
		return err
	}
	m, err := common.client().cancel(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(out, m)
}

func messageArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", errors.New("exactly one message id is required")
	}
	return fs.Arg(0), nil
}

// follow prints a message stream. Text mode writes deltas as they arrive and
// reports tool calls and the outcome on stderr.
func follow(ctx context.Context, c *client, id string, cursor *int64, raw bool, out io.Writer) error {
	enc := json.NewEncoder(out)
	terminal, err := c.tail(ctx, id, cursor, func(ev chat.Event) {
		if raw {
			_ = enc.Encode(ev)
			return
		}
		switch ev.Type {
		case chat.EventTokenDelta:
			fmt.Fprint(out, ev.Delta)
		case chat.EventMessageSnapshot:
			fmt.Fprint(out, ev.Content)
		case chat.EventToolCallStarted, chat.EventToolCallCompleted:
			if ev.Tool != nil {
				fmt.Fprintf(os.Stderr, "\n[%s %s]\n", ev.Type, ev.Tool.Name)
			}
		}
	})
	if err != nil {
		return err
	}
	if raw {
		return nil
	}
	fmt.Fprintln(out)
	if terminal.Type == chat.EventMessageError {
		return chat.Errorf(terminal.ErrorKind, "message %s ended %s", id, terminal.Status)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
