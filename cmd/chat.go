package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"sonar-relay/internal/catalog"
	"sonar-relay/internal/consumer"
)

const chatUsage = `Usage:
  sonar-relay chat [--url <gateway>] [--model <id>] [--no-stream] <query...>

Flags:
  --url    string   Gateway base URL (default http://127.0.0.1:8080)
  --model  string   Model identifier (default ` + catalog.DefaultModel + `)
  --no-stream       Wait for the complete answer instead of streaming`

func chat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, chatUsage)
	}

	var gatewayURL, model string
	var noStream bool
	fs.StringVar(&gatewayURL, "url", "http://127.0.0.1:8080", "gateway base URL")
	fs.StringVar(&model, "model", catalog.DefaultModel, "model identifier")
	fs.BoolVar(&noStream, "no-stream", false, "disable streaming")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse chat flags: %w", err)
	}

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return errors.New("chat command requires a query")
	}

	session := consumer.NewSession(gatewayURL)

	if noStream {
		msg, err := session.AskOnce(ctx, model, query, nil)
		if err != nil {
			return err
		}
		printMessage(msg)
		return nil
	}

	// Print deltas as the transcript grows; printed counts the visible
	// content already echoed so each update emits only the new suffix.
	printed := 0
	msg, err := session.Ask(ctx, model, query, nil, func(m *consumer.Message) {
		if len(m.Content) > printed {
			fmt.Print(m.Content[printed:])
			printed = len(m.Content)
		}
	})
	if err != nil {
		return err
	}
	fmt.Println()
	printTrailer(msg)
	return nil
}

func printMessage(msg *consumer.Message) {
	for _, block := range msg.Thinking {
		fmt.Printf("[thinking] %s\n\n", block)
	}
	fmt.Println(msg.Content)
	printTrailer(msg)
}

func printTrailer(msg *consumer.Message) {
	if msg.FailureReason != "" {
		fmt.Fprintf(os.Stderr, "exchange failed: %s\n", msg.FailureReason)
	}
	if len(msg.Sources) > 0 {
		fmt.Println("\nSources:")
		for i, src := range msg.Sources {
			fmt.Printf("  [%d] %s\n", i+1, src)
		}
	}
}
