// Command ailoy-demo wires a Runtime, defines one agent against the
// configured provider, registers the built-in example tools, and answers each
// line read from stdin as one query — the smallest program that exercises spec.md §6's
// public API surface (new_runtime → define_agent → agent.query → runtime.stop).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"

	"ailoy/internal/agent"
	"ailoy/internal/config"
	"ailoy/internal/llm"
	"ailoy/internal/runtime"
	"ailoy/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	systemPrompt := flag.String("system", "You are a concise, helpful assistant.", "system prompt for the agent")
	showVersion := flag.Bool("version", false, "print the build version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Version)
		return
	}

	if err := run(*configPath, *systemPrompt); err != nil {
		fmt.Fprintln(os.Stderr, "ailoy-demo:", err)
		os.Exit(1)
	}
}

func run(configPath, systemPrompt string) error {
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	defer rt.Stop(ctx)

	a, err := rt.DefineAgent(systemPrompt)
	if err != nil {
		return fmt.Errorf("define agent: %w", err)
	}
	defer a.Delete()

	agent.RegisterBuiltinTools(a, nil)

	fmt.Println("ailoy-demo ready. Type a message and press enter (Ctrl-D to quit).")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := ask(ctx, a, line); err != nil {
			fmt.Fprintln(os.Stderr, "query failed:", err)
		}
	}
	return scanner.Err()
}

func ask(ctx context.Context, a *agent.Agent, text string) error {
	deltas, err := a.Query(ctx, []llm.Part{llm.TextPart(text)})
	if err != nil {
		return err
	}
	for d := range deltas {
		switch {
		case d.Err != nil:
			return d.Err
		case d.ReasoningDelta != "":
			// Reasoning is shown dimmed in a real UI; the demo just skips it.
		case d.ContentDelta != "":
			fmt.Print(d.ContentDelta)
		}
	}
	fmt.Println()
	return nil
}
