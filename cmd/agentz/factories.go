package main

import (
	"fmt"
	"os"

	"github.com/agentz/agentz/internal/adapter"
	"github.com/agentz/agentz/internal/adapter/cli"
	"github.com/agentz/agentz/internal/adapter/sdkchat"
	"github.com/agentz/agentz/internal/adapter/sdkmcp"
	"github.com/agentz/agentz/internal/adapter/sdkmultimodal"
	"github.com/agentz/agentz/internal/logging"
	"github.com/agentz/agentz/internal/session"
)

// buildFactories wires one adapter.Factory per supported agent kind
// (spec §4.3). CLI factories resolve their binary from the PATH at
// spawn time (cli.Adapter does its own discovery on Run); SDK factories
// build an HTTP chat client from AGENTZ_SDK_ENDPOINT/AGENTZ_SDK_API_KEY,
// left empty to mean "no SDK backend configured" in which case those
// factories return a clear error rather than silently producing a
// client that will fail on first request.
func buildFactories(logger *logging.Logger) map[session.AgentKind]adapter.Factory {
	factories := map[session.AgentKind]adapter.Factory{
		session.AgentCLIClaude: func(sessionID, workingDir, model string) (adapter.Adapter, error) {
			return cli.New(cli.Config{
				Product:    cli.ProductClaude,
				Bin:        envOr("AGENTZ_CLAUDE_BIN", "claude"),
				WorkingDir: workingDir,
				Model:      model,
			}, logger), nil
		},
		session.AgentCLICodex: func(sessionID, workingDir, model string) (adapter.Adapter, error) {
			return cli.New(cli.Config{
				Product:    cli.ProductCodex,
				Bin:        envOr("AGENTZ_CODEX_BIN", "codex"),
				WorkingDir: workingDir,
				Model:      model,
				CodexHome:  os.Getenv("CODEX_HOME"),
			}, logger), nil
		},
		session.AgentCLIOpencode: func(sessionID, workingDir, model string) (adapter.Adapter, error) {
			return cli.New(cli.Config{
				Product:    cli.ProductOpencode,
				Bin:        envOr("AGENTZ_OPENCODE_BIN", "opencode"),
				WorkingDir: workingDir,
				Model:      model,
			}, logger), nil
		},
		session.AgentSDKChat: func(sessionID, workingDir, model string) (adapter.Adapter, error) {
			client, err := sdkChatClient()
			if err != nil {
				return nil, err
			}
			return sdkchat.New(sdkchat.Config{
				Client:     client,
				Model:      model,
				WorkingDir: workingDir,
				ModelLimit: 200_000,
			}, defaultSystemPrompt, logger), nil
		},
		session.AgentSDKMultimod: func(sessionID, workingDir, model string) (adapter.Adapter, error) {
			client, err := sdkChatClient()
			if err != nil {
				return nil, err
			}
			return sdkmultimodal.New(sdkchat.Config{
				Client:     client,
				Model:      model,
				WorkingDir: workingDir,
				ModelLimit: 200_000,
			}, defaultSystemPrompt, logger), nil
		},
		session.AgentSDKMCP: func(sessionID, workingDir, model string) (adapter.Adapter, error) {
			client, err := sdkChatClient()
			if err != nil {
				return nil, err
			}
			return sdkmcp.New(sdkmcp.Config{
				Client: client,
				Model:  model,
			}, defaultSystemPrompt, logger), nil
		},
	}
	return factories
}

const defaultSystemPrompt = "You are an autonomous coding agent working inside a git worktree. Use the tools available to you to complete the requested task."

func sdkChatClient() (sdkchat.ChatClient, error) {
	endpoint := os.Getenv("AGENTZ_SDK_ENDPOINT")
	if endpoint == "" {
		return nil, fmt.Errorf("factories: AGENTZ_SDK_ENDPOINT not set, SDK-backed agent kinds are unavailable")
	}
	return sdkchat.NewHTTPChatClient(endpoint, os.Getenv("AGENTZ_SDK_API_KEY")), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
