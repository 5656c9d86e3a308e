package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jlia0/tinyclaw/internal/config"
	"github.com/jlia0/tinyclaw/pkg/protocol"
)

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the settings document",
	}
	c.AddCommand(configValidateCmd())
	c.AddCommand(configOnboardCmd())
	return c
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the settings document and report any problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if len(cfg.Agents) == 0 {
				return fmt.Errorf("%s: no agents configured; run `tinyclawd config onboard`", path)
			}
			if _, ok := cfg.Agents["default"]; !ok {
				fmt.Fprintln(os.Stderr, "warning: no \"default\" agent configured; router falls back to the first agent found")
			}
			for id, team := range cfg.Teams {
				if _, ok := cfg.Agents[team.LeaderAgent]; !ok {
					return fmt.Errorf("%s: team %q names unknown leader agent %q", path, id, team.LeaderAgent)
				}
			}
			if cfg.Memory.GateAgentID != "" {
				if _, ok := cfg.Agents[cfg.Memory.GateAgentID]; !ok {
					return fmt.Errorf("%s: memory.gate_agent_id names unknown agent %q", path, cfg.Memory.GateAgentID)
				}
			} else if cfg.Memory.GateMode == "rule_then_llm" {
				fmt.Fprintln(os.Stderr, "warning: memory.gate_mode is rule_then_llm but memory.gate_agent_id is unset; ambiguous messages will never escalate to an LLM")
			}
			fmt.Printf("%s: OK (%d agent(s), %d team(s))\n", path, len(cfg.Agents), len(cfg.Teams))
			return nil
		},
	}
}

func configOnboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactively create a new settings document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(resolveConfigPath())
		},
	}
}

func runOnboard(path string) error {
	cfg := config.Default()

	var (
		workspace    = cfg.Workspace.Path
		agentID      = "default"
		provider     = "anthropic"
		model        = "claude-sonnet-4-5"
		workingDir   string
		allowedList  string
		requireAllow = true
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Workspace path").Value(&workspace),
			huh.NewInput().Title("First agent ID").Value(&agentID),
			huh.NewSelect[string]().Title("Provider").
				Options(huh.NewOption("Anthropic (claude CLI)", "anthropic"), huh.NewOption("OpenAI (codex CLI)", "openai")).
				Value(&provider),
			huh.NewInput().Title("Model").Value(&model),
			huh.NewInput().Title("Agent working directory").Value(&workingDir),
		),
		huh.NewGroup(
			huh.NewConfirm().Title("Require an explicit sender allowlist?").Value(&requireAllow),
			huh.NewInput().
				Title("Allowed senders for channel \"cli\" (comma-separated, blank = allow all)").
				Value(&allowedList),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("onboarding cancelled: %w", err)
	}

	if workingDir == "" {
		workingDir = workspace
	}
	cfg.Workspace.Path = workspace
	cfg.Agents[agentID] = protocol.AgentConfig{
		ID: agentID, Name: agentID, Provider: provider, Model: model, WorkingDir: workingDir,
	}
	cfg.Security.RequireSenderAllowlist = requireAllow
	if allowedList != "" {
		var senders []string
		for _, s := range strings.Split(allowedList, ",") {
			if s = strings.TrimSpace(s); s != "" {
				senders = append(senders, s)
			}
		}
		cfg.Security.AllowedSenders["cli"] = senders
	}

	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	fmt.Printf("Settings written to %s\n", path)
	return nil
}
