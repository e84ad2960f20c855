// Copyright 2025 Hanibal Sk
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command orchestrate runs the agent orchestrator and its operator CLI.
//
// Usage:
//
//	orchestrate serve --config config.yaml
//	orchestrate agent list
//	orchestrate queue enqueue --workspace-id <id> --title "Add X"
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/hanibalsk/orchestrate/pkg/config"
	"github.com/hanibalsk/orchestrate/pkg/runtime"
)

var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	Server string `help:"Control server URL." env:"ORCHESTRATE_SERVER"`
	Token  string `help:"Control surface bearer token." env:"ORCHESTRATE_TOKEN"`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
	LogFile   string `help:"Write logs to a file instead of stderr."`

	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Run the orchestrator."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Agent     AgentCmd     `cmd:"" help:"Inspect and control agents."`
	Workspace WorkspaceCmd `cmd:"" help:"Manage workspaces."`
	Queue     QueueCmd     `cmd:"" help:"View and mutate the review queue."`
	PR        PRCmd        `cmd:"" help:"Inspect and control the active PR."`
	Schedule  ScheduleCmd  `cmd:"" help:"List and trigger schedules."`
}

type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	fmt.Printf("orchestrate %s\n", version)
	return nil
}

type ServeCmd struct {
	Config string `help:"Configuration file." default:"orchestrate.yaml" type:"path"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return operatorErrorf("%v", err)
	}

	orch, err := runtime.New(cfg)
	if err != nil {
		return infraErrorf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return infraErrorf("%v", err)
	}
	return nil
}

type ValidateCmd struct {
	Config string `arg:"" help:"Configuration file." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := config.Load(c.Config); err != nil {
		return operatorErrorf("%v", err)
	}
	fmt.Println("configuration is valid")
	return nil
}

// --- agent commands ---

type AgentCmd struct {
	List      AgentListCmd      `cmd:"" help:"List agents."`
	Spawn     AgentSpawnCmd     `cmd:"" help:"Spawn a new agent."`
	Get       AgentGetCmd       `cmd:"" help:"Show one agent."`
	Pause     AgentPauseCmd     `cmd:"" help:"Pause an agent."`
	Resume    AgentResumeCmd    `cmd:"" help:"Resume a paused agent."`
	Terminate AgentTerminateCmd `cmd:"" help:"Force-stop an agent."`
	Input     AgentInputCmd     `cmd:"" help:"Reply to an agent waiting for input."`
}

type AgentListCmd struct {
	Kind  string `help:"Filter by kind."`
	State string `help:"Filter by state."`
}

func (c *AgentListCmd) Run(cli *CLI) error {
	path := "/agents"
	sep := "?"
	if c.Kind != "" {
		path += sep + "kind=" + c.Kind
		sep = "&"
	}
	if c.State != "" {
		path += sep + "state=" + c.State
	}
	return newControlClient(cli.Server, cli.Token).do("GET", path, nil)
}

type AgentSpawnCmd struct {
	Kind        string `arg:"" help:"Agent kind."`
	Task        string `help:"Task text." required:""`
	WorkspaceID string `help:"Workspace to attach."`
	Parent      string `help:"Parent agent id."`
	Fork        bool   `help:"Fork the parent's session."`
}

func (c *AgentSpawnCmd) Run(cli *CLI) error {
	return newControlClient(cli.Server, cli.Token).do("POST", "/agents", map[string]interface{}{
		"kind":            c.Kind,
		"task":            c.Task,
		"workspace_id":    c.WorkspaceID,
		"parent_agent_id": c.Parent,
		"fork_session":    c.Fork,
	})
}

type AgentGetCmd struct {
	ID string `arg:"" help:"Agent id."`
}

func (c *AgentGetCmd) Run(cli *CLI) error {
	return newControlClient(cli.Server, cli.Token).do("GET", "/agents/"+c.ID, nil)
}

type AgentPauseCmd struct {
	ID string `arg:"" help:"Agent id."`
}

func (c *AgentPauseCmd) Run(cli *CLI) error {
	return newControlClient(cli.Server, cli.Token).do("POST", "/agents/"+c.ID+"/pause", nil)
}

type AgentResumeCmd struct {
	ID string `arg:"" help:"Agent id."`
}

func (c *AgentResumeCmd) Run(cli *CLI) error {
	return newControlClient(cli.Server, cli.Token).do("POST", "/agents/"+c.ID+"/resume", nil)
}

type AgentTerminateCmd struct {
	ID string `arg:"" help:"Agent id."`
}

func (c *AgentTerminateCmd) Run(cli *CLI) error {
	return newControlClient(cli.Server, cli.Token).do("POST", "/agents/"+c.ID+"/terminate", nil)
}

type AgentInputCmd struct {
	ID   string `arg:"" help:"Agent id."`
	Text string `arg:"" help:"Reply text."`
}

func (c *AgentInputCmd) Run(cli *CLI) error {
	return newControlClient(cli.Server, cli.Token).do("POST", "/agents/"+c.ID+"/input",
		map[string]string{"text": c.Text})
}

// --- workspace commands ---

type WorkspaceCmd struct {
	Create WorkspaceCreateCmd `cmd:"" help:"Create a workspace."`
	List   WorkspaceListCmd   `cmd:"" help:"List workspaces."`
	Remove WorkspaceRemoveCmd `cmd:"" help:"Remove a workspace."`
}

type WorkspaceCreateCmd struct {
	Name       string `arg:"" help:"Workspace name."`
	BaseBranch string `help:"Base branch to fork from."`
}

func (c *WorkspaceCreateCmd) Run(cli *CLI) error {
	return newControlClient(cli.Server, cli.Token).do("POST", "/workspaces", map[string]string{
		"name":        c.Name,
		"base_branch": c.BaseBranch,
	})
}

type WorkspaceListCmd struct {
	Status string `help:"Filter by status (active, stale, removed)."`
}

func (c *WorkspaceListCmd) Run(cli *CLI) error {
	path := "/workspaces"
	if c.Status != "" {
		path += "?status=" + c.Status
	}
	return newControlClient(cli.Server, cli.Token).do("GET", path, nil)
}

type WorkspaceRemoveCmd struct {
	Name  string `arg:"" help:"Workspace name."`
	Force bool   `help:"Remove even with local modifications."`
}

func (c *WorkspaceRemoveCmd) Run(cli *CLI) error {
	path := "/workspaces/" + c.Name
	if c.Force {
		path += "?force=true"
	}
	return newControlClient(cli.Server, cli.Token).do("DELETE", path, nil)
}

// --- queue commands ---

type QueueCmd struct {
	List    QueueListCmd    `cmd:"" help:"Show the review queue."`
	Enqueue QueueEnqueueCmd `cmd:"" help:"Enqueue a finished workspace."`
	Promote QueuePromoteCmd `cmd:"" help:"Promote the queue head."`
}

type QueueListCmd struct{}

func (c *QueueListCmd) Run(cli *CLI) error {
	return newControlClient(cli.Server, cli.Token).do("GET", "/queue", nil)
}

type QueueEnqueueCmd struct {
	WorkspaceID string `help:"Workspace id." required:""`
	Title       string `help:"Proposed PR title." required:""`
	Epic        string `help:"Optional epic id."`
}

func (c *QueueEnqueueCmd) Run(cli *CLI) error {
	return newControlClient(cli.Server, cli.Token).do("POST", "/queue", map[string]string{
		"workspace_id": c.WorkspaceID,
		"title":        c.Title,
		"epic_id":      c.Epic,
	})
}

type QueuePromoteCmd struct{}

func (c *QueuePromoteCmd) Run(cli *CLI) error {
	return newControlClient(cli.Server, cli.Token).do("POST", "/queue/promote", nil)
}

// --- PR commands ---

type PRCmd struct {
	Show  PRShowCmd  `cmd:"" help:"Show the active PR."`
	Set   PRSetCmd   `cmd:"" help:"Force-set the active PR."`
	Close PRCloseCmd `cmd:"" help:"Close the active PR."`
}

type PRShowCmd struct{}

func (c *PRShowCmd) Run(cli *CLI) error {
	return newControlClient(cli.Server, cli.Token).do("GET", "/pr", nil)
}

type PRSetCmd struct {
	Number      int    `arg:"" help:"Pull request number."`
	WorkspaceID string `help:"Workspace id." required:""`
}

func (c *PRSetCmd) Run(cli *CLI) error {
	return newControlClient(cli.Server, cli.Token).do("POST", "/pr", map[string]interface{}{
		"pr_number":    c.Number,
		"workspace_id": c.WorkspaceID,
	})
}

type PRCloseCmd struct{}

func (c *PRCloseCmd) Run(cli *CLI) error {
	return newControlClient(cli.Server, cli.Token).do("POST", "/pr/close", nil)
}

// --- schedule commands ---

type ScheduleCmd struct {
	List ScheduleListCmd `cmd:"" help:"List schedules."`
	Add  ScheduleAddCmd  `cmd:"" help:"Create or update a schedule."`
	Run  ScheduleRunCmd  `cmd:"" help:"Fire a schedule now."`
}

type ScheduleListCmd struct{}

func (c *ScheduleListCmd) Run(cli *CLI) error {
	return newControlClient(cli.Server, cli.Token).do("GET", "/schedules", nil)
}

type ScheduleAddCmd struct {
	Name     string `arg:"" help:"Schedule name."`
	Cron     string `help:"Cron expression." required:""`
	Kind     string `help:"Agent kind." required:""`
	Task     string `help:"Task template." required:""`
	Disabled bool   `help:"Create disabled."`
}

func (c *ScheduleAddCmd) Run(cli *CLI) error {
	enabled := !c.Disabled
	return newControlClient(cli.Server, cli.Token).do("POST", "/schedules", map[string]interface{}{
		"name":          c.Name,
		"cron":          c.Cron,
		"agent_kind":    c.Kind,
		"task_template": c.Task,
		"enabled":       enabled,
	})
}

type ScheduleRunCmd struct {
	Name string `arg:"" help:"Schedule name."`
}

func (c *ScheduleRunCmd) Run(cli *CLI) error {
	return newControlClient(cli.Server, cli.Token).do("POST", "/schedules/"+c.Name+"/run", nil)
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("orchestrate"),
		kong.Description("Agent orchestrator for a software-development workflow."),
		kong.UsageOnError(),
	)

	cleanup, err := setupLogging(cli.LogLevel, cli.LogFormat, cli.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitOperatorError)
	}
	defer cleanup()

	if err := kctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var cerr *cliError
		if errors.As(err, &cerr) {
			os.Exit(cerr.code)
		}
		os.Exit(exitOperatorError)
	}
}
