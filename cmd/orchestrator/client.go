package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"command_center/internal/domain"
	"command_center/internal/transport/httpapi"
)

var (
	sendTarget   string
	sendPayload  string
	sendPriority int
	sendWait     time.Duration

	createDescription string
	createPriority    int
	createPlan        string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registry and task counters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		status, err := client().Status(cmd.Context())
		if err != nil {
			return err
		}
		cyan := color.New(color.FgCyan, color.Bold)
		cyan.Println("command center")
		fmt.Printf("  agents:   %d (%d online)\n", status.AgentCount, status.ActiveAgents)
		fmt.Printf("  commands: %d\n", status.CommandsTotal)
		fmt.Printf("  tasks:    %d (%d active)\n", status.Tasks, status.ActiveTasks)
		fmt.Printf("  plans:    %s\n", strings.Join(status.Plans, ", "))
		fmt.Printf("  streams:  %d\n", status.Listeners)
		return nil
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, _ []string) error {
		agents, err := client().Agents(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tROLE\tSTATUS\tLAST HEARTBEAT\tCAPABILITIES")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.Name, a.Role, agentStatus(a.Status),
				since(a.LastHeartbeat), strings.Join(a.Capabilities, ","))
		}
		return w.Flush()
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks [task-id]",
	Short: "List tasks, or show one task with its stages",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client()
		if len(args) == 1 {
			view, err := c.Task(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTask(view)
			return nil
		}
		tasks, err := c.Tasks(cmd.Context())
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSTAGES\tUPDATED\tTITLE")
		for _, t := range tasks {
			done := 0
			for _, st := range t.Subtasks {
				if st.Status.Terminal() {
					done++
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
				t.ID, taskStatus(t.Status), done, len(t.Subtasks), since(t.UpdatedAt), t.Title)
		}
		return w.Flush()
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <command-type>",
	Short: "Publish a command as the operator",
	Long: `Publish a command on the bus. With --wait the command is sent as a
request and the correlated reply is printed.

Example:
  command-center send analyze --target <analyst-id> --payload '{"type":"project"}' --wait 10s`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := httpapi.CommandRequest{
			Type:     domain.CommandType(args[0]),
			Target:   sendTarget,
			Priority: sendPriority,
			WaitMS:   int(sendWait / time.Millisecond),
		}
		if sendPayload != "" {
			if !json.Valid([]byte(sendPayload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}
			req.Payload = json.RawMessage(sendPayload)
		}
		id, reply, err := client().Send(cmd.Context(), req)
		if err != nil {
			return err
		}
		if reply == nil {
			fmt.Printf("%s sent %s\n", color.GreenString("✓"), id)
			return nil
		}
		header := color.New(color.FgGreen)
		if reply.Type == domain.CommandError {
			header = color.New(color.FgRed)
		}
		header.Printf("%s from %s\n", reply.Type, reply.Source)
		return printJSON(reply.Payload)
	},
}

var createTaskCmd = &cobra.Command{
	Use:   "create-task <title>",
	Short: "Create a task from a plan",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := domain.CreateTaskRequest{
			Title:       strings.Join(args, " "),
			Description: createDescription,
			Priority:    createPriority,
		}
		if createPlan != "" {
			req.Metadata = map[string]any{"plan": createPlan}
		}
		view, err := client().CreateTask(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Printf("%s created task %s\n", color.GreenString("✓"), view.ID)
		printTask(view)
		return nil
	},
}

var cancelTaskCmd = &cobra.Command{
	Use:   "cancel-task <task-id>",
	Short: "Cancel a task and its open stages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := client().CancelTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s cancelled task %s\n", color.YellowString("!"), view.ID)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendTarget, "target", "", "target agent id (empty broadcasts by type)")
	sendCmd.Flags().StringVar(&sendPayload, "payload", "", "JSON payload")
	sendCmd.Flags().IntVar(&sendPriority, "priority", 0, "command priority")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 0, "wait this long for the reply")

	createTaskCmd.Flags().StringVar(&createDescription, "description", "", "task description")
	createTaskCmd.Flags().IntVar(&createPriority, "priority", 0, "task priority")
	createTaskCmd.Flags().StringVar(&createPlan, "plan", "", "plan template name")
}

func client() *httpapi.Client {
	return httpapi.NewClient(serverURL)
}

func printTask(view domain.TaskView) {
	bold := color.New(color.Bold)
	bold.Printf("%s ", view.Title)
	fmt.Printf("[%s] priority=%d\n", taskStatus(view.Status), view.Priority)
	if view.Description != "" {
		fmt.Printf("  %s\n", view.Description)
	}
	for _, st := range view.Subtasks {
		agent := st.AssignedAgentID
		if agent == "" {
			agent = "-"
		}
		fmt.Printf("  %-12s %s  agent=%s\n", taskStatus(st.Status), st.Title, agent)
	}
}

func taskStatus(s domain.TaskStatus) string {
	switch s {
	case domain.TaskStatusCompleted:
		return color.GreenString(string(s))
	case domain.TaskStatusFailed:
		return color.RedString(string(s))
	case domain.TaskStatusCancelled:
		return color.YellowString(string(s))
	case domain.TaskStatusInProgress:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}

func agentStatus(s domain.AgentStatus) string {
	switch s {
	case domain.AgentStatusIdle:
		return color.GreenString(string(s))
	case domain.AgentStatusBusy:
		return color.CyanString(string(s))
	case domain.AgentStatusOffline, domain.AgentStatusError:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func printJSON(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
