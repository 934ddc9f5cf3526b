package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"command_center/internal/domain"
)

func renderTasksTable(table *tview.Table, tasks []domain.TaskView, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Status", "Stages", "Updated", "Title"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)).SetTextColor(taskColor(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(stageProgress(t)))
		table.SetCell(row, 3, tview.NewTableCell(t.UpdatedAt.Local().Format("15:04:05")))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(t.Title, 64)))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func renderAgentsTable(table *tview.Table, agents []domain.Agent) {
	table.Clear()
	headers := []string{"Agent", "Name", "Role", "Status", "Heartbeat"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, a := range agents {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(a.ID)))
		table.SetCell(row, 1, tview.NewTableCell(a.Name))
		table.SetCell(row, 2, tview.NewTableCell(string(a.Role)))
		table.SetCell(row, 3, tview.NewTableCell(string(a.Status)).SetTextColor(agentColor(a.Status)))
		table.SetCell(row, 4, tview.NewTableCell(a.LastHeartbeat.Local().Format("15:04:05")))
	}
}

func stageProgress(t domain.TaskView) string {
	done := 0
	for _, st := range t.Subtasks {
		if st.Status.Terminal() {
			done++
		}
	}
	return fmt.Sprintf("%d/%d", done, len(t.Subtasks))
}

// renderTaskDetail shows the stages of a task followed by its decision trail,
// oldest decision first.
func renderTaskDetail(view domain.TaskView, decisions []domain.DecisionLog, agents map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[::b]%s[::-] [%s]%s[-]\n", tview.Escape(view.Title), taskTag(view.Status), view.Status)
	if view.Description != "" {
		b.WriteString(tview.Escape(view.Description) + "\n")
	}
	b.WriteString("\n")
	for _, st := range view.Subtasks {
		assigned := "-"
		if st.AssignedAgentID != "" {
			assigned = agentLabel(st.AssignedAgentID, agents)
		}
		fmt.Fprintf(&b, "  [%s]%-11s[-] %s  agent=%s\n", taskTag(st.Status), st.Status, tview.Escape(st.Title), assigned)
	}
	b.WriteString("\n")
	if len(decisions) == 0 {
		b.WriteString("No decisions")
		return b.String()
	}
	ordered := append([]domain.DecisionLog(nil), decisions...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	for _, d := range ordered {
		fmt.Fprintf(&b, "[%s] %s: %s\n", d.CreatedAt.Local().Format("15:04:05"), d.Action, tview.Escape(trimLine(d.Reason, 100)))
		if detail := payloadSummary(d.Payload); detail != "" {
			b.WriteString("  " + tview.Escape(trimLine(detail, 160)) + "\n")
		}
	}
	return b.String()
}

// formatEvent renders one bus event as a single log line.
func formatEvent(evt domain.Event, agents map[string]string) string {
	ts := evt.Timestamp.Local().Format("15:04:05")
	switch evt.Type {
	case domain.EventAgentRegistered:
		name := ""
		if evt.Agent != nil {
			name = evt.Agent.Name
		}
		return fmt.Sprintf("%s [green]registered[-] %s %s", ts, shortID(evt.AgentID), tview.Escape(name))
	case domain.EventAgentOffline:
		return fmt.Sprintf("%s [red]offline[-] %s", ts, agentLabel(evt.AgentID, agents))
	case domain.EventAgentRemoved:
		return fmt.Sprintf("%s [gray]removed[-] %s", ts, agentLabel(evt.AgentID, agents))
	case domain.EventAgentStatusChanged:
		if evt.Change != nil {
			return fmt.Sprintf("%s status %s %s -> %s", ts, agentLabel(evt.AgentID, agents), evt.Change.Old, evt.Change.New)
		}
	case domain.EventCommandSent:
		if evt.Command != nil {
			target := "*"
			if !evt.Command.Broadcast() {
				target = agentLabel(evt.Command.Target, agents)
			}
			return fmt.Sprintf("%s [cyan]%s[-] %s -> %s", ts, evt.Command.Type, agentLabel(evt.Command.Source, agents), target)
		}
	case domain.EventCommandDropped:
		kind := ""
		if evt.Command != nil {
			kind = string(evt.Command.Type)
		}
		return fmt.Sprintf("%s [yellow]dropped[-] %s (%s)", ts, kind, evt.Reason)
	case domain.EventSystemHeartbeat:
		if evt.Status != nil {
			return fmt.Sprintf("%s heartbeat agents=%d online=%d commands=%d",
				ts, evt.Status.AgentCount, evt.Status.ActiveAgents, evt.Status.CommandsTotal)
		}
	}
	return fmt.Sprintf("%s %s %s", ts, evt.Type, shortID(evt.AgentID))
}

func agentLabel(id string, agents map[string]string) string {
	if name, ok := agents[id]; ok && name != "" {
		return tview.Escape(name)
	}
	if id == "" {
		return "-"
	}
	return shortID(id)
}

func payloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil || len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fields[k]
		if v == nil || v == "" {
			continue
		}
		if s, ok := v.(string); ok && strings.HasSuffix(k, "_id") {
			v = shortID(s)
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

func taskTag(s domain.TaskStatus) string {
	switch s {
	case domain.TaskStatusCompleted:
		return "green"
	case domain.TaskStatusFailed:
		return "red"
	case domain.TaskStatusCancelled:
		return "yellow"
	case domain.TaskStatusInProgress:
		return "aqua"
	default:
		return "white"
	}
}

func taskColor(s domain.TaskStatus) tcell.Color {
	return tcell.GetColor(taskTag(s))
}

func agentColor(s domain.AgentStatus) tcell.Color {
	switch s {
	case domain.AgentStatusIdle:
		return tcell.ColorGreen
	case domain.AgentStatusBusy:
		return tcell.ColorAqua
	case domain.AgentStatusOffline, domain.AgentStatusError:
		return tcell.ColorRed
	default:
		return tcell.ColorWhite
	}
}

func trimLine(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
