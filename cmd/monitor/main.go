package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gorilla/websocket"
	"github.com/rivo/tview"

	"command_center/internal/domain"
	"command_center/internal/transport/httpapi"
)

const maxEventLines = 500

type monitor struct {
	client *httpapi.Client
	app    *tview.Application

	tasksTable  *tview.Table
	agentsTable *tview.Table
	detailView  *tview.TextView
	eventsView  *tview.TextView
	replyView   *tview.TextView
	statusView  *tview.TextView
	promptInput *tview.InputField
	form        *tview.Form

	mu             sync.Mutex
	tasks          []domain.TaskView
	agents         []domain.Agent
	agentNames     map[string]string
	selectedTaskID string
	events         []string
}

func main() {
	addr := flag.String("addr", "http://localhost:8091", "command center base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start a command center alongside the monitor")
	binary := flag.String("bin", "", "path to the command-center binary (embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite audit journal for the embedded instance")
	workspaceRoot := flag.String("workspace", "workspace", "workspace root for the embedded instance")
	flag.Parse()

	client := httpapi.NewClient(*addr)

	if *embedded {
		proc, err := startEmbedded(*addr, *binary, *dbPath, *workspaceRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded command center: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}
	if err := waitHealth(client, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "command center health check failed: %v\n", err)
		os.Exit(1)
	}

	m := newMonitor(client)
	m.statusView.SetText(fmt.Sprintf(
		"Connected to %s | F10 quit, F5 refresh, Ctrl+L prompt, Ctrl+T tasks, Ctrl+K command form",
		*addr,
	))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.streamEvents(ctx)
	go m.poll(ctx, *interval)

	if err := m.app.SetRoot(m.layout(), true).EnableMouse(true).SetFocus(m.promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func newMonitor(client *httpapi.Client) *monitor {
	m := &monitor{
		client:     client,
		app:        tview.NewApplication(),
		agentNames: make(map[string]string),
	}

	m.tasksTable = tview.NewTable().SetBorders(false).SetSelectable(true, false)
	m.tasksTable.SetTitle("Tasks (Enter inspect, c cancel)").SetBorder(true)

	m.agentsTable = tview.NewTable().SetBorders(false).SetSelectable(true, false)
	m.agentsTable.SetTitle("Agents (Enter target)").SetBorder(true)

	m.detailView = tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	m.detailView.SetTitle("Task").SetBorder(true)

	m.eventsView = tview.NewTextView().SetDynamicColors(true).SetWrap(false).SetMaxLines(maxEventLines)
	m.eventsView.SetTitle("Events").SetBorder(true)

	m.replyView = tview.NewTextView().SetDynamicColors(false).SetWrap(true)
	m.replyView.SetTitle("Reply").SetBorder(true)

	m.statusView = tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	m.statusView.SetBorder(true).SetTitle("Status")

	m.promptInput = tview.NewInputField().SetLabel("New task: ")
	m.promptInput.SetBorder(true).SetTitle("Enter = create task")
	m.promptInput.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			m.submitTask(m.promptInput.GetText())
		}
	})

	types := domain.CommandTypes()
	options := make([]string, len(types))
	for i, t := range types {
		options[i] = string(t)
	}
	m.form = tview.NewForm().
		AddDropDown("Type", options, 0, nil).
		AddInputField("Target", "", 40, nil, nil).
		AddInputField("Payload", "{}", 60, nil, nil).
		AddInputField("Wait", "10s", 8, nil, nil).
		AddButton("Send", m.submitCommand)
	m.form.SetBorder(true).SetTitle("Command")

	m.tasksTable.SetSelectedFunc(func(row, _ int) {
		m.mu.Lock()
		if row <= 0 || row > len(m.tasks) {
			m.mu.Unlock()
			return
		}
		m.selectedTaskID = m.tasks[row-1].ID
		selected := m.selectedTaskID
		m.mu.Unlock()
		go m.refreshDetail(selected)
	})
	m.agentsTable.SetSelectedFunc(func(row, _ int) {
		m.mu.Lock()
		if row <= 0 || row > len(m.agents) {
			m.mu.Unlock()
			return
		}
		id := m.agents[row-1].ID
		m.mu.Unlock()
		m.form.GetFormItemByLabel("Target").(*tview.InputField).SetText(id)
		m.app.SetFocus(m.form)
	})

	m.app.SetInputCapture(m.keys)
	return m
}

func (m *monitor) layout() tview.Primitive {
	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(m.tasksTable, 0, 3, false).
		AddItem(m.agentsTable, 0, 2, false)
	command := tview.NewFlex().
		AddItem(m.form, 0, 1, false).
		AddItem(m.replyView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(m.detailView, 0, 3, false).
		AddItem(m.eventsView, 0, 3, false).
		AddItem(command, 13, 0, false)
	body := tview.NewFlex().
		AddItem(left, 0, 1, false).
		AddItem(right, 0, 2, false)
	return tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(body, 0, 12, false).
		AddItem(m.promptInput, 3, 0, true).
		AddItem(m.statusView, 3, 0, false)
}

func (m *monitor) keys(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyF10:
		m.app.Stop()
		return nil
	case tcell.KeyF5:
		go m.refresh()
		m.setStatus("Manual refresh")
		return nil
	case tcell.KeyCtrlL:
		m.app.SetFocus(m.promptInput)
		return nil
	case tcell.KeyCtrlT:
		m.app.SetFocus(m.tasksTable)
		return nil
	case tcell.KeyCtrlK:
		m.app.SetFocus(m.form)
		return nil
	case tcell.KeyEscape:
		m.app.SetFocus(m.tasksTable)
		return nil
	}
	if m.app.GetFocus() == m.tasksTable && event.Key() == tcell.KeyRune && event.Rune() == 'c' {
		m.mu.Lock()
		selected := m.selectedTaskID
		m.mu.Unlock()
		if selected != "" {
			go m.cancelTask(selected)
		}
		return nil
	}
	return event
}

func (m *monitor) setStatus(msg string) {
	m.statusView.SetText(msg)
}

func (m *monitor) setStatusAsync(msg string) {
	m.app.QueueUpdateDraw(func() {
		m.statusView.SetText(msg)
	})
}

func (m *monitor) poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh()
		}
	}
}

func (m *monitor) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agents, agentErr := m.client.Agents(ctx)
	tasks, taskErr := m.client.Tasks(ctx)
	if agentErr != nil || taskErr != nil {
		m.setStatusAsync(fmt.Sprintf("refresh failed: %v", firstError(agentErr, taskErr)))
		return
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
	})

	m.mu.Lock()
	m.agents = agents
	for _, a := range agents {
		m.agentNames[a.ID] = a.Name
	}
	m.tasks = tasks
	if m.selectedTaskID == "" && len(tasks) > 0 {
		m.selectedTaskID = tasks[0].ID
	}
	selected := m.selectedTaskID
	m.mu.Unlock()

	m.app.QueueUpdateDraw(func() {
		renderTasksTable(m.tasksTable, tasks, selected)
		renderAgentsTable(m.agentsTable, agents)
	})
	if selected != "" {
		m.refreshDetail(selected)
	}
}

func (m *monitor) refreshDetail(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	view, err := m.client.Task(ctx, taskID)
	if err != nil {
		m.app.QueueUpdateDraw(func() {
			m.detailView.SetText(fmt.Sprintf("error: %v", err))
		})
		return
	}
	// The journal may be disabled; stages are still shown.
	decisions, _ := m.client.Decisions(ctx, taskID, 200)

	m.mu.Lock()
	if taskID != m.selectedTaskID {
		m.mu.Unlock()
		return
	}
	names := copyNames(m.agentNames)
	m.mu.Unlock()

	text := renderTaskDetail(view, decisions, names)
	m.app.QueueUpdateDraw(func() {
		m.detailView.SetText(text)
		m.detailView.ScrollToBeginning()
	})
}

func (m *monitor) submitTask(title string) {
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}
	m.promptInput.SetText("")
	m.setStatus("Creating task...")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		view, err := m.client.CreateTask(ctx, domain.CreateTaskRequest{Title: title})
		if err != nil {
			m.setStatusAsync("Failed to create task: " + err.Error())
			return
		}
		m.mu.Lock()
		m.selectedTaskID = view.ID
		m.mu.Unlock()
		m.setStatusAsync("Task created: " + view.ID)
		m.refresh()
	}()
}

func (m *monitor) cancelTask(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.client.CancelTask(ctx, taskID); err != nil {
		m.setStatusAsync("Cancel failed: " + err.Error())
		return
	}
	m.setStatusAsync("Task cancelled: " + taskID)
	m.refresh()
}

func (m *monitor) submitCommand() {
	_, kind := m.form.GetFormItemByLabel("Type").(*tview.DropDown).GetCurrentOption()
	target := strings.TrimSpace(m.form.GetFormItemByLabel("Target").(*tview.InputField).GetText())
	payload := strings.TrimSpace(m.form.GetFormItemByLabel("Payload").(*tview.InputField).GetText())
	waitText := strings.TrimSpace(m.form.GetFormItemByLabel("Wait").(*tview.InputField).GetText())

	req := httpapi.CommandRequest{Type: domain.CommandType(kind), Target: target}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			m.setStatus("Payload is not valid JSON")
			return
		}
		req.Payload = json.RawMessage(payload)
	}
	wait := time.Duration(0)
	if waitText != "" {
		d, err := time.ParseDuration(waitText)
		if err != nil {
			m.setStatus("Wait must be a duration like 10s")
			return
		}
		wait = d
	}
	req.WaitMS = int(wait / time.Millisecond)

	m.replyView.SetText("Sending...")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait+10*time.Second)
		defer cancel()
		id, reply, err := m.client.Send(ctx, req)
		m.app.QueueUpdateDraw(func() {
			switch {
			case err != nil:
				m.replyView.SetText("error: " + err.Error())
			case reply == nil:
				m.replyView.SetText("sent " + id)
			default:
				m.replyView.SetText(fmt.Sprintf("%s from %s\n%s", reply.Type, shortID(reply.Source), indent(reply.Payload)))
			}
		})
	}()
}

// streamEvents follows the websocket event stream, reconnecting with a short
// backoff while ctx is live.
func (m *monitor) streamEvents(ctx context.Context) {
	url := m.client.EventsURL()
	backoff := time.Second
	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			m.appendEvent(fmt.Sprintf("[red]event stream unavailable: %v[-]", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				_ = conn.Close()
				break
			}
			var evt domain.Event
			if err := json.Unmarshal(data, &evt); err != nil {
				continue
			}
			m.mu.Lock()
			if evt.Type == domain.EventAgentRegistered && evt.Agent != nil {
				m.agentNames[evt.Agent.ID] = evt.Agent.Name
			}
			line := formatEvent(evt, m.agentNames)
			m.mu.Unlock()
			m.appendEvent(line)
		}
	}
}

func (m *monitor) appendEvent(line string) {
	m.mu.Lock()
	m.events = append(m.events, line)
	if len(m.events) > maxEventLines {
		m.events = m.events[len(m.events)-maxEventLines:]
	}
	text := strings.Join(m.events, "\n")
	m.mu.Unlock()
	m.app.QueueUpdateDraw(func() {
		m.eventsView.SetText(text)
		m.eventsView.ScrollToEnd()
	})
}

func copyNames(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func indent(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
