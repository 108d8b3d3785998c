package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

func runTail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	apiBase := fs.String("api", "http://127.0.0.1:8090", "base URL for genstream API")
	token := fs.String("token", os.Getenv("GENSTREAM_API_TOKEN"), "Bearer token for API auth")
	projects := fs.String("projects", "", "comma-separated project IDs to follow (empty = all)")
	sessions := fs.String("sessions", "", "comma-separated session IDs to follow (empty = all)")
	threads := fs.String("threads", "", "comma-separated thread IDs to follow (empty = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("usage: genstream tail [--api <url>] [--token <token>] [--projects a,b] [--sessions a,b] [--threads a,b]")
	}
	if strings.TrimSpace(*token) == "" {
		return fmt.Errorf("token is required (use --token or GENSTREAM_API_TOKEN)")
	}

	cfg := tailConfig{
		APIBase:  strings.TrimRight(*apiBase, "/"),
		Token:    *token,
		Projects: *projects,
		Sessions: *sessions,
		Threads:  *threads,
	}

	p := tea.NewProgram(newTailModel(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type tailConfig struct {
	APIBase  string
	Token    string
	Projects string
	Sessions string
	Threads  string
}

func (c tailConfig) streamURL() string {
	q := url.Values{}
	if c.Projects != "" {
		q.Set("projects", c.Projects)
	}
	if c.Sessions != "" {
		q.Set("sessions", c.Sessions)
	}
	if c.Threads != "" {
		q.Set("threads", c.Threads)
	}
	u := c.APIBase + "/v1/events"
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

type streamEventMsg struct {
	Event string
	Data  []byte
	Err   error
	EOF   bool
}

type streamStartedMsg struct{}

type reconnectTickMsg struct{}

// tailFrame mirrors the stream's wire frame.
type tailFrame struct {
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
	ThreadID  string `json:"thread_id"`
	Seq       uint64 `json:"seq"`
	Kind      string `json:"kind"`
	TaskID    string `json:"task_id"`
	Content   string `json:"content"`
	State     string `json:"state"`
	Error     string `json:"error"`
}

func (f tailFrame) scopeKey() string {
	return f.ProjectID + "/" + f.SessionID + "/" + f.ThreadID
}

// threadView is the accumulated picture of one conversation lane: the text
// streamed so far and the last reported task state.
type threadView struct {
	Key     string
	Content string
	State   string
}

type tailModel struct {
	cfg          tailConfig
	streamEvents chan streamEventMsg
	width        int
	height       int
	connected    bool
	err          error
	events       []string
	views        map[string]*threadView
	viewOrder    []string
	lastSeq      map[string]uint64
	gaps         int
}

func newTailModel(cfg tailConfig) tailModel {
	return tailModel{
		cfg:          cfg,
		streamEvents: make(chan streamEventMsg, 32),
		views:        map[string]*threadView{},
		lastSeq:      map[string]uint64{},
	}
}

func (m tailModel) Init() tea.Cmd {
	return tea.Batch(
		startEventStreamCmd(m.cfg, m.streamEvents),
		waitForStreamEventCmd(m.streamEvents),
	)
}

func (m tailModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil
	case streamStartedMsg:
		m.connected = true
		return m, nil
	case reconnectTickMsg:
		m.streamEvents = make(chan streamEventMsg, 32)
		// Sequence numbers restart being observed on a fresh subscription.
		m.lastSeq = map[string]uint64{}
		return m, tea.Batch(
			startEventStreamCmd(m.cfg, m.streamEvents),
			waitForStreamEventCmd(m.streamEvents),
		)
	case streamEventMsg:
		if msg.Err != nil {
			m.err = msg.Err
			m.connected = false
			m.appendEvent("stream error: " + msg.Err.Error())
			return m, reconnectLaterCmd()
		}
		if msg.EOF {
			m.connected = false
			m.appendEvent("stream closed by server")
			return m, reconnectLaterCmd()
		}
		m.handleEvent(msg.Event, msg.Data)
		return m, waitForStreamEventCmd(m.streamEvents)
	default:
		return m, nil
	}
}

func (m *tailModel) handleEvent(event string, data []byte) {
	if event == "overflow" {
		m.appendEvent(fmt.Sprintf("[%s] dropped by server (fell behind), reconnecting", time.Now().Format("15:04:05")))
		return
	}

	var frame tailFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.appendEvent(event + " (unparsed)")
		return
	}

	key := frame.scopeKey()
	if last := m.lastSeq[key]; last != 0 && frame.Seq != last+1 {
		m.gaps++
		m.appendEvent(fmt.Sprintf("[%s] seq gap on %s: %d -> %d", time.Now().Format("15:04:05"), key, last, frame.Seq))
	}
	m.lastSeq[key] = frame.Seq

	view, ok := m.views[key]
	if !ok {
		view = &threadView{Key: key}
		m.views[key] = view
		m.viewOrder = append(m.viewOrder, key)
	}

	switch frame.Kind {
	case "status":
		view.State = frame.State
		m.appendEvent(fmt.Sprintf("[%s] %s status=%s task=%s", time.Now().Format("15:04:05"), key, frame.State, shortID(frame.TaskID)))
	case "partial":
		view.State = "generating"
		view.Content += frame.Content
	case "complete":
		view.State = frame.State
		view.Content = frame.Content
		m.appendEvent(fmt.Sprintf("[%s] %s %s (%d chars)", time.Now().Format("15:04:05"), key, frame.State, len(frame.Content)))
	case "error":
		view.State = "failed"
		m.appendEvent(fmt.Sprintf("[%s] %s failed: %s", time.Now().Format("15:04:05"), key, trimForLog(frame.Error, 80)))
	default:
		m.appendEvent(fmt.Sprintf("[%s] %s %s", time.Now().Format("15:04:05"), key, frame.Kind))
	}
}

func (m tailModel) View() string {
	accent := lipgloss.Color("#38BDF8")
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#082F49")).
		Background(accent).
		Padding(0, 1).
		Render("genstream tail")

	streamLabel := "connecting"
	if m.connected {
		streamLabel = "open"
	}
	if m.err != nil {
		streamLabel = "error"
	}
	meta := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7DD3FC")).
		Render(fmt.Sprintf("api=%s  stream=%s  threads=%d  gaps=%d", m.cfg.APIBase, streamLabel, len(m.views), m.gaps))

	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7DD3FC")).
		Render("q: quit")
	if m.err != nil {
		footer = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Render("error: " + m.err.Error() + "  q: quit")
	}

	panelWidth := bodyWidth(m.width)
	transcriptHeight, eventsHeight := panelHeights(m.height)

	transcriptPanel := renderPanel("Threads", m.transcriptLines(transcriptHeight-1, panelWidth-4), panelWidth, transcriptHeight, accent)

	eventLines := m.events
	if len(eventLines) == 0 {
		eventLines = []string{"waiting for events..."}
	}
	if len(eventLines) > eventsHeight-1 {
		eventLines = eventLines[len(eventLines)-(eventsHeight-1):]
	}
	eventsPanel := renderPanel("Events", eventLines, panelWidth, eventsHeight, accent)

	return strings.Join([]string{title, meta, transcriptPanel, eventsPanel, footer}, "\n")
}

// transcriptLines renders one block per followed thread: a header line and the
// tail of its streamed content, wrapped to the panel width.
func (m tailModel) transcriptLines(maxLines, width int) []string {
	if width < 20 {
		width = 20
	}
	var lines []string
	for _, key := range m.viewOrder {
		view := m.views[key]
		state := view.State
		if state == "" {
			state = "pending"
		}
		lines = append(lines, fmt.Sprintf("%s [%s]", key, state))
		content := view.Content
		if content == "" {
			lines = append(lines, "  ...")
			continue
		}
		for _, l := range wrapText(content, width-2) {
			lines = append(lines, "  "+l)
		}
	}
	if len(lines) == 0 {
		return []string{"no threads yet"}
	}
	if len(lines) > maxLines && maxLines > 0 {
		lines = lines[len(lines)-maxLines:]
	}
	return lines
}

func wrapText(s string, width int) []string {
	if width <= 0 {
		return []string{s}
	}
	var lines []string
	for _, raw := range strings.Split(s, "\n") {
		for len(raw) > width {
			lines = append(lines, raw[:width])
			raw = raw[width:]
		}
		lines = append(lines, raw)
	}
	return lines
}

func panelHeights(terminalHeight int) (transcript, events int) {
	available := terminalHeight - 4
	if available < 12 {
		available = 12
	}
	transcript = available * 2 / 3
	events = available - transcript
	if events < 5 {
		events = 5
		transcript = available - events
	}
	return transcript, events
}

func renderPanel(title string, lines []string, width, height int, accent lipgloss.Color) string {
	if height < 3 {
		height = 3
	}
	contentHeight := height - 1
	if contentHeight < 1 {
		contentHeight = 1
	}
	if len(lines) > contentHeight {
		lines = lines[len(lines)-contentHeight:]
	}
	for len(lines) < contentHeight {
		lines = append(lines, "")
	}
	content := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title) + "\n" + strings.Join(lines, "\n")

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Foreground(lipgloss.Color("#F0F9FF")).
		Background(lipgloss.Color("#0C1A26")).
		Width(width).
		Height(height).
		Padding(0, 1).
		Render(content)
}

func (m *tailModel) appendEvent(line string) {
	m.events = append(m.events, line)
	if len(m.events) > 800 {
		m.events = m.events[len(m.events)-800:]
	}
}

func startEventStreamCmd(cfg tailConfig, out chan streamEventMsg) tea.Cmd {
	return func() tea.Msg {
		go streamEvents(cfg, out)
		return streamStartedMsg{}
	}
}

func waitForStreamEventCmd(in <-chan streamEventMsg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-in
		if !ok {
			return streamEventMsg{EOF: true}
		}
		return msg
	}
}

func reconnectLaterCmd() tea.Cmd {
	return func() tea.Msg {
		time.Sleep(2 * time.Second)
		return reconnectTickMsg{}
	}
}

func streamEvents(cfg tailConfig, out chan<- streamEventMsg) {
	defer close(out)

	req, err := http.NewRequest(http.MethodGet, cfg.streamURL(), nil)
	if err != nil {
		out <- streamEventMsg{Err: fmt.Errorf("create request: %w", err)}
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+cfg.Token)

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		out <- streamEventMsg{Err: fmt.Errorf("connect stream: %w", err)}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		out <- streamEventMsg{Err: fmt.Errorf("stream request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)

	var eventName string
	var dataLines []string

	flushEvent := func() {
		if len(dataLines) == 0 {
			eventName = ""
			return
		}
		if eventName == "" {
			eventName = "message"
		}
		out <- streamEventMsg{
			Event: eventName,
			Data:  []byte(strings.Join(dataLines, "\n")),
		}
		eventName = ""
		dataLines = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			flushEvent()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			part := strings.TrimPrefix(line, "data:")
			if strings.HasPrefix(part, " ") {
				part = part[1:]
			}
			dataLines = append(dataLines, part)
		}
	}
	flushEvent()

	if err := scanner.Err(); err != nil {
		out <- streamEventMsg{Err: fmt.Errorf("read stream: %w", err)}
		return
	}
	out <- streamEventMsg{EOF: true}
}

func trimForLog(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func bodyWidth(terminalWidth int) int {
	if terminalWidth <= 0 {
		return 80
	}
	w := terminalWidth - 2
	if w < 40 {
		return 40
	}
	return w
}
