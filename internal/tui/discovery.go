package tui

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muurk/headunit/internal/discovery"
)

// ScanFunc runs one discovery pass. discovery.Scanner.Scan satisfies it.
type ScanFunc func(ctx context.Context, report discovery.ReportFunc) error

// Messages for async operations
type serviceFoundMsg struct {
	gen     int
	service discovery.Service
}

type scanDoneMsg struct {
	gen int
	err error
}

// discoveryKeyMap defines key bindings for the results screen
type discoveryKeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Enter  key.Binding
	Rescan key.Binding
	Manual key.Binding
	Quit   key.Binding
}

// ShortHelp returns keybindings to be shown in the mini help view
func (k discoveryKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Enter, k.Rescan, k.Manual, k.Quit}
}

// FullHelp returns keybindings for the expanded help view
func (k discoveryKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Enter},
		{k.Rescan, k.Manual, k.Quit},
	}
}

// manualModeKeyMap defines key bindings for manual IP entry mode
type manualModeKeyMap struct {
	Confirm key.Binding
	Cancel  key.Binding
}

func (m manualModeKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{m.Confirm, m.Cancel}
}

func (m manualModeKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{m.Confirm, m.Cancel}}
}

// serviceItem wraps a Service for use with bubbles/list
type serviceItem struct {
	service discovery.Service
}

func (s serviceItem) FilterValue() string {
	return s.service.IP + " " + s.service.Hostname
}

func (s serviceItem) Title() string {
	if s.service.Hostname != "" {
		return fmt.Sprintf("%s (%s)", s.service.IP, s.service.Hostname)
	}
	return s.service.IP
}

func (s serviceItem) Description() string {
	kind := "head unit server"
	if s.service.IsLauncher() {
		kind = "wireless launcher"
	}
	state := "ready"
	if s.service.Conn != nil {
		state = "connected"
	}
	return fmt.Sprintf("%s • port %d • via %s • %s", kind, s.service.Port, s.service.Source, state)
}

// DiscoveryModel is the live discovery screen. Services appear as the scan
// reports them; the user picks one or enters an address by hand.
type DiscoveryModel struct {
	Scanning    bool
	ServiceList list.Model
	Selected    bool
	Err         error

	// Manual IP entry state
	ManualMode bool
	IPInput    textinput.Model

	// UI state
	Width         int
	Height        int
	Spinner       spinner.Model
	ProgressBar   progress.Model
	ScanStartTime time.Time
	ScanEstimate  time.Duration
	Help          help.Model
	Keys          discoveryKeyMap
	ManualKeys    manualModeKeyMap

	scan   ScanFunc
	parent context.Context
	gen    int
	events chan tea.Msg
	cancel context.CancelFunc
}

// NewDiscoveryModel creates the discovery screen. estimate only drives the
// progress bar.
func NewDiscoveryModel(scan ScanFunc, estimate time.Duration) DiscoveryModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	ipInput := textinput.New()
	ipInput.Placeholder = "192.168.43.1"
	ipInput.CharLimit = 39
	ipInput.Width = 30

	progressBar := progress.New(progress.WithDefaultGradient())
	progressBar.Width = 40

	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.
		Foreground(SelectedItemStyle.GetForeground()).
		Bold(SelectedItemStyle.GetBold()).
		BorderForeground(HighlightColor)
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.BorderForeground(HighlightColor)

	serviceList := list.New([]list.Item{}, delegate, MinTerminalWidth, 12)
	serviceList.Title = "Phones"
	serviceList.SetShowStatusBar(false)
	serviceList.SetShowHelp(false)
	serviceList.SetFilteringEnabled(true)
	serviceList.Styles.Title = TitleStyle

	if estimate <= 0 {
		estimate = 10 * time.Second
	}

	return DiscoveryModel{
		ServiceList:  serviceList,
		IPInput:      ipInput,
		Spinner:      s,
		ProgressBar:  progressBar,
		ScanEstimate: estimate,
		Help:         help.New(),
		Keys: discoveryKeyMap{
			Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "move up")),
			Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "move down")),
			Enter:  key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "connect")),
			Rescan: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "rescan")),
			Manual: key.NewBinding(key.WithKeys("m"), key.WithHelp("m", "manual IP")),
			Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		},
		ManualKeys: manualModeKeyMap{
			Confirm: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "confirm")),
			Cancel:  key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel")),
		},
		scan: scan,
	}
}

// Init starts the first scan
func (m DiscoveryModel) Init() tea.Cmd {
	return tea.Batch(
		func() tea.Msg { return rescanMsg{} },
		m.Spinner.Tick,
	)
}

type rescanMsg struct{}

// startScan cancels any scan in progress and launches a new one whose
// results arrive as messages.
func (m DiscoveryModel) startScan() (DiscoveryModel, tea.Cmd) {
	m.stopScan()
	m.releaseAll()
	m.ServiceList.SetItems(nil)
	m.Err = nil

	m.gen++
	gen := m.gen
	parent := m.parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	events := make(chan tea.Msg, 16)
	m.cancel = cancel
	m.events = events
	m.Scanning = true
	m.ScanStartTime = time.Now()

	go func() {
		defer close(events)
		err := m.scan(ctx, func(svc discovery.Service) {
			select {
			case events <- serviceFoundMsg{gen: gen, service: svc}:
			case <-ctx.Done():
				if svc.Conn != nil {
					svc.Conn.Close()
				}
			}
		})
		select {
		case events <- scanDoneMsg{gen: gen, err: err}:
		case <-ctx.Done():
		}
	}()

	return m, waitForEvent(events)
}

func waitForEvent(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-events
		if !ok {
			return nil
		}
		return msg
	}
}

func (m DiscoveryModel) stopScan() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Update handles messages and updates the model
func (m DiscoveryModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.ManualMode {
			return m.updateManualMode(msg)
		}
		return m.updateNormalMode(msg)

	case tea.WindowSizeMsg:
		m.Width = clampWidth(msg.Width)
		m.Height = msg.Height
		m.ServiceList.SetSize(m.Width-4, max(msg.Height-14, 6))
		return m, nil

	case rescanMsg:
		return m.startScan()

	case serviceFoundMsg:
		if msg.gen != m.gen {
			if msg.service.Conn != nil {
				msg.service.Conn.Close()
			}
			return m, nil
		}
		items := append(m.ServiceList.Items(), serviceItem{service: msg.service})
		next := waitForEvent(m.events)
		if c := m.ServiceList.SetItems(items); c != nil {
			return m, tea.Batch(next, c)
		}
		return m, next

	case scanDoneMsg:
		if msg.gen != m.gen {
			return m, nil
		}
		m.Scanning = false
		if msg.err != nil && !errors.Is(msg.err, context.Canceled) {
			m.Err = msg.err
		}
		return m, nil

	case spinner.TickMsg:
		m.Spinner, cmd = m.Spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		pm, cmd := m.ProgressBar.Update(msg)
		m.ProgressBar = pm.(progress.Model)
		return m, cmd
	}

	if !m.ManualMode {
		m.ServiceList, cmd = m.ServiceList.Update(msg)
	}
	return m, cmd
}

// updateNormalMode handles keyboard input in the service list
func (m DiscoveryModel) updateNormalMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.ServiceList.FilterState() == list.Filtering {
		var cmd tea.Cmd
		m.ServiceList, cmd = m.ServiceList.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.Keys.Quit):
		m.stopScan()
		return m, tea.Quit

	case key.Matches(msg, m.Keys.Enter):
		if m.ServiceList.SelectedItem() != nil {
			m.Selected = true
			m.stopScan()
			return m, tea.Quit
		}
		return m, nil

	case key.Matches(msg, m.Keys.Rescan):
		return m.startScan()

	case key.Matches(msg, m.Keys.Manual):
		m.ManualMode = true
		m.IPInput.SetValue("")
		m.IPInput.Focus()
		return m, textinput.Blink
	}

	var cmd tea.Cmd
	m.ServiceList, cmd = m.ServiceList.Update(msg)
	return m, cmd
}

// updateManualMode handles keyboard input in manual IP entry mode
func (m DiscoveryModel) updateManualMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch {
	case key.Matches(msg, m.ManualKeys.Cancel), msg.String() == "ctrl+c":
		m.ManualMode = false
		m.IPInput.Blur()
		m.Err = nil
		return m, nil

	case key.Matches(msg, m.ManualKeys.Confirm):
		value := strings.TrimSpace(m.IPInput.Value())
		if net.ParseIP(value) == nil {
			m.Err = fmt.Errorf("%q is not an IP address", value)
			return m, nil
		}
		svc := discovery.Service{
			IP:           value,
			Port:         discovery.ServerPort,
			Source:       discovery.SourceStatic,
			DiscoveredAt: time.Now(),
		}
		items := append([]list.Item{serviceItem{service: svc}}, m.ServiceList.Items()...)
		cmd = m.ServiceList.SetItems(items)
		m.ServiceList.Select(0)
		m.ManualMode = false
		m.Err = nil
		m.IPInput.Blur()
		return m, cmd
	}

	m.IPInput, cmd = m.IPInput.Update(msg)
	return m, cmd
}

// View renders the discovery screen
func (m DiscoveryModel) View() string {
	width := m.Width
	if width == 0 {
		width = MinTerminalWidth + 12
	}

	var content, helpText string
	switch {
	case m.ManualMode:
		content = m.renderManualEntry()
		helpText = m.Help.View(m.ManualKeys)
	case m.Scanning:
		content = lipgloss.JoinVertical(lipgloss.Left, m.renderScanning(width), m.renderResults())
		helpText = m.Help.View(m.Keys)
	default:
		content = m.renderResults()
		helpText = m.Help.View(m.Keys)
	}

	return RenderApplicationContainer(content, helpText, m.Width, m.Height)
}

func (m DiscoveryModel) renderScanning(width int) string {
	elapsed := time.Since(m.ScanStartTime)
	fraction := min(1.0, float64(elapsed)/float64(m.ScanEstimate))

	content := lipgloss.JoinVertical(lipgloss.Center,
		TitleStyle.Render(fmt.Sprintf("%s SEARCHING FOR PHONES", m.Spinner.View())),
		SubtitleStyle.Render("Probing gateways, then the local subnet..."),
		"",
		m.ProgressBar.ViewAs(fraction),
		SubtitleStyle.Render(fmt.Sprintf("Elapsed: %ds", int(elapsed.Seconds()))),
	)
	return lipgloss.Place(width-4, 0, lipgloss.Center, lipgloss.Top, content)
}

func (m DiscoveryModel) renderResults() string {
	var b strings.Builder
	b.WriteString("\n")

	switch {
	case m.Err != nil:
		b.WriteString(RenderError(m.Err.Error()))
		b.WriteString("\n")
	case len(m.ServiceList.Items()) == 0 && !m.Scanning:
		b.WriteString("  ")
		b.WriteString(WarningStyle.Render("⚠ No phones found on your network"))
		b.WriteString("\n\n")
		b.WriteString("  Troubleshooting:\n")
		b.WriteString("    • Join the phone's hotspot, or put both on the same network\n")
		b.WriteString("    • Start the head unit server or wireless launcher on the phone\n")
		b.WriteString("    • Press 'm' to enter the phone's address by hand\n")
		return b.String()
	}

	if len(m.ServiceList.Items()) > 0 {
		b.WriteString(m.ServiceList.View())
	}
	return b.String()
}

func (m DiscoveryModel) renderManualEntry() string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(RenderSubtitle("Enter the phone's IP address"))
	b.WriteString("\n\n  IP Address: ")
	b.WriteString(m.IPInput.View())
	b.WriteString("\n")
	if m.Err != nil {
		b.WriteString("\n")
		b.WriteString(RenderError(m.Err.Error()))
	}
	return b.String()
}

// Selection returns the chosen service, if any.
func (m DiscoveryModel) Selection() (discovery.Service, bool) {
	if !m.Selected {
		return discovery.Service{}, false
	}
	item, ok := m.ServiceList.SelectedItem().(serviceItem)
	if !ok {
		return discovery.Service{}, false
	}
	return item.service, true
}

// Release stops the scan and closes the open connections of every service
// that was not selected.
func (m DiscoveryModel) Release() {
	m.stopScan()
	chosen, ok := m.Selection()
	for _, it := range m.ServiceList.Items() {
		svc := it.(serviceItem).service
		if svc.Conn == nil || (ok && svc.Conn == chosen.Conn) {
			continue
		}
		svc.Conn.Close()
	}
}

func (m DiscoveryModel) releaseAll() {
	for _, it := range m.ServiceList.Items() {
		if svc := it.(serviceItem).service; svc.Conn != nil {
			svc.Conn.Close()
		}
	}
}

// RunDiscovery shows the discovery screen until the user picks a service or
// quits. The selected service's connection, if any, belongs to the caller.
func RunDiscovery(ctx context.Context, scan ScanFunc, estimate time.Duration) (discovery.Service, bool, error) {
	model := NewDiscoveryModel(scan, estimate)
	model.parent = ctx
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	final, err := p.Run()
	m, ok := final.(DiscoveryModel)
	if err != nil {
		if ok {
			m.stopScan()
			m.releaseAll()
		}
		return discovery.Service{}, false, fmt.Errorf("discovery screen: %w", err)
	}
	m.Release()
	svc, selected := m.Selection()
	return svc, selected, nil
}
