package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sensaura/iothing/internal/app"
	"github.com/sensaura/iothing/internal/connectivity"
	"github.com/sensaura/iothing/internal/device"
	"github.com/sensaura/iothing/internal/discovery"
)

const (
	statusInterval = time.Second
	claimTimeout   = 30 * time.Second
)

// Backend is what the dashboard drives. *app.Context implements it.
type Backend interface {
	Status() app.Status
	SetDiscoveryWanted(wanted bool) bool
	Claim(ctx context.Context, id string) (*device.Device, error)
	Nickname(id string) string
}

// DevicesMsg carries a snapshot of the device collection in order.
type DevicesMsg []*device.Device

// NetworkMsg carries the current connectivity state.
type NetworkMsg connectivity.State

type statusMsg app.Status

type claimResultMsg struct {
	id     string
	device *device.Device
	err    error
}

// keyMap defines the dashboard key bindings
type keyMap struct {
	Up       key.Binding
	Down     key.Binding
	Claim    key.Binding
	Toggle   key.Binding
	Filter   key.Binding
	Quit     key.Binding
	ShowHelp key.Binding
}

// ShortHelp returns keybindings to be shown in the mini help view
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Claim, k.Toggle, k.Filter, k.ShowHelp, k.Quit}
}

// FullHelp returns keybindings for the expanded help view
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Filter},
		{k.Claim, k.Toggle},
		{k.ShowHelp, k.Quit},
	}
}

func defaultKeys() keyMap {
	return keyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "move up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "move down"),
		),
		Claim: key.NewBinding(
			key.WithKeys("enter", "c"),
			key.WithHelp("enter", "claim"),
		),
		Toggle: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "discovery on/off"),
		),
		Filter: key.NewBinding(
			key.WithKeys("/"),
			key.WithHelp("/", "filter"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		ShowHelp: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "more"),
		),
	}
}

// deviceItem adapts a device to list.Item
type deviceItem struct {
	device   *device.Device
	nickname string
}

func (i deviceItem) FilterValue() string {
	return i.device.Name + " " + i.nickname + " " + i.device.ID
}

func (i deviceItem) Title() string {
	if i.nickname != "" && i.nickname != i.device.Name {
		return fmt.Sprintf("%s (%s)", i.nickname, i.device.Name)
	}
	return i.device.Name
}

func (i deviceItem) Description() string {
	parts := []string{i.device.State.String()}
	if addr := i.device.Address(); addr != "" {
		parts = append(parts, addr)
	}
	if i.device.NodeID != "" {
		parts = append(parts, "node "+i.device.NodeID)
	}
	return strings.Join(parts, " · ")
}

// deviceDelegate renders one device as a two-line card
type deviceDelegate struct{}

func (d deviceDelegate) Height() int                             { return 2 }
func (d deviceDelegate) Spacing() int                            { return 1 }
func (d deviceDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }

func (d deviceDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	item, ok := listItem.(deviceItem)
	if !ok {
		return
	}

	title := CardTitleStyle.Render(item.Title())
	if index == m.Index() {
		title = SelectedCardTitleStyle.Render("→ " + item.Title())
	}
	desc := CardDescStyle.Render(item.Description())

	_, _ = fmt.Fprint(w, title+"\n"+desc)
}

// Model is the interactive device dashboard.
type Model struct {
	backend Backend

	list    list.Model
	spinner spinner.Model
	help    help.Model
	keys    keyMap

	status   app.Status
	claiming string
	message  string
	err      error

	width  int
	height int
}

// New creates a dashboard over backend.
func New(backend Backend) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	l := list.New([]list.Item{}, deviceDelegate{}, MinTerminalWidth-4, MinTerminalHeight-8)
	l.Title = "Devices"
	l.Styles.Title = TitleStyle
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(true)
	l.DisableQuitKeybindings()
	l.SetStatusBarItemName("device", "devices")

	return Model{
		backend: backend,
		list:    l,
		spinner: s,
		help:    help.New(),
		keys:    defaultKeys(),
		status:  backend.Status(),
		width:   MinTerminalWidth,
		height:  MinTerminalHeight,
	}
}

// Init starts the spinner and the status poll
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.pollStatus())
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.list.SetSize(clampWidth(msg.Width)-4, max(msg.Height-8, 4))
		return m, nil

	case DevicesMsg:
		return m, m.setDevices(msg)

	case NetworkMsg:
		m.status.Network = connectivity.State(msg)
		return m, nil

	case statusMsg:
		m.status = app.Status(msg)
		return m, m.pollStatus()

	case claimResultMsg:
		m.claiming = ""
		if msg.err != nil {
			m.err = msg.err
			m.message = ""
			return m, nil
		}
		m.err = nil
		m.message = fmt.Sprintf("Claimed %s as node %s", msg.device.Name, msg.device.NodeID)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		// While the filter input is focused every key belongs to it
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.ShowHelp):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		case key.Matches(msg, m.keys.Toggle):
			m.backend.SetDiscoveryWanted(!m.status.Wanted)
			m.status = m.backend.Status()
			return m, nil
		case key.Matches(msg, m.keys.Claim):
			return m.claimSelected()
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m *Model) setDevices(devices []*device.Device) tea.Cmd {
	items := make([]list.Item, len(devices))
	for i, d := range devices {
		items[i] = deviceItem{device: d, nickname: m.backend.Nickname(d.ID)}
	}
	return m.list.SetItems(items)
}

func (m Model) claimSelected() (tea.Model, tea.Cmd) {
	item, ok := m.list.SelectedItem().(deviceItem)
	if !ok || m.claiming != "" {
		return m, nil
	}
	if item.device.IsConfigured() {
		m.err = nil
		m.message = fmt.Sprintf("%s is already claimed", item.device.Name)
		return m, nil
	}

	m.claiming = item.device.ID
	m.message = ""
	m.err = nil
	return m, claimDevice(m.backend, item.device.ID)
}

func claimDevice(backend Backend, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), claimTimeout)
		defer cancel()
		d, err := backend.Claim(ctx, id)
		return claimResultMsg{id: id, device: d, err: err}
	}
}

func (m Model) pollStatus() tea.Cmd {
	backend := m.backend
	return tea.Tick(statusInterval, func(time.Time) tea.Msg {
		return statusMsg(backend.Status())
	})
}

// View renders the dashboard
func (m Model) View() string {
	width := clampWidth(m.width)
	height := max(m.height, MinTerminalHeight)

	var b strings.Builder
	b.WriteString(m.list.View())
	b.WriteString("\n\n")
	b.WriteString(m.renderStatusLine())

	return renderContainer(m.renderHeader(), b.String(), m.help.View(m.keys), width, height)
}

func (m Model) renderHeader() string {
	var network string
	if m.status.Network.Connected {
		label := m.status.Network.NetworkLabel
		if label == "" {
			label = "connected"
		}
		network = ConnectedStyle.Render("● " + label)
	} else {
		network = DisconnectedStyle.Render("○ offline")
	}

	state := m.status.Discovery.String()
	if m.status.Discovery == discovery.Discovering {
		state = m.spinner.View() + " " + state
	} else if !m.status.Wanted {
		state += " (paused)"
	}

	return lipgloss.JoinHorizontal(lipgloss.Top,
		appTitle(), "  ",
		network, "  ",
		StateStyle.Render(state), "  ",
		SubtitleStyle.Render(fmt.Sprintf("%d found", m.status.Devices)),
	)
}

func (m Model) renderStatusLine() string {
	switch {
	case m.claiming != "":
		return MessageStyle.Render(m.spinner.View() + " Claiming " + m.claiming + "...")
	case m.err != nil:
		return ErrorStyle.Render("✗ " + m.err.Error())
	case m.message != "":
		return MessageStyle.Render("✓ " + m.message)
	case m.status.LastError != nil:
		return ErrorStyle.Render("✗ discovery: " + m.status.LastError.Error())
	}
	return ""
}
