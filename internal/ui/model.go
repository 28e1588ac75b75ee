// ABOUTME: Bubbletea model for the beatwatch monitor TUI
// ABOUTME: Tracks per-player cards of devices, metadata, mounts, and caches
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/harperreed/beatlink-go/pkg/devices"
	"github.com/harperreed/beatlink-go/pkg/metadata"
)

// Controls carries requests from the TUI back to the application.
type Controls struct {
	TogglePassive chan struct{}
}

// NewControls creates the control channels the TUI sends on.
func NewControls() *Controls {
	return &Controls{
		TogglePassive: make(chan struct{}, 1),
	}
}

// DeviceFoundMsg reports a device appearing on the network.
type DeviceFoundMsg struct {
	Announcement *devices.DeviceAnnouncement
}

// DeviceLostMsg reports a device vanishing from the network.
type DeviceLostMsg struct {
	Announcement *devices.DeviceAnnouncement
}

// MetadataMsg reports a change in the metadata known for a player. A nil
// track means the player no longer has one loaded.
type MetadataMsg struct {
	Player int
	Track  *metadata.TrackMetadata
}

// CacheStateMsg reports a change in cache attachments or mounted media.
type CacheStateMsg struct {
	State metadata.CacheState
}

// PassiveMsg reports the current passive-mode setting.
type PassiveMsg struct {
	Passive bool
}

// playerCard is everything the TUI shows for one player.
type playerCard struct {
	announcement *devices.DeviceAnnouncement
	track        *metadata.TrackMetadata
}

// Model is the TUI state.
type Model struct {
	players    map[int]*playerCard
	cacheState metadata.CacheState
	passive    bool
	startTime  time.Time
	width      int
	height     int
	quitting   bool
	controls   *Controls
}

// NewModel creates the initial TUI model.
func NewModel(controls *Controls) Model {
	return Model{
		players:   make(map[int]*playerCard),
		startTime: time.Now(),
		controls:  controls,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case DeviceFoundMsg:
		m.card(msg.Announcement.Number).announcement = msg.Announcement
	case DeviceLostMsg:
		delete(m.players, msg.Announcement.Number)
	case MetadataMsg:
		m.card(msg.Player).track = msg.Track
	case CacheStateMsg:
		m.cacheState = msg.State
	case PassiveMsg:
		m.passive = msg.Passive
	}
	return m, nil
}

// card returns the card for a player, creating it on first sight.
func (m Model) card(player int) *playerCard {
	if card, ok := m.players[player]; ok {
		return card
	}
	card := &playerCard{}
	m.players[player] = card
	return card
}

// handleKey handles keyboard input.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "p":
		if m.controls != nil {
			select {
			case m.controls.TogglePassive <- struct{}{}:
			default:
			}
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return "Shutting down beatwatch...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		MarginBottom(1)

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86"))

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("250"))

	playerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("220"))

	var b strings.Builder
	b.WriteString(titleStyle.Render("beatwatch"))
	b.WriteString("\n\n")

	mode := "active"
	if m.passive {
		mode = "passive (caches only)"
	}
	b.WriteString(headerStyle.Render("Mode:   "))
	b.WriteString(valueStyle.Render(mode))
	b.WriteString("\n")
	b.WriteString(headerStyle.Render("Uptime: "))
	b.WriteString(valueStyle.Render(time.Since(m.startTime).Round(time.Second).String()))
	b.WriteString("\n\n")

	numbers := make([]int, 0, len(m.players))
	for number := range m.players {
		numbers = append(numbers, number)
	}
	sort.Ints(numbers)

	b.WriteString(playerStyle.Render(fmt.Sprintf("Players (%d)", len(numbers))))
	b.WriteString("\n\n")
	if len(numbers) == 0 {
		b.WriteString(valueStyle.Render("  Waiting for players to announce themselves..."))
		b.WriteString("\n")
	}
	for _, number := range numbers {
		b.WriteString(m.renderPlayer(number, headerStyle, valueStyle, playerStyle))
	}

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Faint(true).Render("p: toggle passive  q: quit"))
	return b.String()
}

// renderPlayer renders one player's card.
func (m Model) renderPlayer(number int, header, value, title lipgloss.Style) string {
	card := m.players[number]

	var b strings.Builder
	name := "announced indirectly"
	if card.announcement != nil {
		name = fmt.Sprintf("%s at %s", card.announcement.Name, card.announcement.Address)
	}
	b.WriteString(title.Render(fmt.Sprintf("  Player %d", number)))
	b.WriteString(value.Render(fmt.Sprintf("  %s", name)))
	b.WriteString("\n")

	if card.track != nil {
		b.WriteString(header.Render("    Track:  "))
		b.WriteString(value.Render(card.track.Title))
		b.WriteString("\n")
		b.WriteString(header.Render("    Artist: "))
		b.WriteString(value.Render(card.track.Artist))
		b.WriteString("\n")
		b.WriteString(header.Render("    Album:  "))
		b.WriteString(value.Render(card.track.Album))
		b.WriteString("\n")
		b.WriteString(header.Render("    Length: "))
		b.WriteString(value.Render(fmt.Sprintf("%d:%02d at %.1f BPM",
			card.track.Duration/60, card.track.Duration%60,
			float64(card.track.Tempo)/100)))
		b.WriteString("\n")
	} else {
		b.WriteString(value.Render("    No track loaded"))
		b.WriteString("\n")
	}

	if media := m.describeMedia(number); media != "" {
		b.WriteString(header.Render("    Media:  "))
		b.WriteString(value.Render(media))
		b.WriteString("\n")
	}
	return b.String()
}

// describeMedia summarizes a player's mounted slots and attached caches.
func (m Model) describeMedia(player int) string {
	var parts []string
	for _, mounted := range m.cacheState.UsbMounts {
		if mounted == player {
			parts = append(parts, "USB mounted")
		}
	}
	for _, mounted := range m.cacheState.SdMounts {
		if mounted == player {
			parts = append(parts, "SD mounted")
		}
	}
	if path, ok := m.cacheState.UsbCaches[player]; ok {
		parts = append(parts, fmt.Sprintf("USB cache %s", path))
	}
	if path, ok := m.cacheState.SdCaches[player]; ok {
		parts = append(parts, fmt.Sprintf("SD cache %s", path))
	}
	return strings.Join(parts, ", ")
}
