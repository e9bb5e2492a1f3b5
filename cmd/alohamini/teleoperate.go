package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/alohamini/pkg/episode"
	"github.com/gwillem/alohamini/pkg/link"
	"github.com/gwillem/alohamini/pkg/robot"
	"github.com/gwillem/alohamini/pkg/teleop"
	"github.com/gwillem/alohamini/pkg/wire"
)

type TeleoperateCommand struct {
	Host    string `long:"host" default:"ws://127.0.0.1:9301/teleop" description:"Host link URL"`
	Hz      int    `long:"hz" default:"30" description:"Control loop frequency"`
	Mirror  bool   `long:"mirror" description:"Mirror mode: invert shoulder_pan and wrist_roll positions"`
	Dummy   bool   `long:"dummy" description:"Sample simulated leader arms instead of hardware"`
	Episode string `long:"episodes" default:"episodes" description:"Directory for recorded episodes"`
}

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

// Motor colors - distinct colors for each motor
var motorColors = map[robot.MotorName]string{
	robot.ShoulderPan:  "196", // red
	robot.ShoulderLift: "208", // orange
	robot.ElbowFlex:    "226", // yellow
	robot.WristFlex:    "46",  // green
	robot.WristRoll:    "51",  // cyan
	robot.Gripper:      "201", // magenta
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	alertStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	recStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
)

type teleopModel struct {
	ctrl       *teleop.Controller
	episodeDir string
	chart      *streamlinechart.Model
	width      int
	height     int
	logs       []string
	quitting   bool
	recording  bool

	linkUp bool
	stale  bool
	tick   uint64
}

func (m *teleopModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// Messages from the controller
type stateMsg teleop.State
type logMsg string

func waitForState(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-ctrl.States())
	}
}

func waitForLog(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-ctrl.Logs())
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *teleopModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20 // default size before we know terminal size
	}
	width = m.width - borderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - headerHeight - legendHeight - footerHeight - borderSize
	if height < 10 {
		height = 10
	}
	return width, height
}

func (m *teleopModel) resizeChart() {
	w, h := m.chartSize()
	m.chart.Resize(w, h)
}

func datasetName(arm wire.ArmID, motor robot.MotorName) string {
	return fmt.Sprintf("%s %s", arm, motor)
}

func initialTeleopModel(ctrl *teleop.Controller, arms []wire.ArmID, episodeDir string) teleopModel {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(-100, 100),
	)

	for _, arm := range arms {
		for _, name := range robot.AllMotors() {
			style := lipgloss.NewStyle().Foreground(lipgloss.Color(motorColors[name]))
			chart.SetDataSetStyles(datasetName(arm, name), runes.ThinLineStyle, style)
		}
	}

	return teleopModel{
		ctrl:       ctrl,
		episodeDir: episodeDir,
		chart:      &chart,
		linkUp:     true,
	}
}

func (m teleopModel) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.ctrl),
		waitForLog(m.ctrl),
	)
}

func (m *teleopModel) toggleRecording() {
	if m.recording {
		if err := m.ctrl.StopRecording(); err != nil {
			m.addLog(fmt.Sprintf("Stop recording: %v", err))
		}
		m.recording = false
		return
	}
	name := time.Now().Format("20060102-150405")
	path := filepath.Join(m.episodeDir, "ep-"+name+".jsonl")
	if err := os.MkdirAll(m.episodeDir, 0o755); err != nil {
		m.addLog(fmt.Sprintf("Recording: %v", err))
		return
	}
	if err := m.ctrl.StartRecording(episode.NewWriter(path), name); err != nil {
		m.addLog(fmt.Sprintf("Recording: %v", err))
		return
	}
	m.recording = true
}

func (m teleopModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.toggleRecording()
			return m, nil
		case "u":
			m.ctrl.AdjustLift(wire.ArmLeft, 5)
			return m, nil
		case "j":
			m.ctrl.AdjustLift(wire.ArmLeft, -5)
			return m, nil
		}

	case stateMsg:
		state := teleop.State(msg)
		m.tick = state.Tick
		m.linkUp = state.LinkUp
		m.stale = state.Stale
		if state.Error != nil {
			m.addLog(fmt.Sprintf("Error: %v", state.Error))
		}
		if len(state.Follower) > 0 {
			for arm, st := range state.Follower {
				for name, pos := range st.Positions {
					m.chart.PushDataSet(datasetName(arm, name), pos*100)
				}
			}
			m.chart.DrawAll()
		}
		return m, waitForState(m.ctrl)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.ctrl)
	}

	return m, nil
}

func (m teleopModel) View() string {
	if m.quitting {
		return "Teleoperation stopped.\n"
	}

	var sb strings.Builder

	// Header with link health
	sb.WriteString(titleStyle.Render("AlohaMini Teleoperate"))
	sb.WriteString(fmt.Sprintf(" - %d Hz - tick %d", m.ctrl.Hz(), m.tick))
	if !m.linkUp {
		sb.WriteString("  " + alertStyle.Render("LINK DOWN"))
	} else if m.stale {
		sb.WriteString("  " + alertStyle.Render("STALE"))
	}
	if m.recording {
		sb.WriteString("  " + recStyle.Render("● REC"))
	}
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	sb.WriteString(renderLegend())
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(m.width - 4).
		Foreground(lipgloss.Color("9"))

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("q quit  r record  u/j lift up/down")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func renderLegend() string {
	var items []string
	for _, name := range robot.AllMotors() {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(motorColors[name])).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+string(name))
	}
	return strings.Join(items, "  ")
}

func (c *TeleoperateCommand) Execute(args []string) error {
	cfg, err := robot.LoadConfigFrom(opts.Config)
	if err != nil {
		if !c.Dummy {
			fmt.Fprintln(os.Stderr, "No configuration found. Run 'alohamini setup' first.")
			os.Exit(1)
		}
		cfg = dummyConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leaders, err := c.openLeaders(ctx, cfg)
	if err != nil {
		return err
	}

	source, err := teleop.NewLeaderSource(ctx, leaders, c.Mirror)
	if err != nil {
		return err
	}

	arms := make([]wire.ArmID, 0, len(leaders))
	for arm := range leaders {
		arms = append(arms, arm)
	}

	client, err := link.Dial(ctx, c.Host, arms, zerolog.Nop())
	if err != nil {
		source.Close()
		return fmt.Errorf("connect to host: %w", err)
	}

	ctrl := teleop.NewController(teleop.Config{Hz: c.Hz}, source, client, zerolog.Nop())
	defer ctrl.Close()

	go func() {
		if err := ctrl.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("Controller error: %v", err)
		}
	}()

	p := tea.NewProgram(initialTeleopModel(ctrl, arms, c.Episode), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running program: %v", err)
	}

	return nil
}

func (c *TeleoperateCommand) openLeaders(ctx context.Context, cfg *robot.Config) (map[wire.ArmID]*robot.Arm, error) {
	leaders := make(map[wire.ArmID]*robot.Arm)
	for side := range cfg.Arms {
		armCfg, ok := cfg.Arm(robot.RoleLeader, side)
		if !ok {
			continue
		}
		if c.Dummy {
			leaders[wire.SideID(side)] = simArm(robot.RoleLeader, side)
			continue
		}
		if !armCfg.IsCalibrated() {
			return nil, fmt.Errorf("%s leader arm is not calibrated, run 'alohamini setup'", side)
		}
		arm, err := robot.OpenArm(ctx, armCfg.Port, robot.RoleLeader, side, armCfg.Calibration)
		if err != nil {
			return nil, err
		}
		leaders[wire.SideID(side)] = arm
	}
	if len(leaders) == 0 {
		return nil, fmt.Errorf("no leader arms configured")
	}
	return leaders, nil
}
