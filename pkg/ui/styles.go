package ui

import "github.com/charmbracelet/lipgloss"

var (
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Background(lipgloss.Color("236")).Padding(0, 1)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	localStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Bold(true)
	remoteStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	timeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	enabledStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Background(lipgloss.Color("62")).Padding(0, 1)
	disabledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Strikethrough(true).Padding(0, 1)
	inputBorder   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62"))
)
