// Package ui provides consistent styling and components for the inputmux CLI
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Color palette - consistent across the application
var (
	ColorPrimary   = lipgloss.Color("39")  // Bright blue
	ColorSecondary = lipgloss.Color("205") // Pink/magenta
	ColorSuccess   = lipgloss.Color("82")  // Green
	ColorWarning   = lipgloss.Color("214") // Orange
	ColorError     = lipgloss.Color("196") // Red
	ColorInfo      = lipgloss.Color("86")  // Cyan

	ColorText   = lipgloss.Color("252") // Light gray
	ColorSubtle = lipgloss.Color("241") // Medium gray
)

// Base styles - building blocks for other styles
var (
	TextStyle = lipgloss.NewStyle().
			Foreground(ColorText)

	SubtleStyle = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			MarginBottom(1)

	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("230")).
			Padding(0, 1)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	ControlKeyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	StatusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	SpinnerStyle = lipgloss.NewStyle().
			Foreground(ColorSecondary)
)

// Per-backend accent used wherever a handle is printed.
var backendStyles = map[string]lipgloss.Style{
	"kernel":  lipgloss.NewStyle().Foreground(ColorInfo).Bold(true),
	"display": lipgloss.NewStyle().Foreground(ColorSecondary).Bold(true),
}

// BackendStyle returns the accent style for a backend name.
func BackendStyle(backend string) lipgloss.Style {
	if s, ok := backendStyles[backend]; ok {
		return s
	}
	return TextStyle
}

// FormatAppHeader renders a title with an optional subtitle below it.
func FormatAppHeader(title, subtitle string) string {
	h := HeaderStyle.Render(title)
	if subtitle == "" {
		return h
	}
	return h + "\n" + SubtleStyle.Render(subtitle)
}

func FormatControl(key, desc string) string {
	return ControlKeyStyle.Render(key) + " " + SubtleStyle.Render(desc)
}

// CreateSeparator creates a horizontal line separator
func CreateSeparator(width int, char string) string {
	if width <= 0 {
		width = 50
	}
	if char == "" {
		char = "─"
	}
	return SubtleStyle.Render(strings.Repeat(char, width))
}

func pluralize(count int) string {
	if count == 1 {
		return ""
	}
	return "s"
}
