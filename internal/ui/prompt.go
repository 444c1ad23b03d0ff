// Package ui holds the terminal side of kflash: interactive prompts and
// the rendering of device listings and flash results.
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"kalico-flash/internal/build"
	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/model"
)

type keyMap struct {
	Prev   key.Binding
	Next   key.Binding
	Select key.Binding
	Yes    key.Binding
	No     key.Binding
	Quit   key.Binding
}

var keys = keyMap{
	Prev:   key.NewBinding(key.WithKeys("up", "left", "k", "h"), key.WithHelp("←/↑", "previous")),
	Next:   key.NewBinding(key.WithKeys("down", "right", "j", "l", "tab"), key.WithHelp("→/↓", "next")),
	Select: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "select")),
	Yes:    key.NewBinding(key.WithKeys("y", "Y"), key.WithHelp("y", "yes")),
	No:     key.NewBinding(key.WithKeys("n", "N"), key.WithHelp("n", "no")),
	Quit:   key.NewBinding(key.WithKeys("ctrl+c", "esc", "q"), key.WithHelp("esc", "abort")),
}

// choice is a single-selection prompt.
type choice struct {
	title    string
	detail   string
	options  []string
	cursor   int
	chosen   int
	yesNo    bool
	quitting bool
	styles   promptStyles
}

type promptStyles struct {
	title, detail, active, inactive, help lipgloss.Style
}

func newPromptStyles() promptStyles {
	return promptStyles{
		title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorPink)),
		detail:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorForeground)).PaddingLeft(2),
		active:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorGreen)),
		inactive: lipgloss.NewStyle().Foreground(lipgloss.Color(colorComment)),
		help:     lipgloss.NewStyle().Foreground(lipgloss.Color(colorComment)),
	}
}

func newChoice(title, detail string, options []string, initial int) *choice {
	return &choice{title: title, detail: detail, options: options, cursor: initial, chosen: -1, styles: newPromptStyles()}
}

func newYesNo(question string, defaultYes bool) *choice {
	c := newChoice(question, "", []string{"Yes", "No"}, 1)
	if defaultYes {
		c.cursor = 0
	}
	c.yesNo = true
	return c
}

func (*choice) Init() tea.Cmd { return nil }

func (c *choice) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	km, ok := msg.(tea.KeyMsg)
	if !ok {
		return c, nil
	}
	switch {
	case key.Matches(km, keys.Quit):
		c.quitting = true
		return c, tea.Quit
	case key.Matches(km, keys.Prev):
		c.cursor = (c.cursor + len(c.options) - 1) % len(c.options)
	case key.Matches(km, keys.Next):
		c.cursor = (c.cursor + 1) % len(c.options)
	case key.Matches(km, keys.Select):
		c.chosen = c.cursor
		return c, tea.Quit
	case c.yesNo && key.Matches(km, keys.Yes):
		c.chosen = 0
		return c, tea.Quit
	case c.yesNo && key.Matches(km, keys.No):
		c.chosen = 1
		return c, tea.Quit
	}
	return c, nil
}

func (c *choice) View() string {
	if c.chosen >= 0 || c.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(c.styles.title.Render(c.title))
	b.WriteString("\n")
	if c.detail != "" {
		b.WriteString(c.styles.detail.Render(c.detail))
		b.WriteString("\n")
	}
	for i, opt := range c.options {
		if i == c.cursor {
			b.WriteString(c.styles.active.Render("> " + opt))
		} else {
			b.WriteString(c.styles.inactive.Render("  " + opt))
		}
		b.WriteString("\n")
	}
	help := []key.Binding{keys.Next, keys.Select, keys.Quit}
	if c.yesNo {
		help = append(help, keys.Yes, keys.No)
	}
	parts := make([]string, len(help))
	for i, h := range help {
		parts[i] = h.Help().Key + " " + h.Help().Desc
	}
	b.WriteString(c.styles.help.Render(strings.Join(parts, " • ")))
	b.WriteString("\n")
	return b.String()
}

// errAborted is returned when the operator leaves a prompt without an answer.
var errAborted = errors.New("prompt aborted")

// Prompter asks the operator through a bubbletea program on the terminal.
type Prompter struct {
	in  io.Reader
	out io.Writer
	run func(ctx context.Context, m tea.Model) (tea.Model, error)
}

// NewPrompter creates a Prompter reading in and drawing on out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	p := &Prompter{in: in, out: out}
	p.run = p.program
	return p
}

func (p *Prompter) program(ctx context.Context, m tea.Model) (tea.Model, error) {
	prog := tea.NewProgram(m, tea.WithInput(p.in), tea.WithOutput(p.out), tea.WithContext(ctx))
	return prog.Run()
}

func (p *Prompter) ask(ctx context.Context, c *choice) (int, error) {
	final, err := p.run(ctx, c)
	if ctx.Err() != nil {
		return -1, flasherr.Wrap(ctx.Err(), flasherr.Cancelled, "prompt", "interrupted")
	}
	if err != nil {
		return -1, fmt.Errorf("prompt failed: %w", err)
	}
	got, ok := final.(*choice)
	if !ok || got.quitting || got.chosen < 0 {
		return -1, errAborted
	}
	return got.chosen, nil
}

// Confirm asks a yes/no question; No is preselected and Esc answers No.
func (p *Prompter) Confirm(ctx context.Context, question string) (bool, error) {
	idx, err := p.ask(ctx, newYesNo(question, false))
	if errors.Is(err, errAborted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return idx == 0, nil
}

// ManualBootloader tells the operator how to put d into its bootloader
// and waits until they report it ready.
func (p *Prompter) ManualBootloader(ctx context.Context, d *model.Device) (bool, error) {
	c := newChoice(
		fmt.Sprintf("Put %s into its bootloader", d.Name),
		ManualInstructions(d),
		[]string{"Ready, flash it", "Abort"},
		0,
	)
	idx, err := p.ask(ctx, c)
	if errors.Is(err, errAborted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return idx == 0, nil
}

// Acceleration asks what to do when ccache is wanted but not installed.
// Leaving the prompt builds without it.
func (p *Prompter) Acceleration(ctx context.Context) (build.Resolution, error) {
	c := newChoice(
		"ccache is enabled but not installed",
		"Installing it needs sudo and network access.",
		[]string{"Install ccache now", "Build without ccache", "Turn build acceleration off"},
		0,
	)
	idx, err := p.ask(ctx, c)
	if errors.Is(err, errAborted) {
		return build.ResolveSkip, nil
	}
	if err != nil {
		return build.ResolveSkip, err
	}
	return []build.Resolution{build.ResolveInstall, build.ResolveSkip, build.ResolveDisable}[idx], nil
}

// ManualInstructions describes the physical step for a manual bootloader.
func ManualInstructions(d *model.Device) string {
	if d.FlashMethod == model.FlashUF2Mount {
		return "Hold BOOTSEL while plugging the board in (or while pressing reset).\nIt should appear as an RPI-RP2 drive."
	}
	return "Double-press the reset button, or set the boot jumper and power cycle."
}

// AutoPrompter answers without a terminal. Confirm returns the Yes field. Manual
// bootloader entry is delegated to Inner when set and refused otherwise,
// and missing ccache never triggers a package install.
type AutoPrompter struct {
	Yes   bool
	Inner interface {
		ManualBootloader(ctx context.Context, d *model.Device) (bool, error)
	}
}

func (a *AutoPrompter) Confirm(context.Context, string) (bool, error) { return a.Yes, nil }

func (a *AutoPrompter) ManualBootloader(ctx context.Context, d *model.Device) (bool, error) {
	if a.Inner != nil {
		return a.Inner.ManualBootloader(ctx, d)
	}
	return false, flasherr.Newf(flasherr.PreflightFailed, "bootloader", "%s needs manual bootloader entry and no terminal is attached", d.Key)
}

func (a *AutoPrompter) Acceleration(context.Context) (build.Resolution, error) {
	return build.ResolveSkip, nil
}

// Interactive reports whether f is a terminal.
func Interactive(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
