package operator

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"rcdrive/pkg/protocol"
)

const viewRefresh = 200 * time.Millisecond

type refreshMsg time.Time

// Keyboard is the terminal front end of a Sender. status, when set,
// supplies the tail of the one-line view (link or connection state).
type Keyboard struct {
	sender   *Sender
	status   func() string
	quitting bool
}

func NewKeyboard(s *Sender, status func() string) Keyboard {
	return Keyboard{sender: s, status: status}
}

func (k Keyboard) Init() tea.Cmd {
	return refresh()
}

func (k Keyboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			k.quitting = true
			return k, tea.Quit
		case tea.KeyEnter:
			k.sender.Press(protocol.KeyToggle)
		case tea.KeySpace:
			k.sender.Press(protocol.KeyStop)
		case tea.KeyRunes:
			for _, r := range msg.Runes {
				switch r {
				case 'q', 'Q':
					k.quitting = true
					return k, tea.Quit
				case 'w', 's', 'a', 'd', ' ':
					k.sender.Press(byte(r))
				}
			}
		}
	case refreshMsg:
		return k, refresh()
	}
	return k, nil
}

func (k Keyboard) View() string {
	if k.quitting {
		return "stopped\n"
	}
	held := k.sender.Held()
	keys := "-"
	if len(held) > 0 {
		keys = strings.ToUpper(string(held))
	}
	line := fmt.Sprintf("wasd move, space stop, Enter toggle, q quit | keys %s", keys)
	if k.status != nil {
		line += " | " + k.status()
	}
	return line + "\n"
}

func refresh() tea.Cmd {
	return tea.Tick(viewRefresh, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

// RunKeyboard runs the terminal UI until the operator quits or ctx ends.
func RunKeyboard(ctx context.Context, s *Sender, status func() string, opts ...tea.ProgramOption) error {
	p := tea.NewProgram(NewKeyboard(s, status), opts...)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.Quit()
		case <-done:
		}
	}()
	_, err := p.Run()
	return err
}
