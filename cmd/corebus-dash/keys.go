package main

import "github.com/charmbracelet/bubbles/key"

// keyMap lists the dashboard bindings. It implements help.KeyMap.
type keyMap struct {
	Focus   key.Binding
	Up      key.Binding
	Down    key.Binding
	Pause   key.Binding
	Clear   key.Binding
	Refresh key.Binding
	Quit    key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Focus:   key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "switch pane")),
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Pause:   key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "pause events")),
		Clear:   key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear events")),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Focus, k.Pause, k.Clear, k.Refresh, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down, k.Focus}, {k.Pause, k.Clear, k.Refresh, k.Quit}}
}
