package tui

func restoreTerminal() {}
