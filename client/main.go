package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/puyokura/stompchat/authapi"
	"github.com/puyokura/stompchat/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, logFile, err := setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logFile.Close()

	creds, err := session.OpenBadgerStore(cfg.StateDir)
	if err != nil {
		return err
	}
	defer creds.Close()

	api := authapi.New(cfg.APIURL)
	net := NewNetwork(cfg.WSURL, cfg.ReconnectDelay, cfg.HeartBeat, log)
	defer net.Close()
	manager := session.NewManager(api, creds, net, log)
	// Closing tears the transport down; stored credentials survive a quit.
	defer manager.Close()

	if _, err := manager.Restore(); err != nil {
		log.Warn("could not restore session", "error", err)
	}

	p := tea.NewProgram(initialModel(manager, api, net, log), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("ui: %w", err)
	}
	return nil
}
