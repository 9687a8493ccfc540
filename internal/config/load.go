// Package config loads gosvd's TOML configuration document into the
// Config shapes internal/supervisor consumes, using
// github.com/BurntSushi/toml and modeled, section-wise, on
// supervisord's own process:/eventlistener: .ini groups.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"

	"github.com/gosvd/gosvd/internal/supervisor"
)

// Document is the on-disk shape of a gosvd config file.
type Document struct {
	Group         []GroupDoc `toml:"group"`
	ListenerPool  []PoolDoc  `toml:"listener_pool"`
}

type GroupDoc struct {
	Name     string       `toml:"name"`
	Priority int          `toml:"priority"`
	Process  []ProcessDoc `toml:"process"`
}

type PoolDoc struct {
	Name       string       `toml:"name"`
	Priority   int          `toml:"priority"`
	BufferSize int          `toml:"buffer_size"`
	PoolEvents []string     `toml:"pool_events"`
	Process    []ProcessDoc `toml:"process"`
}

type ProcessDoc struct {
	Name           string            `toml:"name"`
	Command        string            `toml:"command"`
	Priority       int               `toml:"priority"`
	StartSecs      int               `toml:"startsecs"`
	StartRetries   int               `toml:"startretries"`
	StopSignal     string            `toml:"stopsignal"`
	StopWaitSecs   int               `toml:"stopwaitsecs"`
	AutoStart      bool              `toml:"autostart"`
	AutoRestart    bool              `toml:"autorestart"`
	ExitCodes      []int             `toml:"exitcodes"`
	RedirectStderr bool              `toml:"redirect_stderr"`
	Environment    map[string]string `toml:"environment"`
	UID            *int              `toml:"uid"`
}

// Load parses path as TOML into a Document.
func Load(path string) (*Document, error) {
	var doc Document
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("gosvd: loading config %s: %w", path, err)
	}
	return &doc, nil
}

// Groups converts every [[group]] section into a supervisor.GroupConfig.
func (d *Document) Groups() ([]supervisor.GroupConfig, error) {
	out := make([]supervisor.GroupConfig, 0, len(d.Group))
	for _, g := range d.Group {
		pcs, err := processConfigs(g.Process)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.Name, err)
		}
		out = append(out, supervisor.GroupConfig{
			Name:           g.Name,
			Priority:       g.Priority,
			ProcessConfigs: pcs,
		})
	}
	return out, nil
}

// ListenerPools converts every [[listener_pool]] section into a
// supervisor.GroupConfig carrying BufferSize/PoolEvents.
func (d *Document) ListenerPools() ([]supervisor.GroupConfig, error) {
	out := make([]supervisor.GroupConfig, 0, len(d.ListenerPool))
	for _, pool := range d.ListenerPool {
		pcs, err := processConfigs(pool.Process)
		if err != nil {
			return nil, fmt.Errorf("listener_pool %s: %w", pool.Name, err)
		}
		kinds := make([]supervisor.EventKind, 0, len(pool.PoolEvents))
		for _, name := range pool.PoolEvents {
			kind, err := eventKindByName(name)
			if err != nil {
				return nil, fmt.Errorf("listener_pool %s: %w", pool.Name, err)
			}
			kinds = append(kinds, kind)
		}
		out = append(out, supervisor.GroupConfig{
			Name:           pool.Name,
			Priority:       pool.Priority,
			ProcessConfigs: pcs,
			BufferSize:     pool.BufferSize,
			PoolEvents:     kinds,
		})
	}
	return out, nil
}

func processConfigs(docs []ProcessDoc) ([]supervisor.ProcessConfig, error) {
	out := make([]supervisor.ProcessConfig, 0, len(docs))
	for _, pd := range docs {
		sig, err := signalByName(pd.StopSignal)
		if err != nil {
			return nil, fmt.Errorf("process %s: %w", pd.Name, err)
		}
		codes := pd.ExitCodes
		if len(codes) == 0 {
			codes = []int{0}
		}
		startSecs := pd.StartSecs
		if startSecs == 0 {
			startSecs = 1
		}
		stopWait := pd.StopWaitSecs
		if stopWait == 0 {
			stopWait = 10
		}
		out = append(out, supervisor.ProcessConfig{
			Name:           pd.Name,
			Command:        pd.Command,
			Priority:       pd.Priority,
			StartSecs:      startSecs,
			StartRetries:   pd.StartRetries,
			StopSignal:     sig,
			StopWaitSecs:   stopWait,
			AutoStart:      pd.AutoStart,
			AutoRestart:    pd.AutoRestart,
			ExitCodes:      supervisor.NewExitSet(codes...),
			RedirectStderr: pd.RedirectStderr,
			Environment:    pd.Environment,
			UID:            pd.UID,
		})
	}
	return out, nil
}

func signalByName(name string) (unix.Signal, error) {
	switch name {
	case "", "TERM":
		return unix.SIGTERM, nil
	case "INT":
		return unix.SIGINT, nil
	case "HUP":
		return unix.SIGHUP, nil
	case "QUIT":
		return unix.SIGQUIT, nil
	case "KILL":
		return unix.SIGKILL, nil
	case "USR1":
		return unix.SIGUSR1, nil
	case "USR2":
		return unix.SIGUSR2, nil
	default:
		return 0, fmt.Errorf("unknown stopsignal %q", name)
	}
}

func eventKindByName(name string) (supervisor.EventKind, error) {
	switch name {
	case "PROCESS_STATE_CHANGE_EVENT":
		return supervisor.KindProcessStateChange, nil
	case "PROCESS_COMMUNICATION_EVENT":
		return supervisor.KindProcessCommunication, nil
	case "PROCESS_COMMUNICATION_STDOUT_EVENT":
		return supervisor.KindProcessCommunicationStdout, nil
	case "PROCESS_COMMUNICATION_STDERR_EVENT":
		return supervisor.KindProcessCommunicationStderr, nil
	case "SUPERVISOR_STATE_CHANGE_EVENT":
		return supervisor.KindSupervisorStateChange, nil
	default:
		return supervisor.EventKind{}, fmt.Errorf("unknown pool_events entry %q", name)
	}
}
