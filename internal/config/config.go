package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/swarmchat/internal/util"
)

var log = logging.Logger("config")

const (
	settingsFile = "settings.json"

	// maxRecentRooms caps the remembered room ticket list.
	maxRecentRooms = 10
)

// Settings is the persisted local state: read once at startup, written on
// change. The secret key itself lives in KeyFile, never in this file.
type Settings struct {
	Nickname    string   `json:"nickname"`
	KeyFile     string   `json:"key_file"`
	RecentRooms []string `json:"recent_rooms,omitempty"`
}

// Store binds Settings to the peer directory it lives in.
type Store struct {
	dir      string
	Settings Settings
}

// Load reads the settings from dir, creating defaults on first run.
func Load(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create peer directory: %w", err)
	}
	st := &Store{dir: abs}
	data, err := os.ReadFile(st.path())
	switch {
	case errors.Is(err, os.ErrNotExist):
		st.Settings = Settings{KeyFile: filepath.Join(abs, "identity.key")}
		if err := st.Save(); err != nil {
			return nil, err
		}
		log.Infof("created default settings at %s", st.path())
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(data, &st.Settings); err != nil {
			return nil, fmt.Errorf("parse %s: %w", st.path(), err)
		}
		if st.Settings.KeyFile == "" {
			st.Settings.KeyFile = filepath.Join(abs, "identity.key")
		}
	}
	st.Settings.KeyFile = util.ResolvePath(abs, st.Settings.KeyFile)
	return st, nil
}

func (s *Store) path() string {
	return filepath.Join(s.dir, settingsFile)
}

// Dir returns the peer directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the settings back to disk.
func (s *Store) Save() error {
	return util.WriteJSONFile(s.path(), s.Settings)
}

// SetNickname persists a nickname change.
func (s *Store) SetNickname(nickname string) error {
	s.Settings.Nickname = nickname
	return s.Save()
}

// AddRecentRoom remembers a room ticket, most recent first, deduplicated.
func (s *Store) AddRecentRoom(ticket string) error {
	rooms := []string{ticket}
	for _, r := range s.Settings.RecentRooms {
		if r != ticket {
			rooms = append(rooms, r)
		}
	}
	if len(rooms) > maxRecentRooms {
		rooms = rooms[:maxRecentRooms]
	}
	s.Settings.RecentRooms = rooms
	return s.Save()
}

// Watch re-reads the settings file whenever it changes on disk and reports
// the fresh values to onChange. Editors replace files rather than writing
// in place, so the watcher covers the directory and filters by name.
// Returns a stop function.
func (s *Store) Watch(onChange func(Settings)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		// Debounce: editors fire several events per save.
		var last time.Time
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != settingsFile {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if time.Since(last) < 100*time.Millisecond {
					continue
				}
				last = time.Now()
				data, err := os.ReadFile(s.path())
				if err != nil {
					continue
				}
				var fresh Settings
				if err := json.Unmarshal(data, &fresh); err != nil {
					log.Warnf("ignoring unparseable settings update: %v", err)
					continue
				}
				onChange(fresh)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("settings watcher: %v", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
