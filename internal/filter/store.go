package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store keeps the selection scheduled runs and filterless api runs use. A
// saved selection replaces the configured one until it is saved again.
type Store struct {
	path     string
	fallback Config
	loc      *time.Location
	mutex    sync.Mutex
}

func NewStore(path string, fallback Config, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{path: path, fallback: fallback, loc: loc}
}

// Config returns the saved selection, or the configured one when nothing
// was saved yet.
func (s *Store) Config() (Config, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.read()
}

// Selection resolves Config. Relative date ranges are resolved on every
// call, a saved "last_7_days" always means the 7 days before the run.
func (s *Store) Selection() (Selection, error) {
	config, err := s.Config()
	if err != nil {
		return Selection{}, err
	}
	return config.Selection(s.loc)
}

// Save validates config and persists it, an invalid config leaves the saved
// one untouched.
func (s *Store) Save(config Config) (Selection, error) {
	sel, err := config.Selection(s.loc)
	if err != nil {
		return Selection{}, err
	}
	err = sel.Validate()
	if err != nil {
		return Selection{}, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	err = s.write(ConfigOf(sel))
	if err != nil {
		return Selection{}, err
	}
	return sel, nil
}

func (s *Store) read() (Config, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s.fallback, nil
	}
	if err != nil {
		return Config{}, err
	}
	var config Config
	err = json.Unmarshal(data, &config)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", s.path, err)
	}
	return config, nil
}

// write replaces the file through a rename so readers in other processes
// never see half of it.
func (s *Store) write(config Config) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(append(data, '\n'))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return os.Rename(tmp.Name(), s.path)
}
