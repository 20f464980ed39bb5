package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/animanet/anima/go/message"
)

func threadFile(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid thread id %q", id)
	}
	return id + ".json", nil
}

// ReadThread returns the messages of |id| in order; an absent file is empty.
func (s *Store) ReadThread(id string) ([]*message.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readThread(id)
}

func (s *Store) readThread(id string) ([]*message.Envelope, error) {
	var name, err = threadFile(id)
	if err != nil {
		return nil, err
	}
	var msgs []*message.Envelope
	if err = s.readJSONOrEmpty(filepath.Join("threads", name), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// WriteThread replaces the thread file for |id|.
func (s *Store) WriteThread(id string, msgs []*message.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeThread(id, msgs)
}

func (s *Store) writeThread(id string, msgs []*message.Envelope) error {
	var name, err = threadFile(id)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []*message.Envelope{}
	}
	return s.writeJSON(filepath.Join("threads", name), msgs)
}

// AppendThread appends |m| to the thread file for |id|, creating it on
// first use.
func (s *Store) AppendThread(id string, m *message.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgs, err = s.readThread(id)
	if err != nil {
		return err
	}
	return s.writeThread(id, append(msgs, m))
}

// DeleteThread removes the thread file for |id|. Deleting an absent thread
// is not an error.
func (s *Store) DeleteThread(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var name, err = threadFile(id)
	if err != nil {
		return err
	}
	if err = os.Remove(filepath.Join(s.dir, "threads", name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting thread %s: %w", id, err)
	}
	return nil
}

// ListThreads returns the identifiers of all persisted threads.
func (s *Store) ListThreads() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries, err = os.ReadDir(filepath.Join(s.dir, "threads"))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	return ids, nil
}
