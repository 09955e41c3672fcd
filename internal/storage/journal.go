// Package storage persists the signal journal: every signal the pipeline
// has seen, its latest status, and the broker order identity it produced.
// The journal is the durable link between a signal and its order.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dmilligan/autospread/internal/models"
)

// Journal is a file-backed signal record. Writes go to a temp file first
// and rename into place so a crash mid-write never corrupts the journal.
type Journal struct {
	mu       sync.RWMutex
	filepath string
	data     *journalData
}

type journalData struct {
	Signals map[string]models.Signal `json:"signals"`
	// OrderLinks maps signal ID to broker order ID once executed.
	OrderLinks  map[string]string `json:"order_links"`
	LastUpdated time.Time         `json:"last_updated"`
}

// NewJournal opens (or creates) the journal at the given path.
func NewJournal(filepath string) (*Journal, error) {
	j := &Journal{
		filepath: filepath,
		data: &journalData{
			Signals:    make(map[string]models.Signal),
			OrderLinks: make(map[string]string),
		},
	}

	if _, err := os.Stat(filepath); err == nil {
		if err := j.load(); err != nil {
			return nil, fmt.Errorf("loading journal: %w", err)
		}
	}
	return j, nil
}

func (j *Journal) load() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	raw, err := os.ReadFile(j.filepath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &j.data); err != nil {
		return err
	}
	if j.data.Signals == nil {
		j.data.Signals = make(map[string]models.Signal)
	}
	if j.data.OrderLinks == nil {
		j.data.OrderLinks = make(map[string]string)
	}
	return nil
}

// SaveSignal upserts one signal and records its order link when present.
func (j *Journal) SaveSignal(sig *models.Signal) error {
	if sig == nil || sig.ID == "" {
		return fmt.Errorf("journal: signal without identity")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.data.Signals[sig.ID] = *sig
	if sig.OrderID != "" {
		j.data.OrderLinks[sig.ID] = sig.OrderID
	}
	return j.saveLocked()
}

// GetSignal returns one recorded signal.
func (j *Journal) GetSignal(id string) (models.Signal, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	sig, ok := j.data.Signals[id]
	return sig, ok
}

// Signals returns all recorded signals ordered by creation time.
func (j *Journal) Signals() []models.Signal {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]models.Signal, 0, len(j.data.Signals))
	for _, sig := range j.data.Signals {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// OrderID returns the broker order linked to a signal, if any.
func (j *Journal) OrderID(signalID string) (string, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	id, ok := j.data.OrderLinks[signalID]
	return id, ok
}

func (j *Journal) saveLocked() error {
	j.data.LastUpdated = time.Now()

	raw, err := json.MarshalIndent(j.data, "", "  ")
	if err != nil {
		return err
	}

	tmp := j.filepath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, j.filepath)
}
