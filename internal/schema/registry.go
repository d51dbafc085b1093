package schema

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
)

//go:embed schemas/default.yaml
var schemaFiles embed.FS

// DefaultHistory is the number of schema backups kept across reloads
const DefaultHistory = 5

// ErrObjectTypeNotFound is returned for object types the loaded schema does not declare
var ErrObjectTypeNotFound = errors.NewStd("object type not found")

// Backup is a previously active schema document
type Backup struct {
	Version  string    `json:"version"`
	Checksum string    `json:"checksum"`
	SavedAt  time.Time `json:"savedAt"`

	doc *Document
}

// Registry serves the active schema document. Reload swaps the whole document
// so readers never observe a partial update.
type Registry struct {
	mu       sync.RWMutex
	doc      *Document
	checksum string
	backups  []Backup
	history  int
	log      logger.Logger
}

// NewRegistry creates an empty registry. history bounds the number of kept backups.
func NewRegistry(log logger.Logger, history int) *Registry {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	if history < 1 {
		history = DefaultHistory
	}
	return &Registry{log: log.Module("schema"), history: history}
}

// DefaultDocument returns the embedded schema document
func DefaultDocument() []byte {
	data, err := schemaFiles.ReadFile("schemas/default.yaml")
	if err != nil {
		// embedded at build time
		panic(fmt.Sprintf("read embedded schema: %v", err))
	}
	return data
}

// Load reads and installs the schema document at path. An empty path loads the embedded default.
func (r *Registry) Load(path string) error {
	if path == "" {
		return r.LoadBytes(DefaultDocument())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("schema_path", path).
			Build()
	}
	return r.LoadBytes(data)
}

// LoadBytes validates and installs a schema document, replacing any current one without backup.
func (r *Registry) LoadBytes(data []byte) error {
	doc, err := ParseDocument(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.doc = doc
	r.checksum = checksum(data)
	r.mu.Unlock()

	r.log.Info("schema loaded",
		logger.String("version", doc.Version),
		logger.Int("object_types", len(doc.Objects)))
	return nil
}

// Reload backs up the active document, then validates and installs data.
// On failure the backup is restored and the error is returned.
func (r *Registry) Reload(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.doc != nil {
		r.backups = append(r.backups, Backup{
			Version:  r.doc.Version,
			Checksum: r.checksum,
			SavedAt:  time.Now(),
			doc:      r.doc,
		})
		if len(r.backups) > r.history {
			r.backups = r.backups[len(r.backups)-r.history:]
		}
	}

	doc, err := ParseDocument(data)
	if err != nil {
		r.restoreLocked()
		r.log.Warn("schema reload rejected, previous schema restored", logger.Error(err))
		return err
	}

	previous := ""
	if r.doc != nil {
		previous = r.doc.Version
	}
	r.doc = doc
	r.checksum = checksum(data)

	r.log.Info("schema reloaded",
		logger.String("previous_version", previous),
		logger.String("version", doc.Version))
	return nil
}

// Rollback reinstates the newest backup, dropping it from the history
func (r *Registry) Rollback() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.backups) == 0 {
		return errors.Newf("no schema backup to roll back to").
			Category(errors.CategoryState).
			Build()
	}
	rejected := r.doc.Version
	r.restoreLocked()
	r.log.Warn("schema rolled back",
		logger.String("rejected_version", rejected),
		logger.String("version", r.doc.Version))
	return nil
}

// restoreLocked reinstates the newest backup and drops it from the history
func (r *Registry) restoreLocked() {
	if len(r.backups) == 0 {
		return
	}
	last := r.backups[len(r.backups)-1]
	r.backups = r.backups[:len(r.backups)-1]
	r.doc = last.doc
	r.checksum = last.Checksum
}

// Get returns the schema for objectType
func (r *Registry) Get(objectType string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.doc == nil {
		return nil, errors.Newf("no schema loaded").
			Category(errors.CategoryState).
			Build()
	}
	s, ok := r.doc.Objects[objectType]
	if !ok {
		return nil, errors.New(fmt.Errorf("%w: %q", ErrObjectTypeNotFound, objectType)).
			Category(errors.CategoryNotFound).
			Context("object_type", objectType).
			Build()
	}
	return s, nil
}

// ObjectTypes returns the object types in dependency order
func (r *Registry) ObjectTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.doc == nil {
		return nil
	}
	return append([]string(nil), r.doc.ObjectOrder...)
}

// Document returns the active document. Callers must not modify it.
func (r *Registry) Document() *Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc
}

// Version returns the active document version
func (r *Registry) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.doc == nil {
		return ""
	}
	return r.doc.Version
}

// Checksum returns the sha256 of the active document source
func (r *Registry) Checksum() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checksum
}

// IsStale reports whether version differs from the active document version
func (r *Registry) IsStale(version string) bool {
	return version != r.Version()
}

// Backups returns the kept backups, oldest first
func (r *Registry) Backups() []Backup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Backup(nil), r.backups...)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
