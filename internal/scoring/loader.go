package scoring

import (
	"log/slog"
	"sync"
	"time"
)

// LoadFunc builds a Predictor from the artifact at path.
type LoadFunc func(path string) (Predictor, error)

// Loader lazily loads the pipeline once per process. Concurrent first callers
// block on the same load; a failed load is not cached and is retried by the
// next caller.
type Loader struct {
	path string
	load LoadFunc

	mu        sync.Mutex
	predictor Predictor
	loads     int
}

// NewLoader creates a loader for path. A nil load uses LoadPipeline.
func NewLoader(path string, load LoadFunc) *Loader {
	if load == nil {
		load = LoadPipeline
	}
	return &Loader{path: path, load: load}
}

// Get returns the cached predictor, loading it on first use.
func (l *Loader) Get() (Predictor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.predictor != nil {
		return l.predictor, nil
	}

	start := time.Now()
	l.loads++
	p, err := l.load(l.path)
	if err != nil {
		return nil, err
	}
	l.predictor = p

	slog.Info("scoring pipeline loaded",
		"path", l.path,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return p, nil
}

// Loaded reports whether a predictor is cached.
func (l *Loader) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.predictor != nil
}

// Loads returns how many times the artifact has been read.
func (l *Loader) Loads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

// Path returns the artifact path.
func (l *Loader) Path() string {
	return l.path
}
