// Package blob stores uploaded chat images in a Pebble database and serves
// them back over HTTP.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

var (
	ErrNotFound    = errors.New("blob not found")
	ErrInvalidPath = errors.New("invalid blob path")
)

const (
	dataPrefix = "blob:data:"
	typePrefix = "blob:type:"
	// URLPrefix is where Handler is mounted; references returned by Put
	// start with it.
	URLPrefix = "/blobs/"
)

type Store struct {
	db  *pebble.DB
	log *zap.Logger
}

func Open(dir string, log *zap.Logger) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open blob store %s: %w", dir, err)
	}
	log.Info("blob store opened", zap.String("path", dir))
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores data under p and returns a durable reference to it.
func (s *Store) Put(ctx context.Context, p string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean, err := cleanPath(p)
	if err != nil {
		return "", err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(dataPrefix+clean), data, nil); err != nil {
		return "", err
	}
	if err := b.Set([]byte(typePrefix+clean), []byte(contentType), nil); err != nil {
		return "", err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return "", fmt.Errorf("commit blob %s: %w", clean, err)
	}
	return URLPrefix + clean, nil
}

// Get returns the bytes and content type stored under p.
func (s *Store) Get(p string) ([]byte, string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return nil, "", err
	}
	data, err := s.read(dataPrefix + clean)
	if err != nil {
		return nil, "", err
	}
	ct, err := s.read(typePrefix + clean)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, "", err
	}
	return data, string(ct), nil
}

func (s *Store) read(key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Handler serves GET /blobs/*.
func (s *Store) Handler(w http.ResponseWriter, r *http.Request) {
	data, ct, err := s.Get(chi.URLParam(r, "*"))
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidPath):
		http.NotFound(w, r)
		return
	case err != nil:
		s.log.Error("blob read", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Write(data)
}

func cleanPath(p string) (string, error) {
	p = strings.TrimPrefix(p, URLPrefix)
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" || clean == "." || strings.Contains(clean, "..") {
		return "", ErrInvalidPath
	}
	return clean, nil
}
