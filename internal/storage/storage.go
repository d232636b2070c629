// Package storage serves the /storage/ file service: directory listings,
// downloads, uploads and deletes confined to a single root directory.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/devbridge/internal/otel"
)

// Prefix is the URL prefix the service is mounted under.
const Prefix = "/storage"

// DefaultMaxUploadBytes caps an upload body when Config leaves it unset.
const DefaultMaxUploadBytes int64 = 4 << 20

var (
	ErrInvalidPath = errors.New("storage: invalid path")
	ErrTooLarge    = errors.New("storage: file too large")
)

// Entry is one item of a directory listing.
type Entry struct {
	Name        string `json:"name"`
	IsDirectory bool   `json:"isDirectory"`
	Length      int64  `json:"length"`
}

type Config struct {
	Root           string
	MaxUploadBytes int64
	Logger         *slog.Logger
	Tracer         trace.Tracer
	Metrics        *otel.Metrics
}

// Service implements http.Handler for everything under Prefix.
type Service struct {
	root      string
	maxUpload int64
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
}

// New creates the root directory if needed.
func New(cfg Config) (*Service, error) {
	if cfg.Root == "" {
		return nil, errors.New("storage: root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	s := &Service{
		root:      root,
		maxUpload: cfg.MaxUploadBytes,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		metrics:   cfg.Metrics,
	}
	if s.maxUpload <= 0 {
		s.maxUpload = DefaultMaxUploadBytes
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil || s.metrics == nil {
		noop := otel.Noop()
		if s.tracer == nil {
			s.tracer = noop.Tracer
		}
		if s.metrics == nil {
			if s.metrics, err = otel.NewMetrics(noop.Meter); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// Root returns the absolute storage root.
func (s *Service) Root() string { return s.root }

// Resolve maps a slash-separated path below the root to a filesystem
// path. Any ".." segment is rejected rather than cleaned away.
func (s *Service) Resolve(rel string) (string, error) {
	if strings.ContainsRune(rel, 0) || strings.Contains(rel, `\`) {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", ErrInvalidPath
		}
	}
	full := filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return full, nil
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, Prefix)
	ctx, span := otel.StartServerSpan(r.Context(), s.tracer, "storage."+strings.ToLower(r.Method),
		otel.AttrStoragePath.String(rel))
	defer span.End()

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.get(w, r.WithContext(ctx), rel)
	case http.MethodPost, http.MethodPut:
		s.post(w, r.WithContext(ctx), rel)
	case http.MethodDelete:
		s.delete(w, r.WithContext(ctx), rel)
	default:
		w.Header().Set("Allow", "GET, HEAD, POST, PUT, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Service) get(w http.ResponseWriter, r *http.Request, rel string) {
	full, err := s.Resolve(rel)
	if err != nil {
		s.fail(w, r, rel, err)
		return
	}
	info, err := os.Stat(full)
	if err != nil {
		s.fail(w, r, rel, err)
		return
	}
	if info.IsDir() {
		entries, err := s.List(rel)
		if err != nil {
			s.fail(w, r, rel, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entries)
		return
	}
	if strings.HasSuffix(rel, "/") {
		http.Error(w, "not a directory", http.StatusNotFound)
		return
	}
	f, err := os.Open(full)
	if err != nil {
		s.fail(w, r, rel, err)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// List returns the entries of the directory at rel, sorted by name.
func (s *Service) List(rel string) ([]Entry, error) {
	full, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			continue
		}
		e := Entry{Name: d.Name(), IsDirectory: d.IsDir()}
		if !e.IsDirectory {
			e.Length = info.Size()
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Service) post(w http.ResponseWriter, r *http.Request, rel string) {
	if rel == "" || strings.HasSuffix(rel, "/") {
		s.fail(w, r, rel, ErrInvalidPath)
		return
	}
	if r.ContentLength > s.maxUpload {
		s.fail(w, r, rel, ErrTooLarge)
		return
	}
	n, err := s.Save(r.Context(), rel, http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		s.fail(w, r, rel, err)
		return
	}
	s.metrics.StorageBytes.Add(r.Context(), n, metric.WithAttributes(attribute.String("op", "upload")))
	s.logger.Info("storage: file saved", "path", rel, "bytes", n)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "OK")
}

// Save writes body to rel. An existing file is replaced only after the
// new content is complete: the upload goes to the first free
// "<name>.tmpN" and is then renamed over the target.
func (s *Service) Save(ctx context.Context, rel string, body io.Reader) (int64, error) {
	target, err := s.Resolve(rel)
	if err != nil {
		return 0, err
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return 0, ErrInvalidPath
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create parent: %w", err)
	}

	f, saveAs, err := openUploadFile(target)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(saveAs)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return n, ErrTooLarge
		}
		return n, fmt.Errorf("write upload: %w", err)
	}
	if ctx.Err() != nil {
		_ = os.Remove(saveAs)
		return n, ctx.Err()
	}
	if saveAs != target {
		if err := os.Rename(saveAs, target); err != nil {
			_ = os.Remove(saveAs)
			return n, fmt.Errorf("replace %s: %w", rel, err)
		}
	}
	return n, nil
}

// openUploadFile creates target, or the first free target.tmpN when
// target already exists.
func openUploadFile(target string) (*os.File, string, error) {
	const flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	f, err := os.OpenFile(target, flags, 0o644)
	if err == nil {
		return f, target, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, "", fmt.Errorf("create %s: %w", filepath.Base(target), err)
	}
	for n := 1; ; n++ {
		name := TempName(target, n)
		f, err := os.OpenFile(name, flags, 0o644)
		if err == nil {
			return f, name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("create temp file: %w", err)
		}
	}
}

// TempName is the n-th temporary upload name for target.
func TempName(target string, n int) string {
	return fmt.Sprintf("%s.tmp%d", target, n)
}

func (s *Service) delete(w http.ResponseWriter, r *http.Request, rel string) {
	if err := s.Remove(rel); err != nil {
		s.fail(w, r, rel, err)
		return
	}
	s.logger.Info("storage: file removed", "path", rel)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "OK")
}

// Remove deletes the file at rel. Directories are never removed.
func (s *Service) Remove(rel string) error {
	if rel == "" || strings.HasSuffix(rel, "/") {
		return ErrInvalidPath
	}
	full, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return ErrInvalidPath
	}
	return os.Remove(full)
}

func (s *Service) fail(w http.ResponseWriter, r *http.Request, rel string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidPath):
		status = http.StatusBadRequest
	case errors.Is(err, ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, fs.ErrNotExist):
		status = http.StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		status = http.StatusForbidden
	}
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("storage: request failed", "method", r.Method, "path", rel, "error", err)
	} else {
		s.logger.Warn("storage: request rejected", "method", r.Method, "path", rel, "status", status, "error", err)
	}
	msg := http.StatusText(status)
	if status != http.StatusInternalServerError {
		msg = err.Error()
		if status == http.StatusNotFound {
			msg = "not found"
		}
	}
	http.Error(w, msg, status)
}
