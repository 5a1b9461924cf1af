package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"filedrop/internal/auth"
	"filedrop/internal/collector"
	"filedrop/internal/ledger"
	"filedrop/internal/replica"
	"filedrop/internal/site"
	"filedrop/internal/storage"
)

// Ledger records uploads and their removal.
type Ledger interface {
	RecordUpload(ctx context.Context, u ledger.Upload) error
	RecordRemoval(ctx context.Context, id string, reason ledger.Reason, at time.Time) error
}

// Replicator keeps a remote copy of each upload.
type Replicator interface {
	Mirror(ctx context.Context, id, name, localPath string) error
	Remove(ctx context.Context, id string) error
}

// Server is an anonymous file exchange spoken over raw TCP.
type Server struct {
	Config Config

	ns        *storage.Namespace
	site      *site.Site
	auth      auth.AuthEngine
	ledger    Ledger
	replica   Replicator
	admission *Admission
	log       *slog.Logger

	closeLedger func() error
}

// NewServer prepares the storage directory and the optional ledger and
// replica, and returns a new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(cfg.FilesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create files dir: %w", err)
	}

	if cfg.Authenticator == nil {
		cfg.Authenticator = auth.NewCompoundAuthEngine(
			auth.NewBasicAuthEngine(cfg.Inbox.Users),
			auth.NewTokenAuthEngine(cfg.Inbox.Token),
		)
	}

	s := &Server{
		Config:    cfg,
		ns:        storage.NewNamespace(cfg.FilesDir),
		site:      site.New(cfg.SiteDir),
		auth:      cfg.Authenticator,
		admission: NewAdmission(cfg.MaxConnections, cfg.Logger),
		log:       cfg.Logger,
	}

	if cfg.LedgerPath != "" {
		l, err := ledger.Open(ctx, cfg.LedgerPath)
		if err != nil {
			return nil, err
		}
		s.ledger = l
		s.closeLedger = l.Close
	}

	if cfg.Replica.Enabled() {
		r, err := replica.New(cfg.Replica)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		if err := r.EnsureBucket(ctx); err != nil {
			s.log.Warn("Replica bucket unavailable", "bucket", r.Bucket(), "err", err)
		}
		s.replica = r
	}

	return s, nil
}

// WithLedger replaces the ledger. It must be called before Serve.
func (s *Server) WithLedger(l Ledger) *Server {
	s.ledger = l
	return s
}

// WithReplicator replaces the replica. It must be called before Serve.
func (s *Server) WithReplicator(r Replicator) *Server {
	s.replica = r
	return s
}

// Namespace returns the upload storage.
func (s *Server) Namespace() *storage.Namespace {
	return s.ns
}

// Admission returns the connection admission gate.
func (s *Server) Admission() *Admission {
	return s.admission
}

// Collector returns a collector sweeping this server's upload storage.
func (s *Server) Collector() *collector.Collector {
	return collector.New(collector.Config{
		Dir:        s.ns.Root(),
		Lifetime:   s.Config.FileLifetime,
		Interval:   s.Config.SweepInterval,
		Reserved:   s.Config.ReservedNames,
		Locks:      s.ns.Locks(),
		Ledger:     s.ledger,
		Replicator: s.replica,
		Logger:     s.log,
	})
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("Server running", "addr", ln.Addr().String(), "max_connections", s.admission.Max())
	return s.admission.Serve(ctx, ln, s.ServeConn)
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.Config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Close releases the ledger.
func (s *Server) Close() error {
	var errs []error
	if s.closeLedger != nil {
		errs = append(errs, s.closeLedger())
		s.closeLedger = nil
	}
	return errors.Join(errs...)
}
