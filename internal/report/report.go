// Package report emits the operator-facing credential record: every
// secret and endpoint a run produced, written once at the end of a
// successful run with owner-only permissions.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/systmms/stackup/internal/config"
	"github.com/systmms/stackup/internal/dbsync"
	"github.com/systmms/stackup/internal/logging"
	"github.com/systmms/stackup/internal/secure"
	"github.com/systmms/stackup/internal/state"
)

// Writer renders and installs credential reports.
type Writer struct {
	logger *logging.Logger
	now    func() time.Time
}

// NewWriter creates a Writer.
func NewWriter(logger *logging.Logger) *Writer {
	return &Writer{logger: logger, now: time.Now}
}

// Write renders the report, holds it in protected memory while it exists
// as plaintext, and atomically installs it at the settings' credentials
// path. The latest run's set is authoritative; prior content is replaced.
func (w *Writer) Write(settings *config.Settings, record *state.Record, dropInPath string) error {
	buf := secure.NewBuffer(render(settings, record, dropInPath, w.now()))
	defer buf.Destroy()

	locked, err := buf.Open()
	if err != nil {
		return fmt.Errorf("opening report buffer: %w", err)
	}
	defer locked.Destroy()

	path := settings.CredentialsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}

	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, locked.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing credential report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("installing credential report: %w", err)
	}

	w.logger.Info("Credential report written to %s", path)
	return nil
}

func render(s *config.Settings, record *state.Record, dropInPath string, now time.Time) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "stackup credentials - generated %s\n", now.UTC().Format(time.RFC3339))
	b.WriteString(strings.Repeat("=", 60) + "\n\n")

	b.WriteString("Application\n")
	fmt.Fprintf(&b, "  URL:             http://%s:%d\n", s.BindHost, s.BindPort)
	fmt.Fprintf(&b, "  Admin email:     %s\n", record.Get(state.FieldAdminEmail))
	fmt.Fprintf(&b, "  Admin password:  %s\n", record.Get(state.FieldAdminPassword))
	fmt.Fprintf(&b, "  Signing secret:  %s\n\n", record.Get(state.FieldSigningSecret))

	b.WriteString("Relational store\n")
	fmt.Fprintf(&b, "  Engine:          %s\n", s.Engine)
	fmt.Fprintf(&b, "  User:            %s\n", record.Get(state.FieldDBUser))
	fmt.Fprintf(&b, "  Database:        %s\n", record.Get(state.FieldDBName))
	fmt.Fprintf(&b, "  Password:        %s\n", record.Get(state.FieldDBPassword))
	fmt.Fprintf(&b, "  URL:             %s\n\n", dbsync.ConnectionURL(
		s.Engine,
		record.Get(state.FieldDBUser),
		record.Get(state.FieldDBPassword),
		s.DBHost, s.DBPort,
		record.Get(state.FieldDBName)))

	b.WriteString("Cache\n")
	fmt.Fprintf(&b, "  Endpoint:        %s:%d\n", s.CacheHost, s.CachePort)
	fmt.Fprintf(&b, "  Password:        %s\n\n", record.Get(state.FieldCachePassword))

	b.WriteString("Files\n")
	fmt.Fprintf(&b, "  State record:    %s\n", s.StatePath())
	fmt.Fprintf(&b, "  Env artifact:    %s\n", s.EnvArtifactPath())
	if dropInPath != "" {
		fmt.Fprintf(&b, "  Unit override:   %s\n", dropInPath)
	}

	return []byte(b.String())
}
