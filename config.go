package mongomirror

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Options holds the process-level settings for a replication stack. It is
// passed explicitly; the package keeps no global configuration.
type Options struct {
	// DataDir holds the key file and the encrypted replication config.
	DataDir string `mapstructure:"data_folder"`

	// AuditLog is the audit file path. Empty means
	// <DataDir>/replication_audit.log.
	AuditLog string `mapstructure:"audit_log"`

	// AdminHost is the listen address for the admin API.
	AdminHost string `mapstructure:"admin_host"`

	// PrimaryURL and PrimaryDB identify the primary database opened by the
	// serve command. Library embedders usually pass their own handle
	// instead.
	PrimaryURL string `mapstructure:"primary_url"`
	PrimaryDB  string `mapstructure:"primary_db"`

	// Connector overrides how the manager opens secondary connections.
	// Defaults to ConnectMongo.
	Connector Connector `mapstructure:"-"`

	// Logger receives diagnostics from the manager and admin server.
	Logger *zerolog.Logger `mapstructure:"-"`
}

func (o Options) withDefaults() Options {
	if o.DataDir == "" {
		o.DataDir = "./data"
	}
	if o.AuditLog == "" {
		o.AuditLog = filepath.Join(o.DataDir, "replication_audit.log")
	}
	if o.AdminHost == "" {
		o.AdminHost = "127.0.0.1:8811"
	}
	return o
}

/*
Stack bundles the pieces of the replication layer that share a lifecycle:
the encrypted config store, the audit log, and the manager. Construct one at
process start, Start it, wrap the primary handle, and Stop it on shutdown.
*/
type Stack struct {
	Store   *ConfigStore
	Audit   *AuditLog
	Manager *Manager

	opts Options
}

// NewStack builds a stopped stack from opts.
func NewStack(opts Options) (*Stack, error) {
	opts = opts.withDefaults()
	store, err := OpenConfigStore(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open config store: %w", err)
	}
	audit := OpenAuditLog(opts.AuditLog)
	mgr := NewManager(ManagerOptions{
		Store:   store,
		Audit:   audit,
		Connect: opts.Connector,
		Logger:  opts.Logger,
	})
	return &Stack{Store: store, Audit: audit, Manager: mgr, opts: opts}, nil
}

// Start loads the persisted config and launches the replication worker.
func (s *Stack) Start() {
	s.Manager.Start()
}

// Stop halts the worker and closes the audit sink.
func (s *Stack) Stop() {
	s.Manager.Stop()
	_ = s.Audit.Close()
}

// Wrap returns a drop-in replicating substitute for the primary handle.
func (s *Stack) Wrap(primary Database) *ReplicatedDatabase {
	return NewReplicatedDatabase(primary, s.Manager)
}

// Admin builds the admin API server for this stack. The token secret is the
// stack's config key, so operators mint tokens with the same material that
// already guards the persisted config.
func (s *Stack) Admin() (*AdminServer, error) {
	secret, err := EnsureKey(s.opts.DataDir)
	if err != nil {
		return nil, err
	}
	return NewAdminServer(s.Manager, s.Store, s.Audit, secret, s.opts.Logger), nil
}
