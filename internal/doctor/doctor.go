// Package doctor runs the preflight checks behind `devbridge doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dop251/goja"

	"github.com/basket/devbridge/internal/config"
	"github.com/basket/devbridge/internal/persistence"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks. cfg may be nil when the config
// could not be loaded; dependent checks are skipped.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkStorage,
		checkStartupScript,
		checkAuthToken,
		checkBindAddr,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.Fresh {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "config.yaml missing, using defaults",
			Detail:  fmt.Sprintf("The daemon writes %s on first start", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	if err := probeWrite(cfg.HomeDir); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath()}
	}
	defer store.Close()

	if _, err := store.ListSessions(ctx, 1); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	detail := cfg.DBPath()
	if last, err := store.KVGet(ctx, persistence.KeyRetentionLastRun); err == nil && last != "" {
		detail += " (last retention run " + last + ")"
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: detail}
}

func checkStorage(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Storage", Status: StatusSkip, Message: "Config missing"}
	}
	root := cfg.Storage.Root
	if err := os.MkdirAll(root, 0o755); err != nil {
		return CheckResult{Name: "Storage", Status: StatusFail, Message: fmt.Sprintf("Cannot create root: %v", err), Detail: root}
	}
	if err := probeWrite(root); err != nil {
		return CheckResult{Name: "Storage", Status: StatusFail, Message: fmt.Sprintf("Root unwritable: %v", err), Detail: root}
	}
	return CheckResult{Name: "Storage", Status: StatusPass, Message: "Upload root writable", Detail: root}
}

// checkStartupScript compiles the script without running it.
func checkStartupScript(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Startup Script", Status: StatusSkip, Message: "Config missing"}
	}
	path := cfg.StartupScriptPath()
	if path == "" {
		return CheckResult{Name: "Startup Script", Status: StatusSkip, Message: "None configured"}
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return CheckResult{Name: "Startup Script", Status: StatusFail, Message: fmt.Sprintf("Unreadable: %v", err), Detail: path}
	}
	if _, err := goja.Compile(filepath.Base(path), string(src), false); err != nil {
		return CheckResult{Name: "Startup Script", Status: StatusFail, Message: "Syntax error", Detail: err.Error()}
	}
	return CheckResult{Name: "Startup Script", Status: StatusPass, Message: fmt.Sprintf("Compiles (%d bytes)", len(src)), Detail: path}
}

func checkAuthToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth Token", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.AuthTokenRequired {
		return CheckResult{Name: "Auth Token", Status: StatusWarn, Message: "auth_token_required is false; /ws is open to anyone who can reach bind_addr"}
	}
	if os.Getenv("DEVBRIDGE_AUTH_TOKEN") != "" {
		return CheckResult{Name: "Auth Token", Status: StatusPass, Message: "DEVBRIDGE_AUTH_TOKEN is set"}
	}
	info, err := os.Stat(config.TokenPath(cfg.HomeDir))
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Auth Token", Status: StatusPass, Message: "Token will be generated on first start"}
	}
	if err != nil {
		return CheckResult{Name: "Auth Token", Status: StatusFail, Message: fmt.Sprintf("Stat failed: %v", err)}
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return CheckResult{
			Name:    "Auth Token",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Token file is readable by others (%v)", perm),
			Detail:  "chmod 600 " + config.TokenPath(cfg.HomeDir),
		}
	}
	return CheckResult{Name: "Auth Token", Status: StatusPass, Message: "Token file present"}
}

// checkBindAddr warns when the address is taken; that is expected while
// the daemon is running.
func checkBindAddr(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: StatusSkip, Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Bind Address",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s unavailable", cfg.BindAddr),
			Detail:  fmt.Sprintf("%v (is the daemon already running? try `devbridge status`)", err),
		}
	}
	_ = ln.Close()
	return CheckResult{Name: "Bind Address", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}

func probeWrite(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".write_test")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
