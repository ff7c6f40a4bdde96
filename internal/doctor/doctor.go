// Package doctor runs offline health checks against a taskgraph home
// directory: config, store schema, ledger consistency and gateway exposure.
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

	"github.com/basket/taskgraph/internal/config"
	"github.com/basket/taskgraph/internal/graph"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

// ledgerSample caps how many nodes the ledger check replays.
const ledgerSample = 200

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

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
	Go   string `json:"go_version"`
}

type check func(context.Context, *config.Config, *graph.Store) CheckResult

// Run executes all checks. The store is opened once and shared; checks
// that need it are skipped when it cannot be opened.
func Run(ctx context.Context, cfg *config.Config) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System:    SystemInfo{OS: runtime.GOOS, Arch: runtime.GOARCH, Go: runtime.Version()},
	}

	var store *graph.Store
	dbResult := CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	if cfg != nil {
		s, err := graph.Open(ctx, graph.Config{Path: cfg.DBPath})
		if err != nil {
			dbResult = CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
		} else {
			store = s
			defer store.Close()
			dbResult = checkSchema(ctx, store)
		}
	}

	d.Results = append(d.Results, checkConfig(ctx, cfg, store), dbResult)
	for _, c := range []check{checkLedger, checkPermissions, checkExposure} {
		d.Results = append(d.Results, c(ctx, cfg, store))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config, _ *graph.Store) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; defaults in use", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkSchema(ctx context.Context, store *graph.Store) CheckResult {
	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Schema query failed: %v", err)}
	}
	st, err := store.Stats(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Stats query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema v%d, %d active nodes, %d active edges", version, st.ActiveNodes, st.ActiveEdges),
		Detail:  checksum,
	}
}

// checkLedger replays the most recently updated nodes and reports any
// whose snapshot disagrees with its history.
func checkLedger(ctx context.Context, _ *config.Config, store *graph.Store) CheckResult {
	if store == nil {
		return CheckResult{Name: "Ledger", Status: StatusSkip, Message: "Database unavailable"}
	}
	nodes, total, err := store.ListNodes(ctx, graph.NodeQuery{Visibility: graph.IncludeDeleted, Limit: ledgerSample})
	if err != nil {
		return CheckResult{Name: "Ledger", Status: StatusFail, Message: fmt.Sprintf("List nodes failed: %v", err)}
	}
	var bad []string
	for _, n := range nodes {
		if _, err := store.ReplayNode(ctx, n.ID); err != nil {
			if errors.Is(err, graph.ErrConsistencyViolation) {
				bad = append(bad, n.ID)
				continue
			}
			return CheckResult{Name: "Ledger", Status: StatusFail, Message: fmt.Sprintf("Replay %s failed: %v", n.ID, err)}
		}
	}
	if len(bad) > 0 {
		return CheckResult{Name: "Ledger", Status: StatusFail, Message: fmt.Sprintf("%d nodes disagree with their history", len(bad)), Detail: fmt.Sprint(bad)}
	}
	return CheckResult{Name: "Ledger", Status: StatusPass, Message: fmt.Sprintf("Replayed %d of %d nodes", len(nodes), total)}
}

func checkPermissions(_ context.Context, cfg *config.Config, _ *graph.Store) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkExposure warns when the gateway listens beyond loopback without a
// token.
func checkExposure(_ context.Context, cfg *config.Config, _ *graph.Store) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Gateway", Status: StatusFail, Message: fmt.Sprintf("Invalid bind_addr %q: %v", cfg.BindAddr, err)}
	}
	ip := net.ParseIP(host)
	loopback := host == "localhost" || (ip != nil && ip.IsLoopback())
	switch {
	case loopback:
		return CheckResult{Name: "Gateway", Status: StatusPass, Message: "Bound to loopback", Detail: cfg.BindAddr}
	case cfg.AuthToken == "":
		return CheckResult{Name: "Gateway", Status: StatusWarn, Message: "Exposed beyond loopback without auth_token", Detail: "set TASKGRAPH_AUTH_TOKEN"}
	case cfg.RateLimit.RequestsPerMinute == 0:
		return CheckResult{Name: "Gateway", Status: StatusWarn, Message: "Exposed with rate limiting disabled", Detail: cfg.BindAddr}
	default:
		return CheckResult{Name: "Gateway", Status: StatusPass, Message: "Exposed with token auth and rate limiting", Detail: cfg.BindAddr}
	}
}
