package cmd

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goflock/internal/config"
	"github.com/3leaps/goflock/internal/observability"
	"github.com/3leaps/goflock/pkg/claims"
	"github.com/3leaps/goflock/pkg/journal"
	"github.com/3leaps/goflock/pkg/statedoc"
	"github.com/3leaps/goflock/pkg/tracker/github"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and the shared coordination
state, and suggest fixes for common issues.

Examples:
  goflock doctor
  goflock doctor --data-dir /srv/flock`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type checkStatus int

const (
	checkOK checkStatus = iota
	checkWarn
	checkFail
)

// checkResult is the outcome of one diagnostic.
type checkResult struct {
	Status checkStatus
	Detail string
	Fields []zap.Field
}

type doctorCheck struct {
	Name string
	Run  func(cfg *config.Config) checkResult
}

func doctorChecks() []doctorCheck {
	return []doctorCheck{
		{Name: "Go version", Run: checkGoVersion},
		{Name: "Gofulmen access", Run: checkGofulmen},
		{Name: "data directory", Run: checkDataDir},
		{Name: "claims", Run: checkClaims},
		{Name: "progress journals", Run: checkJournals},
		{Name: "state document", Run: checkStateDocument},
		{Name: "scanner", Run: checkScanner},
		{Name: "environment", Run: checkEnvironment},
	}
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log := observability.CLILogger
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	// Crucible is a prerequisite for everything else the binary does.
	version := crucible.GetVersion()
	if version.Crucible == "" {
		log.Error("Checking Crucible access... ❌ Cannot access Crucible")
		ExitWithCode(log, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errors.New("crucible version unavailable"))
		return
	}
	log.Info("Checking Crucible access... ✅ v"+version.Crucible, zap.String("crucible_version", version.Crucible))

	checks := doctorChecks()
	allChecks := true
	for i, c := range checks {
		res := c.Run(appConfig)
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.Name)
		switch res.Status {
		case checkOK:
			log.Info(prefix+" ✅ "+res.Detail, res.Fields...)
		case checkWarn:
			log.Warn(prefix+" ⚠️  "+res.Detail, res.Fields...)
			allChecks = false
		default:
			log.Error(prefix+" ❌ "+res.Detail, res.Fields...)
			allChecks = false
		}
	}

	log.Info("")
	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
}

func checkGoVersion(_ *config.Config) checkResult {
	v := runtime.Version()
	fields := []zap.Field{zap.String("go_version", v)}
	if v >= "go1.23" {
		return checkResult{Status: checkOK, Detail: v, Fields: fields}
	}
	return checkResult{Status: checkWarn, Detail: v + " (recommended: go1.23+)", Fields: fields}
}

func checkGofulmen(_ *config.Config) checkResult {
	v := crucible.GetVersion()
	if v.Gofulmen == "" {
		return checkResult{Status: checkFail, Detail: "Cannot access Gofulmen"}
	}
	return checkResult{Status: checkOK, Detail: "v" + v.Gofulmen, Fields: []zap.Field{zap.String("gofulmen_version", v.Gofulmen)}}
}

func checkDataDir(cfg *config.Config) checkResult {
	fields := []zap.Field{zap.String("data_dir", cfg.DataDir)}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return checkResult{Status: checkFail, Detail: "cannot create " + cfg.DataDir, Fields: append(fields, zap.Error(err))}
	}
	f, err := os.CreateTemp(cfg.DataDir, ".doctor-*")
	if err != nil {
		return checkResult{Status: checkFail, Detail: cfg.DataDir + " is not writable", Fields: append(fields, zap.Error(err))}
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return checkResult{Status: checkOK, Detail: cfg.DataDir, Fields: fields}
}

func checkClaims(cfg *config.Config) checkResult {
	store := claims.NewStore(cfg.Claims.Root, claims.Options{})
	statuses, err := store.List()
	if err != nil {
		return checkResult{Status: checkFail, Detail: "cannot read " + cfg.Claims.Root, Fields: []zap.Field{zap.Error(err)}}
	}
	counts := map[claims.State]int{}
	for _, st := range statuses {
		counts[st.State]++
	}
	fields := []zap.Field{
		zap.String("root", cfg.Claims.Root),
		zap.Int("live", counts[claims.StateLive]),
		zap.Int("expired", counts[claims.StateExpired]),
		zap.Int("incomplete", counts[claims.StateIncomplete]),
		zap.Int("malformed", counts[claims.StateMalformed]),
	}
	dead := counts[claims.StateExpired] + counts[claims.StateIncomplete] + counts[claims.StateMalformed]
	if dead > 0 {
		return checkResult{Status: checkWarn,
			Detail: fmt.Sprintf("%d reclaimable claim(s); run 'claim cleanup'", dead), Fields: fields}
	}
	return checkResult{Status: checkOK, Detail: fmt.Sprintf("%d live claim(s)", counts[claims.StateLive]), Fields: fields}
}

func checkJournals(cfg *config.Config) checkResult {
	res, err := journal.NewStore(cfg.Journal.Dir, nil, nil).List()
	if err != nil {
		return checkResult{Status: checkFail, Detail: "cannot read " + cfg.Journal.Dir, Fields: []zap.Field{zap.Error(err)}}
	}
	fields := []zap.Field{zap.String("dir", cfg.Journal.Dir), zap.Int("documents", len(res.Documents)), zap.Int("corrupt", len(res.Corrupt))}
	if len(res.Corrupt) > 0 {
		return checkResult{Status: checkWarn, Detail: fmt.Sprintf("%d corrupt journal(s)", len(res.Corrupt)), Fields: fields}
	}
	return checkResult{Status: checkOK, Detail: fmt.Sprintf("%d journal(s)", len(res.Documents)), Fields: fields}
}

func checkStateDocument(cfg *config.Config) checkResult {
	fields := []zap.Field{zap.String("path", cfg.State.Path)}
	doc, err := statedoc.NewStore(cfg.State.Path, nil, nil).Load()
	switch {
	case statedoc.IsNotFound(err):
		return checkResult{Status: checkWarn, Detail: "not initialized; run 'state init'", Fields: fields}
	case err != nil:
		return checkResult{Status: checkFail, Detail: "unreadable", Fields: append(fields, zap.Error(err))}
	}
	res := statedoc.Validate(doc)
	fields = append(fields, zap.Int("errors", len(res.Errors)), zap.Int("warnings", len(res.Warnings)))
	if !res.OK() {
		return checkResult{Status: checkFail,
			Detail: fmt.Sprintf("%d error(s); run 'state validate --repair'", len(res.Errors)), Fields: fields}
	}
	return checkResult{Status: checkOK, Detail: "valid", Fields: fields}
}

func checkScanner(cfg *config.Config) checkResult {
	if cfg.Scanner.Repo == "" {
		return checkResult{Status: checkWarn, Detail: "no repository configured (scanner.repo)"}
	}
	if _, _, err := github.ParseRepo(cfg.Scanner.Repo); err != nil {
		return checkResult{Status: checkFail, Detail: err.Error()}
	}
	fields := []zap.Field{zap.String("repo", cfg.Scanner.Repo), zap.Bool("token", cfg.Scanner.Token != "")}
	if cfg.Scanner.Token == "" {
		return checkResult{Status: checkWarn, Detail: cfg.Scanner.Repo + " (no token; recovery will fail)", Fields: fields}
	}
	return checkResult{Status: checkOK, Detail: cfg.Scanner.Repo, Fields: fields}
}

func checkEnvironment(_ *config.Config) checkResult {
	return checkResult{
		Status: checkOK,
		Detail: runtime.GOOS + "/" + runtime.GOARCH,
		Fields: []zap.Field{zap.String("os", runtime.GOOS), zap.String("arch", runtime.GOARCH)},
	}
}
