package apply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetpack/fleetpack/internal/client"
	"github.com/fleetpack/fleetpack/internal/httpapi"
	"github.com/fleetpack/fleetpack/internal/planner"
)

// Engine drives one local_dir through the apply state machine against one
// app on one server.
type Engine struct {
	Client   *client.Client
	LocalDir string
	AppID    string
	Progress ProgressFunc

	state State
}

// State returns the engine's current position in the state machine. Idle
// before the first Apply call.
func (e *Engine) State() State {
	return e.state
}

// Result describes the outcome of a successful Apply call: Updated is false
// when no update was needed and true once a new version was committed.
type Result struct {
	Updated    bool
	Version    string
	EntryPoint string
}

// Apply runs the full check-update / backup / stage / commit procedure
// against LocalDir. If the server reports no update is needed it records
// the check time in the local config and returns with Result.Updated ==
// false; no installed file is changed. Any failure from BackedUp onward triggers a best-effort
// rollback to the pre-apply backup before the error is returned.
func (e *Engine) Apply(ctx context.Context) (Result, error) {
	lock, err := acquireLock(e.LocalDir)
	if err != nil {
		return Result{}, err
	}
	defer lock.release()

	cfg, err := loadLocalConfig(e.LocalDir)
	if err != nil {
		return Result{}, fmt.Errorf("%w: reading local config: %v", ErrIO, err)
	}

	currentVersion := ""
	if cfg.Version != nil {
		currentVersion = *cfg.Version
	}

	e.state = Idle

	info, err := e.Client.CheckUpdate(ctx, e.AppID, currentVersion)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ErrCancelled
		}

		return Result{}, fmt.Errorf("check-update: %w", err)
	}

	e.state = Planned

	if !info.NeedUpdate {
		now := time.Now()

		cfg.LastCheckTime = &now

		if err := saveLocalConfig(e.LocalDir, cfg); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrIO, err)
		}

		return Result{Updated: false, Version: info.ActiveVersion, EntryPoint: info.EntryPoint}, nil
	}

	if err := ctx.Err(); err != nil {
		return Result{}, ErrCancelled
	}

	if err := backup(e.LocalDir); err != nil {
		return Result{}, err
	}

	e.state = BackedUp

	if err := e.stageAndSwap(ctx, info); err != nil {
		return Result{}, e.rollback(err)
	}

	now := time.Now()
	version := info.ActiveVersion

	if err := saveLocalConfig(e.LocalDir, LocalConfig{Version: &version, LastCheckTime: &now}); err != nil {
		return Result{}, e.rollback(fmt.Errorf("%w: %v", ErrIO, err))
	}

	e.state = Committed

	return Result{Updated: true, Version: info.ActiveVersion, EntryPoint: info.EntryPoint}, nil
}

// stageAndSwap runs the Downloading -> Verified -> Swapped portion of the
// procedure: re-verify keep entries, download every add (augmented with
// any keep entry that failed local verification), then delete.
func (e *Engine) stageAndSwap(ctx context.Context, info httpapi.UpdateInfo) error {
	e.state = Downloading

	_, redownload := verifyKeepEntries(e.LocalDir, info.Keep)

	adds := make([]planner.FileInfo, 0, len(info.Add)+len(redownload))
	adds = append(adds, info.Add...)
	adds = append(adds, redownload...)

	if err := stageAll(ctx, e.Client, e.LocalDir, adds, e.Progress); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}

	e.state = Verified

	if err := removeAll(e.LocalDir, info.Delete); err != nil {
		return err
	}

	e.state = Swapped

	return nil
}

// rollback restores LocalDir from its backup after a failure at or past
// BackedUp. If the restore itself fails, the directory may hold a mix of
// staged and restored files and ErrUnstable is surfaced instead: the
// engine refuses to touch local_config in that case.
func (e *Engine) rollback(cause error) error {
	if errors.Is(cause, context.Canceled) {
		cause = ErrCancelled
	}

	if restoreErr := restoreFromBackup(e.LocalDir); restoreErr != nil {
		e.state = Unstable

		return fmt.Errorf("%w: original failure %v, restore also failed: %v", ErrUnstable, cause, restoreErr)
	}

	e.state = RolledBack

	return cause
}
