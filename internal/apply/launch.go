package apply

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Launch execs the entry point inside localDir, dispatching on its file
// suffix. The child inherits extraArgs as its argv tail and runs with
// localDir as its working directory. A launch failure is returned to the
// caller but never rolls back the apply: by the time Launch runs, the
// new version is already committed.
func Launch(localDir, entryPoint string, extraArgs []string) error {
	target := filepath.Join(localDir, filepath.FromSlash(entryPoint))

	cmd, err := dispatch(target, extraArgs)
	if err != nil {
		return err
	}

	cmd.Dir = localDir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

func dispatch(target string, extraArgs []string) (*exec.Cmd, error) {
	switch strings.ToLower(filepath.Ext(target)) {
	case ".py":
		return exec.Command("python3", append([]string{target}, extraArgs...)...), nil
	case ".sh":
		return exec.Command("bash", append([]string{target}, extraArgs...)...), nil
	case ".bat", ".cmd":
		if runtime.GOOS != "windows" {
			return nil, fmt.Errorf("%w: %s requires windows", ErrEntryPoint, target)
		}

		return exec.Command("cmd.exe", append([]string{"/C", target}, extraArgs...)...), nil
	case "", ".exe":
		if runtime.GOOS != "windows" && !isExecutable(target) {
			return nil, fmt.Errorf("%w: %s is not executable", ErrEntryPoint, target)
		}

		return exec.Command(target, extraArgs...), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrEntryPoint, target)
	}
}
