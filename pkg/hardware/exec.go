package hardware

import (
	"context"
	"fmt"
	"os/exec"
)

// execCommand is the default CommandRunner: it shells out to the named
// tool and returns combined output, wrapping failures with the output so
// logs show what the tool printed.
func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w (output: %s)", name, err, out)
	}
	return out, nil
}
