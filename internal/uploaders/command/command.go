package command

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"pubflow/internal/domain"
)

// Uploader shells out to an external publish command. The command receives
// the video path as its final argument and the task metadata via PUBFLOW_*
// environment variables. How the command submits to the platform (API,
// browser automation) is its own business.
type Uploader struct {
	Command string
	Args    []string
}

func (u Uploader) Upload(ctx context.Context, task domain.Task) error {
	if u.Command == "" {
		return fmt.Errorf("command is required")
	}
	args := append(append([]string{}, u.Args...), task.VideoPath)
	cmd := exec.CommandContext(ctx, u.Command, args...)
	cmd.Env = append(cmd.Environ(),
		"PUBFLOW_TASK_ID="+strconv.FormatInt(task.ID, 10),
		"PUBFLOW_PLATFORM="+task.Platform,
		"PUBFLOW_TITLE="+task.Title,
		"PUBFLOW_DESCRIPTION="+task.Description,
		"PUBFLOW_TAGS="+strings.Join(task.Tags, ","),
	)
	if task.AccountID != nil {
		cmd.Env = append(cmd.Env, "PUBFLOW_ACCOUNT_ID="+strconv.FormatInt(*task.AccountID, 10))
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("publish command error: %v; out=%s", err, string(out))
	}
	return nil
}
