package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/asheshgoplani/agentterm/internal/session"
)

// RestoreProject spawns a shell for every stored session of projectPath
// that is not already live, replaying its saved output. Sessions that were
// running the assistant are marked pending-resume. Concurrent calls for the
// same project share one restore.
func (o *Orchestrator) RestoreProject(ctx context.Context, projectPath string) ([]*session.Session, error) {
	v, err, _ := o.restores.Do(projectPath, func() (any, error) {
		return o.restore(ctx, projectPath)
	})
	list, _ := v.([]*session.Session)
	return list, err
}

func (o *Orchestrator) restore(ctx context.Context, projectPath string) ([]*session.Session, error) {
	stored := o.store.GetSessions(projectPath)
	session.SortByDisplayOrder(stored)

	var errs []error
	restored := 0
	for _, sess := range stored {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := o.get(sess.ID); err == nil {
			continue
		}
		_, err := o.start(sess, startOptions{
			cwd:           spawnDir(sess),
			initialOutput: sess.OutputBuffer,
			pendingResume: sess.IsAssistantMode,
		})
		if errors.Is(err, ErrSessionExists) {
			continue
		}
		if err != nil {
			orchLog.Warn("restore_failed",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		restored++
	}

	orchLog.Info("project_restored",
		slog.String("project", projectPath),
		slog.Int("stored", len(stored)),
		slog.Int("restored", restored))
	return o.List(projectPath), errors.Join(errs...)
}

// spawnDir picks the first of the session's working directory and project
// path that still exists. Empty means the process working directory.
func spawnDir(sess *session.Session) string {
	for _, dir := range []string{sess.WorkingDirectory, sess.ProjectPath} {
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
