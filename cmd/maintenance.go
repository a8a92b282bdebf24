package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron"
	"github.com/sirupsen/logrus"

	"github.com/mensi/githttpd/gitcmd"
	"github.com/mensi/githttpd/gitdir"
)

const refreshTimeout = time.Minute

// startServerInfoRefresh schedules periodic regeneration of the dumb
// protocol index files (info/refs, objects/info/packs) for every served
// repository. The returned scheduler keeps running until stopped.
func startServerInfoRefresh(spec string, resolver *gitdir.FilesystemResolver, local *gitcmd.Local, logger logrus.FieldLogger) (*cron.Cron, error) {
	scheduler := cron.New()
	if err := scheduler.AddFunc(spec, func() {
		refreshServerInfo(resolver, local, logger)
	}); err != nil {
		return nil, fmt.Errorf("server info schedule: %w", err)
	}
	scheduler.Start()
	logger.WithField("schedule", spec).Info("refreshing server info on schedule")
	return scheduler, nil
}

func refreshServerInfo(resolver *gitdir.FilesystemResolver, local *gitcmd.Local, logger logrus.FieldLogger) {
	names, err := resolver.List()
	if err != nil {
		logger.WithError(err).Warn("server info refresh: listing repositories failed")
		return
	}

	for _, name := range names {
		repo, err := resolver.Resolve(name)
		if err != nil {
			logger.WithError(err).WithField("repo", name).Warn("server info refresh: resolve failed")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		err = local.RefreshServerInfo(ctx, repo.Root())
		cancel()
		if err != nil {
			logger.WithError(err).WithField("repo", name).Warn("server info refresh failed")
		}
	}

	logger.WithField("repositories", len(names)).Debug("server info refresh complete")
}
