package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchFile 监听数据集文件变化，防抖后调用 onChange，直到 ctx 结束
//
// The parent directory is watched so that editors replacing the file by
// rename are still observed.
func WatchFile(ctx context.Context, path string, debounce time.Duration, logger *zap.Logger, onChange func(context.Context) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			logger.Debug("dataset changed", zap.String("path", target), zap.String("op", event.Op.String()))
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("dataset watcher error", zap.Error(err))
		case <-timer.C:
			if err := onChange(ctx); err != nil {
				logger.Error("dataset change handler failed", zap.Error(err))
			}
		}
	}
}
