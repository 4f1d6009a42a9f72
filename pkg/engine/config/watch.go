/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	logutil "github.com/hiveflow/hiveflow/pkg/engine/util/logging"
)

// Watch re-reads the config file whenever it changes and invokes onReload
// with the freshly parsed result. Parse or validation failures are logged and
// the previous configuration stays in effect. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file itself so that
// rename-based atomic writes (the common editor and configmap update pattern)
// are observed.
func Watch(ctx context.Context, logger logr.Logger, fileName string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(fileName)); err != nil {
		return err
	}

	target := filepath.Clean(fileName)
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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(nil, fileName)
			if err != nil {
				logger.Error(err, "Ignoring config reload", "file", fileName)
				continue
			}
			logger.V(logutil.DEFAULT).Info("Config reloaded", "file", fileName)
			onReload(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error(err, "Config watcher error", "file", fileName)
		}
	}
}
