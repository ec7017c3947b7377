// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modelregistry

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/taskbundle"
)

// LocalModel is a model available on disk.
type LocalModel struct {
	// Name identifies the model in the registry and API.
	Name string
	// Path is a .task file or a signature directory.
	Path string
	Kind SourceKind
}

// Resolve turns ref into a local model, pulling HuggingFace references
// through hf. hf may be nil when only local references are expected.
func Resolve(ctx context.Context, ref ModelRef, hf *HuggingFaceClient) (LocalModel, error) {
	path := ref.Path
	if ref.Kind == SourceHuggingFace {
		if hf == nil {
			return LocalModel{}, fmt.Errorf("cannot pull %s: no huggingface client configured", ref)
		}
		var err error
		if path, err = hf.Pull(ctx, ref); err != nil {
			return LocalModel{}, err
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return LocalModel{}, fmt.Errorf("model %s: %w", ref, err)
	}
	m := LocalModel{Name: ref.Name(), Path: path, Kind: SourceDir}
	switch {
	case !info.IsDir() && taskbundle.IsBundle(path):
		m.Kind = SourceBundle
	case !info.IsDir():
		return LocalModel{}, fmt.Errorf("model %s: %s is neither a .task bundle nor a directory", ref, path)
	case !backends.IsGraphDir(path):
		return LocalModel{}, fmt.Errorf("model %s: %s holds no signature graphs", ref, path)
	}
	return m, nil
}

// Discover walks root and returns every .task bundle and every directory
// holding signature graphs. Names are slash-separated paths relative to
// root without the bundle extension.
func Discover(root string) ([]LocalModel, error) {
	var models []LocalModel
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		switch {
		case d.IsDir() && backends.IsGraphDir(path):
			if name == "." {
				name = filepath.Base(root)
			}
			models = append(models, LocalModel{Name: name, Path: path, Kind: SourceDir})
			return fs.SkipDir
		case !d.IsDir() && taskbundle.IsBundle(path):
			models = append(models, LocalModel{
				Name: strings.TrimSuffix(name, filepath.Ext(name)),
				Path: path,
				Kind: SourceBundle,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovering models in %s: %w", root, err)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models, nil
}
