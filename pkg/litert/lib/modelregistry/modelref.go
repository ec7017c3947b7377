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
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/taskbundle"
)

// SourceKind says where a model comes from.
type SourceKind string

const (
	// SourceHuggingFace is a file or repository on the HuggingFace Hub.
	SourceHuggingFace SourceKind = "huggingface"
	// SourceBundle is a local .task file.
	SourceBundle SourceKind = "bundle"
	// SourceDir is a local directory of signature graphs.
	SourceDir SourceKind = "dir"
)

// HFPrefix marks HuggingFace references.
const HFPrefix = "hf:"

// ModelRef represents a parsed model reference
type ModelRef struct {
	Kind SourceKind
	// Owner and Repo name the HuggingFace repository.
	Owner string
	Repo  string
	// File is a path inside the repository. Empty pulls the whole
	// repository's signature graphs.
	File string
	// Path is the local file or directory.
	Path string
}

// ParseModelRef parses the supported reference formats:
//
//	"hf:google/gemma-3-1b-it/gemma3-1b-it-int4.task"  -> one file of a HuggingFace repo
//	"hf:litert-community/Qwen2.5-0.5B-Instruct"       -> signature graphs of a repo
//	"./models/gemma.task"                             -> local bundle
//	"./models/qwen"                                   -> local signature directory
func ParseModelRef(ref string) (ModelRef, error) {
	if ref == "" {
		return ModelRef{}, fmt.Errorf("empty model reference")
	}

	if after, ok := strings.CutPrefix(ref, HFPrefix); ok {
		parts := strings.SplitN(after, "/", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return ModelRef{}, fmt.Errorf("huggingface reference %q must be hf:<owner>/<repo>[/<file>]", ref)
		}
		r := ModelRef{Kind: SourceHuggingFace, Owner: parts[0], Repo: parts[1]}
		if len(parts) == 3 {
			r.File = strings.Trim(parts[2], "/")
		}
		return r, nil
	}

	if taskbundle.IsBundle(ref) {
		return ModelRef{Kind: SourceBundle, Path: ref}, nil
	}
	return ModelRef{Kind: SourceDir, Path: ref}, nil
}

// RepoID returns "owner/repo".
func (r ModelRef) RepoID() string {
	return r.Owner + "/" + r.Repo
}

// DirPath returns the cache directory of a HuggingFace reference relative
// to the cache root, e.g. "google/gemma-3-1b-it".
func (r ModelRef) DirPath() string {
	return filepath.Join(r.Owner, r.Repo)
}

// Name is a short display name for the model.
func (r ModelRef) Name() string {
	switch {
	case r.Kind == SourceHuggingFace && r.File != "":
		return strings.TrimSuffix(filepath.Base(r.File), filepath.Ext(r.File))
	case r.Kind == SourceHuggingFace:
		return r.Repo
	default:
		base := filepath.Base(filepath.Clean(r.Path))
		return strings.TrimSuffix(base, taskbundle.Ext)
	}
}

// String returns a human-readable representation
func (r ModelRef) String() string {
	if r.Kind != SourceHuggingFace {
		return r.Path
	}
	s := HFPrefix + r.RepoID()
	if r.File != "" {
		s += "/" + r.File
	}
	return s
}
