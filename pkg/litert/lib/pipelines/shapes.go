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

package pipelines

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
)

// Well-known signature input and output names.
const (
	InputTokens   = "tokens"
	InputPos      = "input_pos"
	InputMask     = "mask"
	OutputLogits  = "logits"
	cacheMarker   = "kv_cache"
	cacheCapacity = "kv_cache_v_0"
)

// GraphKind tags a signature as prefill or decode.
type GraphKind string

const (
	KindPrefill GraphKind = "prefill"
	KindDecode  GraphKind = "decode"
)

// GraphVariant is the metadata of one signature, read once from the engine.
type GraphVariant struct {
	Name      string
	Kind      GraphKind
	Signature backends.Signature
	Inputs    map[string]backends.TensorInfo

	// BucketSize is the length of the input_pos input.
	BucketSize int
	// MaxSeqLen is the sequence dimension of the tokens input.
	MaxSeqLen int
	// TokensShape is the declared shape of the tokens input.
	TokensShape backends.Shape

	HasMask   bool
	MaskShape backends.Shape

	// CacheNames lists the cache inputs in sorted order.
	CacheNames []string
	// CacheCapacity is the temporal size of the cache, 0 when unknown.
	CacheCapacity int
}

func newGraphVariant(kind GraphKind, sig backends.Signature) (*GraphVariant, error) {
	inputs := sig.InputDetails()
	v := &GraphVariant{
		Name:      sig.Name(),
		Kind:      kind,
		Signature: sig,
		Inputs:    inputs,
	}

	pos, ok := inputs[InputPos]
	if !ok || len(pos.Shape) == 0 || pos.Shape[0] <= 0 {
		return nil, &ShapeMismatchError{Tensor: InputPos, Got: pos.Shape,
			Reason: fmt.Sprintf("signature %s needs a static %s input", v.Name, InputPos)}
	}
	v.BucketSize = int(pos.Shape[0])

	tokens, ok := inputs[InputTokens]
	if !ok || len(tokens.Shape) == 0 {
		return nil, &ShapeMismatchError{Tensor: InputTokens,
			Reason: fmt.Sprintf("signature %s has no %s input", v.Name, InputTokens)}
	}
	v.TokensShape = tokens.Shape.Clone()
	// Some exporters drop the batch dimension from tokens.
	if len(tokens.Shape) == 1 {
		v.MaxSeqLen = int(tokens.Shape[0])
	} else {
		v.MaxSeqLen = int(tokens.Shape[1])
	}
	if v.MaxSeqLen <= 0 {
		return nil, &ShapeMismatchError{Tensor: InputTokens, Got: tokens.Shape,
			Reason: fmt.Sprintf("signature %s has a dynamic sequence dimension", v.Name)}
	}

	if mask, ok := inputs[InputMask]; ok {
		v.HasMask = true
		v.MaskShape = mask.Shape.Clone()
	}

	for name := range inputs {
		if strings.Contains(name, cacheMarker) {
			v.CacheNames = append(v.CacheNames, name)
		}
	}
	sort.Strings(v.CacheNames)

	// The V cache keeps its temporal axis last in both cache layouts.
	if vc, ok := inputs[cacheCapacity]; ok && len(vc.Shape) >= 4 && vc.Shape[3] > 0 {
		v.CacheCapacity = int(vc.Shape[3])
	} else if v.HasMask && len(v.MaskShape) > 0 && v.MaskShape[len(v.MaskShape)-1] > 0 {
		v.CacheCapacity = int(v.MaskShape[len(v.MaskShape)-1])
	}
	return v, nil
}

// ShapeRegistry holds the graph variants exposed by an engine.
type ShapeRegistry struct {
	// Prefill variants sorted by bucket size, then name.
	Prefill []*GraphVariant
	Decode  *GraphVariant
}

// NewShapeRegistry reads the signatures of engine. Signatures whose names
// contain "prefill" or "decode" are kept; the engine must expose at least one
// of each.
func NewShapeRegistry(engine backends.SignatureEngine) (*ShapeRegistry, error) {
	if engine == nil {
		return nil, &UninitializedComponentError{Component: "execution engine"}
	}
	names := engine.SignatureList()
	sort.Strings(names)

	r := &ShapeRegistry{}
	for _, name := range names {
		var kind GraphKind
		switch {
		case strings.Contains(name, string(KindPrefill)):
			kind = KindPrefill
		case strings.Contains(name, string(KindDecode)):
			kind = KindDecode
		default:
			continue
		}
		sig, err := engine.Signature(name)
		if err != nil {
			return nil, fmt.Errorf("reading signature %s: %w", name, err)
		}
		v, err := newGraphVariant(kind, sig)
		if err != nil {
			return nil, err
		}
		if kind == KindPrefill {
			r.Prefill = append(r.Prefill, v)
		} else if r.Decode == nil {
			r.Decode = v
		}
	}

	if len(r.Prefill) == 0 {
		return nil, fmt.Errorf("engine exposes no prefill signature (have %v)", names)
	}
	if r.Decode == nil {
		return nil, fmt.Errorf("engine exposes no decode signature (have %v)", names)
	}
	sort.SliceStable(r.Prefill, func(i, j int) bool {
		if r.Prefill[i].BucketSize != r.Prefill[j].BucketSize {
			return r.Prefill[i].BucketSize < r.Prefill[j].BucketSize
		}
		return r.Prefill[i].Name < r.Prefill[j].Name
	})
	return r, nil
}

// Buckets returns the prefill bucket sizes in ascending order.
func (r *ShapeRegistry) Buckets() []int {
	out := make([]int, len(r.Prefill))
	for i, v := range r.Prefill {
		out[i] = v.BucketSize
	}
	return out
}

// LargestBucket returns the biggest prefill bucket size.
func (r *ShapeRegistry) LargestBucket() int {
	return r.Prefill[len(r.Prefill)-1].BucketSize
}

// CacheCapacity returns the cache capacity to use with a prefill variant,
// falling back to the decode graph when the prefill graph does not tell.
func (r *ShapeRegistry) CacheCapacity(prefill *GraphVariant) int {
	if prefill != nil && prefill.CacheCapacity > 0 {
		return prefill.CacheCapacity
	}
	return r.Decode.CacheCapacity
}
